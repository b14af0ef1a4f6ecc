package models

import "fmt"

// PaymentStatus of an order
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Valid reports whether s is a known payment status
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed:
		return true
	}
	return false
}

// OrderStatus of an order. Transitions only move forward one step:
//
//	pending -> paid -> in_production -> completed
type OrderStatus string

// Order statuses
const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusPaid         OrderStatus = "paid"
	OrderStatusInProduction OrderStatus = "in_production"
	OrderStatusCompleted    OrderStatus = "completed"
)

var orderStatusSequence = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusInProduction,
	OrderStatusCompleted,
}

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	return s.index() >= 0
}

func (s OrderStatus) index() int {
	for i, v := range orderStatusSequence {
		if v == s {
			return i
		}
	}
	return -1
}

// CanTransitionTo reports whether next is exactly one step after s
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	i, j := s.index(), next.index()
	return i >= 0 && j == i+1
}

// RequiresPayment reports whether the status is only reachable once paid
func (s OrderStatus) RequiresPayment() bool {
	return s == OrderStatusInProduction || s == OrderStatusCompleted
}

// PaymentMethod accepted at the cashier
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodCard PaymentMethod = "card"
)

// Valid reports whether m is a known payment method
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard
}

// Stage of a production work order
type Stage string

// Production stages, in pipeline order
const (
	StagePending   Stage = "pending"
	StagePrinting  Stage = "printing"
	StageFinishing Stage = "finishing"
	StageDone      Stage = "done"
)

// Stages is the fixed production pipeline
var Stages = []Stage{StagePending, StagePrinting, StageFinishing, StageDone}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, v := range Stages {
		if v == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no stage follows s
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Next returns the stage following s
func (s Stage) Next() (Stage, error) {
	i := s.index()
	if i < 0 {
		return "", fmt.Errorf("unknown stage %q", string(s))
	}
	if i == len(Stages)-1 {
		return "", fmt.Errorf("stage %q is terminal", string(s))
	}
	return Stages[i+1], nil
}
