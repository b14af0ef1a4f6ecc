package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer represents a print-shop customer
type Customer struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order represents a customer order taken by intake
type Order struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	OrderNumber    string        `db:"order_number" json:"order_number"`
	CustomerID     uuid.UUID     `db:"customer_id" json:"customer_id"`
	IntakeID       uuid.UUID     `db:"intake_id" json:"intake_id"`
	TotalAmount    int64         `db:"total_amount" json:"total_amount"`
	PaymentStatus  PaymentStatus `db:"payment_status" json:"payment_status"`
	OrderStatus    OrderStatus   `db:"order_status" json:"order_status"`
	Deadline       *time.Time    `db:"deadline" json:"deadline,omitempty"`
	Notes          *string       `db:"notes" json:"notes,omitempty"`
	IdempotencyKey *string       `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`

	// Joined read-side fields
	CustomerName string      `db:"customer_name" json:"customer_name,omitempty"`
	Items        []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem represents a line of an order
type OrderItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OrderID     uuid.UUID `db:"order_id" json:"order_id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Quantity    int       `db:"quantity" json:"quantity"`
	Price       int64     `db:"price" json:"price"`
	Subtotal    int64     `db:"subtotal" json:"subtotal"`
}

// Payment represents a settled payment. Payments are insert-only.
type Payment struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	OrderID    uuid.UUID     `db:"order_id" json:"order_id"`
	Amount     int64         `db:"amount" json:"amount"`
	Method     PaymentMethod `db:"method" json:"method"`
	GatewayRef *string       `db:"gateway_ref" json:"gateway_ref,omitempty"`
	CashierID  uuid.UUID     `db:"cashier_id" json:"cashier_id"`
	PaidAt     time.Time     `db:"paid_at" json:"paid_at"`

	OrderNumber  string `db:"order_number" json:"order_number,omitempty"`
	CustomerName string `db:"customer_name" json:"customer_name,omitempty"`
}

// WorkOrder is a production work order (SPK)
type WorkOrder struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	SPKNumber  string     `db:"spk_number" json:"spk_number"`
	OrderID    uuid.UUID  `db:"order_id" json:"order_id"`
	Stage      Stage      `db:"production_status" json:"production_status"`
	Notes      *string    `db:"notes" json:"notes,omitempty"`
	OperatorID *uuid.UUID `db:"operator_id" json:"operator_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`

	OrderNumber  string `db:"order_number" json:"order_number,omitempty"`
	TotalAmount  int64  `db:"total_amount" json:"total_amount,omitempty"`
	CustomerName string `db:"customer_name" json:"customer_name,omitempty"`
}

// OrderFilter narrows ListOrders results
type OrderFilter struct {
	Search        string
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
}

// WorkOrderFilter narrows ListWorkOrders results
type WorkOrderFilter struct {
	Search string
	Stage  Stage
}

// OrderStats summarizes the intake dashboard
type OrderStats struct {
	TotalOrders    int   `db:"total_orders" json:"total_orders"`
	PendingPayment int   `db:"pending_payment" json:"pending_payment"`
	InProduction   int   `db:"in_production" json:"in_production"`
	Revenue        int64 `db:"revenue" json:"revenue"`
}

// PaymentSummary aggregates payments over a period
type PaymentSummary struct {
	Count int   `db:"count" json:"count"`
	Total int64 `db:"total" json:"total"`
}

// StageCounts counts work orders per production stage
type StageCounts map[Stage]int
