package auth

import (
	"print-workflow/internal/errs"
)

// Operation is a gated workflow operation
type Operation int

const (
	OpCreateOrder Operation = iota + 1
	OpListOrders
	OpGetOrder
	OpListCustomers
	OpViewStats
	OpSettlePayment
	OpListPayments
	OpCreateWorkOrder
	OpAdvanceStage
	OpListWorkOrders
)

var operationNames = map[Operation]string{
	OpCreateOrder:     "create_order",
	OpListOrders:      "list_orders",
	OpGetOrder:        "get_order",
	OpListCustomers:   "list_customers",
	OpViewStats:       "view_stats",
	OpSettlePayment:   "settle_payment",
	OpListPayments:    "list_payments",
	OpCreateWorkOrder: "create_work_order",
	OpAdvanceStage:    "advance_stage",
	OpListWorkOrders:  "list_work_orders",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return "unknown"
}

// Allowed reports whether the role may perform op
func Allowed(role Role, op Operation) bool {
	switch role {
	case RoleIntake:
		switch op {
		case OpCreateOrder, OpListOrders, OpGetOrder, OpListCustomers, OpViewStats, OpCreateWorkOrder:
			return true
		}
		return false
	case RoleCashier:
		switch op {
		case OpSettlePayment, OpListPayments, OpListOrders, OpGetOrder:
			return true
		}
		return false
	case RoleOperator:
		switch op {
		case OpAdvanceStage, OpListWorkOrders:
			return true
		}
		return false
	case RoleUnknown:
		return false
	}
	return false
}

// Authorize returns a forbidden error unless the identity may perform op
func Authorize(id Identity, op Operation) error {
	if !Allowed(id.Role, op) {
		return errs.New(errs.KindForbidden, op.String(), "role %s may not %s", id.Role, op)
	}
	return nil
}
