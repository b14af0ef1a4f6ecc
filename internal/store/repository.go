package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned when a conditional update matched no row
	// because the row was no longer in the expected state
	ErrStaleState = errors.New("row not in expected state")

	// ErrCommitOutcomeUnknown is returned when the connection failed while
	// committing, so the transaction may or may not have been applied
	ErrCommitOutcomeUnknown = errors.New("commit outcome unknown")
)

// Unique constraint names, shared by both store implementations
const (
	ConstraintOrderNumber      = "orders_order_number_key"
	ConstraintOrderIdempotency = "orders_idempotency_key_key"
	ConstraintPaymentOrder     = "payments_order_id_key"
	ConstraintSPKNumber        = "work_orders_spk_number_key"
	ConstraintWorkOrderOrder   = "work_orders_order_id_key"
)

// UniqueViolationError reports an insert that collided with a unique constraint
type UniqueViolationError struct {
	Constraint string
	Err        error
}

func (e *UniqueViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unique violation on %s: %v", e.Constraint, e.Err)
	}
	return "unique violation on " + e.Constraint
}

func (e *UniqueViolationError) Unwrap() error {
	return e.Err
}

// IsUniqueViolation reports whether err is a unique violation on constraint
func IsUniqueViolation(err error, constraint string) bool {
	var uv *UniqueViolationError
	return errors.As(err, &uv) && uv.Constraint == constraint
}

// Repository is the entity store used by the workflow managers.
// Every status write is a conditional update inside a single transaction.
type Repository interface {
	auth.RoleLookup

	// CreateOrder inserts the optional new customer, the order and its items
	// in one transaction. It fills generated ids and timestamps.
	CreateOrder(ctx context.Context, order *models.Order, newCustomer *models.Customer) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// GetOrderByIdempotencyKey returns nil, nil when no order carries the key
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	OrderStats(ctx context.Context) (*models.OrderStats, error)

	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	ListCustomers(ctx context.Context) ([]models.Customer, error)

	// SettlePayment flips the order pending -> paid and inserts the payment in
	// one transaction. ErrStaleState when the order was no longer pending.
	SettlePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ListRecentPayments(ctx context.Context, limit int) ([]models.Payment, error)
	PaymentSummarySince(ctx context.Context, since time.Time) (*models.PaymentSummary, error)

	// CreateWorkOrder flips the order paid -> in_production and inserts the
	// work order in one transaction. ErrStaleState when the order was not paid.
	CreateWorkOrder(ctx context.Context, wo *models.WorkOrder) error
	GetWorkOrder(ctx context.Context, id uuid.UUID) (*models.WorkOrder, error)
	GetWorkOrderByOrderID(ctx context.Context, orderID uuid.UUID) (*models.WorkOrder, error)
	// AdvanceWorkOrder moves the stage from -> to, recording actor as operator
	// when none is set. Reaching done also completes the order.
	AdvanceWorkOrder(ctx context.Context, id uuid.UUID, from, to models.Stage, actor uuid.UUID) (*models.WorkOrder, error)
	ListWorkOrders(ctx context.Context, filter models.WorkOrderFilter) ([]models.WorkOrder, error)
	StageCounts(ctx context.Context) (models.StageCounts, error)

	SetUserRole(ctx context.Context, userID uuid.UUID, role string) error
}

// ChangeFeed delivers row-level change notifications. The returned channel is
// closed when the feed disconnects or ctx is cancelled. An event of type
// models.EventTypeResync means notifications may have been missed.
type ChangeFeed interface {
	Listen(ctx context.Context) (<-chan models.ChangeEvent, error)
}
