// Package memory is an in-process implementation of the entity store and its
// change feed. It backs development runs without PostgreSQL and the workflow
// tests. Conditional updates are evaluated under a single mutex, which gives
// the same compare-and-swap outcome as the SQL store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/models"
	"print-workflow/internal/store"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Store keeps every table in maps guarded by mu
type Store struct {
	mu sync.Mutex

	customers  map[uuid.UUID]models.Customer
	orders     map[uuid.UUID]models.Order
	payments   map[uuid.UUID]models.Payment // keyed by order id
	workOrders map[uuid.UUID]models.WorkOrder
	roles      map[uuid.UUID]string

	orderNumbers map[string]uuid.UUID
	spkNumbers   map[string]uuid.UUID
	idempotency  map[string]uuid.UUID
	workByOrder  map[uuid.UUID]uuid.UUID

	lastTick time.Time

	subMu sync.Mutex
	// subscribers maps each feed channel to the signal that stops its watcher
	subscribers map[chan models.ChangeEvent]chan struct{}
	watchers    sync.WaitGroup
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.ChangeFeed = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		customers:    make(map[uuid.UUID]models.Customer),
		orders:       make(map[uuid.UUID]models.Order),
		payments:     make(map[uuid.UUID]models.Payment),
		workOrders:   make(map[uuid.UUID]models.WorkOrder),
		roles:        make(map[uuid.UUID]string),
		orderNumbers: make(map[string]uuid.UUID),
		spkNumbers:   make(map[string]uuid.UUID),
		idempotency:  make(map[string]uuid.UUID),
		workByOrder:  make(map[uuid.UUID]uuid.UUID),
		subscribers:  make(map[chan models.ChangeEvent]chan struct{}),
	}
}

// now returns a strictly increasing timestamp so newest-first ordering is stable.
// Callers hold mu.
func (s *Store) now() time.Time {
	t := time.Now()
	if !t.After(s.lastTick) {
		t = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = t
	return t
}

// CreateOrder implements store.Repository
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, newCustomer *models.Customer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var events []models.ChangeEvent

	s.mu.Lock()
	if _, taken := s.orderNumbers[order.OrderNumber]; taken {
		s.mu.Unlock()
		return &store.UniqueViolationError{Constraint: store.ConstraintOrderNumber}
	}
	if order.IdempotencyKey != nil {
		if _, taken := s.idempotency[*order.IdempotencyKey]; taken {
			s.mu.Unlock()
			return &store.UniqueViolationError{Constraint: store.ConstraintOrderIdempotency}
		}
	}

	now := s.now()
	if newCustomer != nil {
		newCustomer.ID = uuid.New()
		newCustomer.CreatedAt = now
		s.customers[newCustomer.ID] = *newCustomer
		order.CustomerID = newCustomer.ID
		events = append(events, models.NewChangeEvent(models.TableCustomers, models.OpInsert, newCustomer.ID))
	}
	customer, ok := s.customers[order.CustomerID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}

	order.ID = uuid.New()
	order.PaymentStatus = models.PaymentStatusPending
	order.OrderStatus = models.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	order.CustomerName = customer.Name
	for i := range order.Items {
		order.Items[i].ID = uuid.New()
		order.Items[i].OrderID = order.ID
	}

	s.orders[order.ID] = cloneOrder(*order)
	s.orderNumbers[order.OrderNumber] = order.ID
	if order.IdempotencyKey != nil {
		s.idempotency[*order.IdempotencyKey] = order.ID
	}
	events = append(events, models.NewChangeEvent(models.TableOrders, models.OpInsert, order.ID))
	for _, item := range order.Items {
		events = append(events, models.NewChangeEvent(models.TableOrderItems, models.OpInsert, item.ID))
	}
	s.mu.Unlock()

	s.publish(events...)
	return nil
}

// GetOrder implements store.Repository
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := s.withCustomerName(cloneOrder(o))
	return &out, nil
}

// GetOrderByIdempotencyKey implements store.Repository
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	id, ok := s.idempotency[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.GetOrder(ctx, id)
}

// ListOrders implements store.Repository
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(filter.Search)
	out := []models.Order{}
	for _, o := range s.orders {
		o = s.withCustomerName(o)
		if search != "" && !containsFold(search, o.OrderNumber, o.CustomerName) {
			continue
		}
		if filter.PaymentStatus != "" && o.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.OrderStatus != "" && o.OrderStatus != filter.OrderStatus {
			continue
		}
		o.Items = nil
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// OrderStats implements store.Repository
func (s *Store) OrderStats(ctx context.Context) (*models.OrderStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.OrderStats
	for _, o := range s.orders {
		stats.TotalOrders++
		if o.PaymentStatus == models.PaymentStatusPending {
			stats.PendingPayment++
		}
		if o.OrderStatus == models.OrderStatusInProduction {
			stats.InProduction++
		}
		if o.PaymentStatus == models.PaymentStatusPaid {
			stats.Revenue += o.TotalAmount
		}
	}
	return &stats, nil
}

// GetCustomer implements store.Repository
func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// ListCustomers implements store.Repository
func (s *Store) ListCustomers(ctx context.Context) ([]models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SettlePayment implements store.Repository
func (s *Store) SettlePayment(ctx context.Context, payment *models.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	o, ok := s.orders[payment.OrderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending || o.OrderStatus != models.OrderStatusPending {
		s.mu.Unlock()
		return store.ErrStaleState
	}
	if _, exists := s.payments[payment.OrderID]; exists {
		s.mu.Unlock()
		return &store.UniqueViolationError{Constraint: store.ConstraintPaymentOrder}
	}

	now := s.now()
	o.PaymentStatus = models.PaymentStatusPaid
	o.OrderStatus = models.OrderStatusPaid
	o.UpdatedAt = now
	s.orders[o.ID] = o

	payment.ID = uuid.New()
	payment.PaidAt = now
	s.payments[payment.OrderID] = *payment
	s.mu.Unlock()

	s.publish(
		models.NewChangeEvent(models.TableOrders, models.OpUpdate, o.ID),
		models.NewChangeEvent(models.TablePayments, models.OpInsert, payment.ID),
	)
	return nil
}

// GetPaymentByOrderID implements store.Repository
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

// ListRecentPayments implements store.Repository
func (s *Store) ListRecentPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		if o, ok := s.orders[p.OrderID]; ok {
			p.OrderNumber = o.OrderNumber
			p.CustomerName = s.customers[o.CustomerID].Name
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PaymentSummarySince implements store.Repository
func (s *Store) PaymentSummarySince(ctx context.Context, since time.Time) (*models.PaymentSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary models.PaymentSummary
	for _, p := range s.payments {
		if !p.PaidAt.Before(since) {
			summary.Count++
			summary.Total += p.Amount
		}
	}
	return &summary, nil
}

// CreateWorkOrder implements store.Repository
func (s *Store) CreateWorkOrder(ctx context.Context, wo *models.WorkOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	o, ok := s.orders[wo.OrderID]
	if !ok || o.OrderStatus != models.OrderStatusPaid || o.PaymentStatus != models.PaymentStatusPaid {
		s.mu.Unlock()
		return store.ErrStaleState
	}
	if _, exists := s.workByOrder[wo.OrderID]; exists {
		s.mu.Unlock()
		return &store.UniqueViolationError{Constraint: store.ConstraintWorkOrderOrder}
	}
	if _, taken := s.spkNumbers[wo.SPKNumber]; taken {
		s.mu.Unlock()
		return &store.UniqueViolationError{Constraint: store.ConstraintSPKNumber}
	}

	now := s.now()
	o.OrderStatus = models.OrderStatusInProduction
	o.UpdatedAt = now
	s.orders[o.ID] = o

	wo.ID = uuid.New()
	wo.Stage = models.StagePending
	wo.CreatedAt = now
	wo.UpdatedAt = now
	s.workOrders[wo.ID] = *wo
	s.workByOrder[wo.OrderID] = wo.ID
	s.spkNumbers[wo.SPKNumber] = wo.ID
	s.mu.Unlock()

	s.publish(
		models.NewChangeEvent(models.TableOrders, models.OpUpdate, o.ID),
		models.NewChangeEvent(models.TableWorkOrders, models.OpInsert, wo.ID),
	)
	return nil
}

// GetWorkOrder implements store.Repository
func (s *Store) GetWorkOrder(ctx context.Context, id uuid.UUID) (*models.WorkOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.workOrders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	wo = s.withOrderContext(wo)
	return &wo, nil
}

// GetWorkOrderByOrderID implements store.Repository
func (s *Store) GetWorkOrderByOrderID(ctx context.Context, orderID uuid.UUID) (*models.WorkOrder, error) {
	s.mu.Lock()
	id, ok := s.workByOrder[orderID]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetWorkOrder(ctx, id)
}

// AdvanceWorkOrder implements store.Repository
func (s *Store) AdvanceWorkOrder(ctx context.Context, id uuid.UUID, from, to models.Stage, actor uuid.UUID) (*models.WorkOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	wo, ok := s.workOrders[id]
	if !ok || wo.Stage != from {
		s.mu.Unlock()
		return nil, store.ErrStaleState
	}

	var o models.Order
	if to == models.StageDone {
		o = s.orders[wo.OrderID]
		if o.OrderStatus != models.OrderStatusInProduction {
			s.mu.Unlock()
			return nil, store.ErrStaleState
		}
	}

	now := s.now()
	wo.Stage = to
	if wo.OperatorID == nil {
		op := actor
		wo.OperatorID = &op
	}
	wo.UpdatedAt = now
	s.workOrders[id] = wo

	events := []models.ChangeEvent{models.NewChangeEvent(models.TableWorkOrders, models.OpUpdate, id)}
	if to == models.StageDone {
		o.OrderStatus = models.OrderStatusCompleted
		o.UpdatedAt = now
		s.orders[o.ID] = o
		events = append(events, models.NewChangeEvent(models.TableOrders, models.OpUpdate, o.ID))
	}
	out := s.withOrderContext(wo)
	s.mu.Unlock()

	s.publish(events...)
	return &out, nil
}

// ListWorkOrders implements store.Repository
func (s *Store) ListWorkOrders(ctx context.Context, filter models.WorkOrderFilter) ([]models.WorkOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(filter.Search)
	out := []models.WorkOrder{}
	for _, wo := range s.workOrders {
		wo = s.withOrderContext(wo)
		if search != "" && !containsFold(search, wo.SPKNumber, wo.OrderNumber, wo.CustomerName) {
			continue
		}
		if filter.Stage != "" && wo.Stage != filter.Stage {
			continue
		}
		out = append(out, wo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// StageCounts implements store.Repository
func (s *Store) StageCounts(ctx context.Context) (models.StageCounts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(models.StageCounts, len(models.Stages))
	for _, st := range models.Stages {
		counts[st] = 0
	}
	for _, wo := range s.workOrders {
		counts[wo.Stage]++
	}
	return counts, nil
}

// GetUserRole implements auth.RoleLookup
func (s *Store) GetUserRole(ctx context.Context, userID uuid.UUID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[userID]
	if !ok {
		return "", auth.ErrRoleNotFound
	}
	return role, nil
}

// SetUserRole implements store.Repository
func (s *Store) SetUserRole(ctx context.Context, userID uuid.UUID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[userID] = role
	return nil
}

func (s *Store) withCustomerName(o models.Order) models.Order {
	o.CustomerName = s.customers[o.CustomerID].Name
	return o
}

func (s *Store) withOrderContext(wo models.WorkOrder) models.WorkOrder {
	o := s.orders[wo.OrderID]
	wo.OrderNumber = o.OrderNumber
	wo.TotalAmount = o.TotalAmount
	wo.CustomerName = s.customers[o.CustomerID].Name
	return wo
}

func cloneOrder(o models.Order) models.Order {
	if o.Items != nil {
		items := make([]models.OrderItem, len(o.Items))
		copy(items, o.Items)
		o.Items = items
	}
	return o
}

func containsFold(needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}
