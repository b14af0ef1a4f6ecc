package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/models"
	"print-workflow/internal/store"
	"print-workflow/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService handles order intake
type OrderService struct {
	repo   store.Repository
	number NumberFunc
	clock  func() time.Time
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository) *OrderService {
	return &OrderService{
		repo:   repo,
		number: RandomNumber,
		clock:  time.Now,
		logger: util.GetLogger(),
	}
}

// NewCustomerRequest describes a customer created together with the order
type NewCustomerRequest struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	Price       int64  `json:"price"`
}

// CreateOrderRequest represents a request to create an order. Either
// CustomerID or NewCustomer must be set.
type CreateOrderRequest struct {
	CustomerID     *uuid.UUID          `json:"customer_id,omitempty"`
	NewCustomer    *NewCustomerRequest `json:"new_customer,omitempty"`
	Items          []OrderItemRequest  `json:"items"`
	Notes          *string             `json:"notes,omitempty"`
	Deadline       *time.Time          `json:"deadline,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
}

// CreateOrder records a new pending order with its items
func (s *OrderService) CreateOrder(ctx context.Context, id auth.Identity, req *CreateOrderRequest) (*models.Order, error) {
	const op = "CreateOrder"

	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := auth.Authorize(id, auth.OpCreateOrder); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_number", existing.OrderNumber))
			return existing, nil
		}
	}

	items, total, err := prepareItems(req.Items)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	order := &models.Order{
		IntakeID:    id.UserID,
		TotalAmount: total,
		Deadline:    req.Deadline,
		Notes:       trimmed(req.Notes),
		Items:       items,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	newCustomer, err := s.resolveCustomer(ctx, req, order)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("invalid_customer").Inc()
		return nil, err
	}

	order.OrderNumber = s.number(PrefixOrder, s.clock())

	if err := s.repo.CreateOrder(ctx, order, newCustomer); err != nil {
		switch {
		case store.IsUniqueViolation(err, store.ConstraintOrderNumber):
			util.OrdersRejectedTotal.WithLabelValues("number_collision").Inc()
			return nil, errs.Wrap(errs.KindNumberCollision, op, err, "order number %s already exists", order.OrderNumber)
		case store.IsUniqueViolation(err, store.ConstraintOrderIdempotency):
			existing, lookupErr := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
			return nil, fmt.Errorf("failed to create order: %w", err)
		case errors.Is(err, store.ErrNotFound):
			return nil, errs.Wrap(errs.KindValidation, op, err, "customer does not exist")
		}
		util.OrdersRejectedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Int("items", len(order.Items)))

	return order, nil
}

// resolveCustomer validates the customer reference. It returns the customer
// to insert when the order introduces a new one.
func (s *OrderService) resolveCustomer(ctx context.Context, req *CreateOrderRequest, order *models.Order) (*models.Customer, error) {
	const op = "CreateOrder"

	if req.CustomerID != nil && *req.CustomerID != uuid.Nil {
		customer, err := s.repo.GetCustomer(ctx, *req.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.KindValidation, op, "customer %s does not exist", *req.CustomerID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load customer: %w", err)
		}
		order.CustomerID = customer.ID
		order.CustomerName = customer.Name
		return nil, nil
	}

	if req.NewCustomer == nil || strings.TrimSpace(req.NewCustomer.Name) == "" {
		return nil, errs.New(errs.KindValidation, op, "a customer or a new customer name is required")
	}

	return &models.Customer{
		Name:  strings.TrimSpace(req.NewCustomer.Name),
		Phone: trimmed(req.NewCustomer.Phone),
		Email: trimmed(req.NewCustomer.Email),
	}, nil
}

// prepareItems drops items without a product name, validates the rest and
// returns them with their subtotals and the order total
func prepareItems(reqs []OrderItemRequest) ([]models.OrderItem, int64, error) {
	const op = "CreateOrder"

	items := make([]models.OrderItem, 0, len(reqs))
	var total int64

	for _, r := range reqs {
		name := strings.TrimSpace(r.ProductName)
		if name == "" {
			continue
		}
		if r.Quantity <= 0 {
			return nil, 0, errs.New(errs.KindValidation, op, "quantity of %q must be positive", name)
		}
		if r.Price < 0 {
			return nil, 0, errs.New(errs.KindValidation, op, "price of %q must not be negative", name)
		}

		if r.Price > math.MaxInt64/int64(r.Quantity) {
			return nil, 0, errs.New(errs.KindValidation, op, "subtotal of %q is out of range", name)
		}
		subtotal := int64(r.Quantity) * r.Price
		if total > math.MaxInt64-subtotal {
			return nil, 0, errs.New(errs.KindValidation, op, "order total is out of range")
		}
		items = append(items, models.OrderItem{
			ProductName: name,
			Quantity:    r.Quantity,
			Price:       r.Price,
			Subtotal:    subtotal,
		})
		total += subtotal
	}

	if len(items) == 0 {
		return nil, 0, errs.New(errs.KindValidation, op, "at least one item with a product name is required")
	}
	return items, total, nil
}

// ListOrders returns orders newest first
func (s *OrderService) ListOrders(ctx context.Context, id auth.Identity, filter models.OrderFilter) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListOrders); err != nil {
		return nil, err
	}
	if filter.PaymentStatus != "" && !filter.PaymentStatus.Valid() {
		return nil, errs.New(errs.KindValidation, "ListOrders", "unknown payment status %q", filter.PaymentStatus)
	}
	if filter.OrderStatus != "" && !filter.OrderStatus.Valid() {
		return nil, errs.New(errs.KindValidation, "ListOrders", "unknown order status %q", filter.OrderStatus)
	}
	filter.Search = strings.TrimSpace(filter.Search)

	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, id auth.Identity, orderID uuid.UUID) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	if err := auth.Authorize(id, auth.OpGetOrder); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeError("GetOrder", "order", orderID, err)
	}
	return order, nil
}

// ListCustomers returns customers ordered by name
func (s *OrderService) ListCustomers(ctx context.Context, id auth.Identity) ([]models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListCustomers")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListCustomers); err != nil {
		return nil, err
	}

	customers, err := s.repo.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	return customers, nil
}

// Stats returns the intake dashboard counters
func (s *OrderService) Stats(ctx context.Context, id auth.Identity) (*models.OrderStats, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Stats")
	defer span.End()

	if err := auth.Authorize(id, auth.OpViewStats); err != nil {
		return nil, err
	}

	stats, err := s.repo.OrderStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load order stats: %w", err)
	}
	return stats, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// storeError maps a missing row to a not-found error and wraps the rest
func storeError(op, entity string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.New(errs.KindNotFound, op, "%s %s not found", entity, id)
	}
	return fmt.Errorf("failed to load %s: %w", entity, err)
}
