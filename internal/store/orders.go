package store

import (
	"context"
	"fmt"

	"print-workflow/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orderSelect = `
	SELECT o.*, c.name AS customer_name
	FROM orders o
	JOIN customers c ON c.id = o.customer_id`

// CreateOrder creates the order, its items and optionally its new customer
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, newCustomer *models.Customer) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if newCustomer != nil {
			err := tx.GetContext(ctx, newCustomer, `
				INSERT INTO customers (name, phone, email)
				VALUES ($1, $2, $3)
				RETURNING id, created_at`,
				newCustomer.Name, newCustomer.Phone, newCustomer.Email)
			if err != nil {
				return fmt.Errorf("failed to create customer: %w", mapError(err))
			}
			order.CustomerID = newCustomer.ID
			order.CustomerName = newCustomer.Name
		}

		err := tx.GetContext(ctx, order, `
			INSERT INTO orders (order_number, customer_id, intake_id, total_amount, deadline, notes, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, payment_status, order_status, created_at, updated_at`,
			order.OrderNumber, order.CustomerID, order.IntakeID, order.TotalAmount,
			order.Deadline, order.Notes, order.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", mapError(err))
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items (order_id, product_name, quantity, price, subtotal)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				item.OrderID, item.ProductName, item.Quantity, item.Price, item.Subtotal)
			if err != nil {
				return fmt.Errorf("failed to create order item: %w", mapError(err))
			}
		}

		return nil
	})
}

// GetOrder retrieves an order with its items and customer name
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.GetContext(ctx, &order, orderSelect+" WHERE o.id = $1", id); err != nil {
		return nil, mapError(err)
	}

	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY product_name", id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, "SELECT id FROM orders WHERE idempotency_key = $1", key)
	if err != nil {
		if mapError(err) == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

// ListOrders returns orders newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	query := orderSelect + " WHERE TRUE"
	args := []interface{}{}

	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(" AND (o.order_number ILIKE $%d OR c.name ILIKE $%d)", len(args), len(args))
	}
	if filter.PaymentStatus != "" {
		args = append(args, filter.PaymentStatus)
		query += fmt.Sprintf(" AND o.payment_status = $%d", len(args))
	}
	if filter.OrderStatus != "" {
		args = append(args, filter.OrderStatus)
		query += fmt.Sprintf(" AND o.order_status = $%d", len(args))
	}
	query += " ORDER BY o.created_at DESC"

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// OrderStats aggregates the intake dashboard counters
func (s *Store) OrderStats(ctx context.Context) (*models.OrderStats, error) {
	var stats models.OrderStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_orders,
			COUNT(*) FILTER (WHERE payment_status = 'pending') AS pending_payment,
			COUNT(*) FILTER (WHERE order_status = 'in_production') AS in_production,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = 'paid'), 0) AS revenue
		FROM orders`)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetCustomer retrieves a customer by ID
func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	if err := s.db.GetContext(ctx, &customer, "SELECT * FROM customers WHERE id = $1", id); err != nil {
		return nil, mapError(err)
	}
	return &customer, nil
}

// ListCustomers returns all customers ordered by name
func (s *Store) ListCustomers(ctx context.Context) ([]models.Customer, error) {
	customers := []models.Customer{}
	err := s.db.SelectContext(ctx, &customers, "SELECT * FROM customers ORDER BY name")
	return customers, err
}
