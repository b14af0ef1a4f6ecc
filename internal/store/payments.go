package store

import (
	"context"
	"fmt"
	"time"

	"print-workflow/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SettlePayment marks the order paid and records the payment atomically
func (s *Store) SettlePayment(ctx context.Context, payment *models.Payment) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET payment_status = 'paid', order_status = 'paid', updated_at = NOW()
			WHERE id = $1 AND payment_status = 'pending' AND order_status = 'pending'`,
			payment.OrderID)
		if err != nil {
			return fmt.Errorf("failed to mark order paid: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleState
		}

		err = tx.GetContext(ctx, payment, `
			INSERT INTO payments (order_id, amount, method, gateway_ref, cashier_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, paid_at`,
			payment.OrderID, payment.Amount, payment.Method, payment.GatewayRef, payment.CashierID)
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", mapError(err))
		}
		return nil
	})
}

// GetPaymentByOrderID retrieves the payment of an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE order_id = $1", orderID)
	if err != nil {
		return nil, mapError(err)
	}
	return &payment, nil
}

// ListRecentPayments returns the latest payments with order context
func (s *Store) ListRecentPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := s.db.SelectContext(ctx, &payments, `
		SELECT p.*, o.order_number, c.name AS customer_name
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		JOIN customers c ON c.id = o.customer_id
		ORDER BY p.paid_at DESC
		LIMIT $1`, limit)
	return payments, err
}

// PaymentSummarySince counts and sums payments made at or after since
func (s *Store) PaymentSummarySince(ctx context.Context, since time.Time) (*models.PaymentSummary, error) {
	var summary models.PaymentSummary
	err := s.db.GetContext(ctx, &summary,
		"SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total FROM payments WHERE paid_at >= $1", since)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
