package store

import (
	"context"
	"fmt"

	"print-workflow/internal/auth"
	"print-workflow/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const workOrderSelect = `
	SELECT w.*, o.order_number, o.total_amount, c.name AS customer_name
	FROM work_orders w
	JOIN orders o ON o.id = w.order_id
	JOIN customers c ON c.id = o.customer_id`

// CreateWorkOrder moves the order into production and inserts its work order
func (s *Store) CreateWorkOrder(ctx context.Context, wo *models.WorkOrder) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET order_status = 'in_production', updated_at = NOW()
			WHERE id = $1 AND order_status = 'paid' AND payment_status = 'paid'`,
			wo.OrderID)
		if err != nil {
			return fmt.Errorf("failed to start production: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleState
		}

		err = tx.GetContext(ctx, wo, `
			INSERT INTO work_orders (spk_number, order_id, notes)
			VALUES ($1, $2, $3)
			RETURNING id, production_status, created_at, updated_at`,
			wo.SPKNumber, wo.OrderID, wo.Notes)
		if err != nil {
			return fmt.Errorf("failed to create work order: %w", mapError(err))
		}
		return nil
	})
}

// GetWorkOrder retrieves a work order with its order context
func (s *Store) GetWorkOrder(ctx context.Context, id uuid.UUID) (*models.WorkOrder, error) {
	var wo models.WorkOrder
	if err := s.db.GetContext(ctx, &wo, workOrderSelect+" WHERE w.id = $1", id); err != nil {
		return nil, mapError(err)
	}
	return &wo, nil
}

// GetWorkOrderByOrderID retrieves the work order of an order
func (s *Store) GetWorkOrderByOrderID(ctx context.Context, orderID uuid.UUID) (*models.WorkOrder, error) {
	var wo models.WorkOrder
	if err := s.db.GetContext(ctx, &wo, workOrderSelect+" WHERE w.order_id = $1", orderID); err != nil {
		return nil, mapError(err)
	}
	return &wo, nil
}

// AdvanceWorkOrder moves a work order one stage forward
func (s *Store) AdvanceWorkOrder(ctx context.Context, id uuid.UUID, from, to models.Stage, actor uuid.UUID) (*models.WorkOrder, error) {
	var wo models.WorkOrder
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &wo, `
			UPDATE work_orders
			SET production_status = $3, operator_id = COALESCE(operator_id, $4), updated_at = NOW()
			WHERE id = $1 AND production_status = $2
			RETURNING *`,
			id, from, to, actor)
		if err != nil {
			if mapError(err) == ErrNotFound {
				return ErrStaleState
			}
			return fmt.Errorf("failed to advance work order: %w", err)
		}

		if to != models.StageDone {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET order_status = 'completed', updated_at = NOW()
			WHERE id = $1 AND order_status = 'in_production'`,
			wo.OrderID)
		if err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("complete order %s: %w", wo.OrderID, ErrStaleState)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

// ListWorkOrders returns work orders newest first
func (s *Store) ListWorkOrders(ctx context.Context, filter models.WorkOrderFilter) ([]models.WorkOrder, error) {
	query := workOrderSelect + " WHERE TRUE"
	args := []interface{}{}

	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		query += fmt.Sprintf(" AND (w.spk_number ILIKE $%d OR o.order_number ILIKE $%d OR c.name ILIKE $%d)", n, n, n)
	}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		query += fmt.Sprintf(" AND w.production_status = $%d", len(args))
	}
	query += " ORDER BY w.created_at DESC"

	workOrders := []models.WorkOrder{}
	err := s.db.SelectContext(ctx, &workOrders, query, args...)
	return workOrders, err
}

// StageCounts counts work orders per stage; every stage is present
func (s *Store) StageCounts(ctx context.Context) (models.StageCounts, error) {
	var rows []struct {
		Stage models.Stage `db:"production_status"`
		Count int          `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT production_status, COUNT(*) AS count FROM work_orders GROUP BY production_status")
	if err != nil {
		return nil, err
	}

	counts := make(models.StageCounts, len(models.Stages))
	for _, st := range models.Stages {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[r.Stage] = r.Count
	}
	return counts, nil
}

// GetUserRole returns the stored role name of a user
func (s *Store) GetUserRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var role string
	err := s.db.GetContext(ctx, &role, "SELECT role FROM user_roles WHERE user_id = $1", userID)
	if err != nil {
		if mapError(err) == ErrNotFound {
			return "", auth.ErrRoleNotFound
		}
		return "", err
	}
	return role, nil
}

// SetUserRole assigns a role to a user
func (s *Store) SetUserRole(ctx context.Context, userID uuid.UUID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role`,
		userID, role)
	return err
}
