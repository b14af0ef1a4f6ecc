package service

import (
	"context"
	"errors"
	"fmt"
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

// ProductionService drives work orders through the production stages
type ProductionService struct {
	repo      store.Repository
	reconcile ReconcilePolicy
	number    NumberFunc
	clock     func() time.Time
	logger    *zap.Logger
}

// NewProductionService creates a new production service
func NewProductionService(repo store.Repository, policy ReconcilePolicy) *ProductionService {
	return &ProductionService{
		repo:      repo,
		reconcile: policy,
		number:    RandomNumber,
		clock:     time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateWorkOrderRequest represents a request to start production of an order
type CreateWorkOrderRequest struct {
	Notes *string `json:"notes,omitempty"`
}

// CreateWorkOrder opens the work order of a paid order and moves the order
// into production
func (s *ProductionService) CreateWorkOrder(ctx context.Context, id auth.Identity, orderID uuid.UUID, req *CreateWorkOrderRequest) (*models.WorkOrder, error) {
	const op = "CreateWorkOrder"

	ctx, span := util.StartSpan(ctx, "ProductionService.CreateWorkOrder")
	defer span.End()

	if err := auth.Authorize(id, auth.OpCreateWorkOrder); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeError(op, "order", orderID, err)
	}
	if order.PaymentStatus != models.PaymentStatusPaid {
		return nil, errs.New(errs.KindNotPayable, op, "order %s is not paid", order.OrderNumber)
	}
	if order.OrderStatus != models.OrderStatusPaid {
		return nil, errs.New(errs.KindDuplicateWorkOrder, op, "order %s is already %s", order.OrderNumber, order.OrderStatus)
	}

	wo := &models.WorkOrder{
		SPKNumber: s.number(PrefixWorkOrder, s.clock()),
		OrderID:   order.ID,
	}
	if req != nil {
		wo.Notes = trimmed(req.Notes)
	}

	err = s.repo.CreateWorkOrder(ctx, wo)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleState), store.IsUniqueViolation(err, store.ConstraintWorkOrderOrder):
		return nil, errs.Wrap(errs.KindDuplicateWorkOrder, op, err, "order %s already has a work order", order.OrderNumber)
	case store.IsUniqueViolation(err, store.ConstraintSPKNumber):
		return nil, errs.Wrap(errs.KindNumberCollision, op, err, "work order number %s already exists", wo.SPKNumber)
	case errors.Is(err, store.ErrCommitOutcomeUnknown):
		stored, rerr := s.reconcileCreate(ctx, wo, err)
		if rerr != nil {
			return nil, rerr
		}
		wo = stored
	default:
		return nil, fmt.Errorf("failed to create work order: %w", err)
	}

	wo.OrderNumber = order.OrderNumber
	wo.TotalAmount = order.TotalAmount
	wo.CustomerName = order.CustomerName

	util.WorkOrdersCreatedTotal.Inc()
	s.logger.Info("Work order created",
		zap.String("spk_number", wo.SPKNumber),
		zap.String("order_number", order.OrderNumber))

	return wo, nil
}

func (s *ProductionService) reconcileCreate(ctx context.Context, wo *models.WorkOrder, cause error) (*models.WorkOrder, error) {
	const op = "CreateWorkOrder"

	return reconcileCommit(ctx, s.reconcile, op, func(ctx context.Context) (*models.WorkOrder, bool, error) {
		stored, err := s.repo.GetWorkOrderByOrderID(ctx, wo.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, true, fmt.Errorf("failed to create work order: %w", cause)
		}
		if err != nil {
			return nil, false, err
		}
		if stored.SPKNumber != wo.SPKNumber {
			return nil, true, errs.New(errs.KindDuplicateWorkOrder, op, "order already has work order %s", stored.SPKNumber)
		}
		return stored, true, nil
	})
}

// AdvanceStage moves a work order from expected, the stage the caller saw, to
// the next stage. When the work order has already moved past expected by
// exactly one stage, the call is treated as a repeat and returns the current
// work order unchanged.
func (s *ProductionService) AdvanceStage(ctx context.Context, id auth.Identity, workOrderID uuid.UUID, expected *models.Stage) (*models.WorkOrder, error) {
	const op = "AdvanceStage"

	ctx, span := util.StartSpan(ctx, "ProductionService.AdvanceStage")
	defer span.End()

	if err := auth.Authorize(id, auth.OpAdvanceStage); err != nil {
		return nil, err
	}
	if expected == nil {
		return nil, errs.New(errs.KindValidation, op, "expected stage is required")
	}
	if !expected.Valid() {
		return nil, errs.New(errs.KindValidation, op, "unknown stage %q", *expected)
	}

	wo, err := s.repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, storeError(op, "work order", workOrderID, err)
	}

	from, to, done, err := planAdvance(wo, expected)
	if err != nil {
		return nil, err
	}
	if done {
		return wo, nil
	}

	advanced, err := s.repo.AdvanceWorkOrder(ctx, wo.ID, from, to, id.UserID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleState):
		// Lost a race: re-read once and resolve against what we observed.
		current, rerr := s.repo.GetWorkOrder(ctx, wo.ID)
		if rerr != nil {
			return nil, storeError(op, "work order", wo.ID, rerr)
		}
		if current.Stage == from {
			return nil, errs.Wrap(errs.KindInconsistentState, op, err, "work order %s could not complete its order", wo.SPKNumber)
		}
		_, _, done, perr := planAdvance(current, &from)
		if perr != nil {
			return nil, perr
		}
		if done {
			return current, nil
		}
		return nil, errs.New(errs.KindStageConflict, op, "work order %s changed concurrently", wo.SPKNumber)
	case errors.Is(err, store.ErrCommitOutcomeUnknown):
		advanced, err = s.reconcileAdvance(ctx, wo, from, to, err)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to advance work order: %w", err)
	}

	advanced.OrderNumber = wo.OrderNumber
	advanced.TotalAmount = wo.TotalAmount
	advanced.CustomerName = wo.CustomerName

	util.StageAdvancesTotal.WithLabelValues(string(to)).Inc()
	if to == models.StageDone {
		util.OrdersCompletedTotal.Inc()
	}
	s.logger.Info("Work order advanced",
		zap.String("spk_number", wo.SPKNumber),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("operator_id", id.UserID.String()))

	return advanced, nil
}

// planAdvance decides the transition for wo given the stage the caller saw.
// expected must not be nil.
// done is true when the work order already reflects the requested advance.
func planAdvance(wo *models.WorkOrder, expected *models.Stage) (from, to models.Stage, done bool, err error) {
	const op = "AdvanceStage"

	current := wo.Stage
	if *expected != current {
		if next, nerr := expected.Next(); nerr == nil && next == current {
			return current, current, true, nil
		}
		return "", "", false, errs.New(errs.KindStageConflict, op,
			"work order %s is %s, expected %s", wo.SPKNumber, current, *expected)
	}

	if current.Terminal() {
		return "", "", false, errs.New(errs.KindTerminalState, op, "work order %s is already %s", wo.SPKNumber, current)
	}

	next, nerr := current.Next()
	if nerr != nil {
		return "", "", false, errs.Wrap(errs.KindInconsistentState, op, nerr, "work order %s has an invalid stage", wo.SPKNumber)
	}
	return current, next, false, nil
}

func (s *ProductionService) reconcileAdvance(ctx context.Context, wo *models.WorkOrder, from, to models.Stage, cause error) (*models.WorkOrder, error) {
	const op = "AdvanceStage"

	return reconcileCommit(ctx, s.reconcile, op, func(ctx context.Context) (*models.WorkOrder, bool, error) {
		current, err := s.repo.GetWorkOrder(ctx, wo.ID)
		if err != nil {
			return nil, false, err
		}
		switch current.Stage {
		case to:
			return current, true, nil
		case from:
			return nil, true, fmt.Errorf("failed to advance work order: %w", cause)
		}
		return nil, true, errs.New(errs.KindStageConflict, op, "work order %s moved to %s concurrently", wo.SPKNumber, current.Stage)
	})
}

// ListWorkOrders returns work orders newest first
func (s *ProductionService) ListWorkOrders(ctx context.Context, id auth.Identity, filter models.WorkOrderFilter) ([]models.WorkOrder, error) {
	ctx, span := util.StartSpan(ctx, "ProductionService.ListWorkOrders")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListWorkOrders); err != nil {
		return nil, err
	}
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, errs.New(errs.KindValidation, "ListWorkOrders", "unknown stage %q", filter.Stage)
	}
	filter.Search = strings.TrimSpace(filter.Search)

	workOrders, err := s.repo.ListWorkOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	return workOrders, nil
}

// StageCounts counts work orders per stage
func (s *ProductionService) StageCounts(ctx context.Context, id auth.Identity) (models.StageCounts, error) {
	ctx, span := util.StartSpan(ctx, "ProductionService.StageCounts")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListWorkOrders); err != nil {
		return nil, err
	}

	counts, err := s.repo.StageCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count work orders: %w", err)
	}
	return counts, nil
}
