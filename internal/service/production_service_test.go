package service

import (
	"context"
	"sync"
	"testing"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/models"
	"print-workflow/internal/store"
	"print-workflow/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProductionService(repo store.Repository) *ProductionService {
	svc := NewProductionService(repo, fastReconcile)
	svc.number = testNumber
	return svc
}

func createPaidOrder(t *testing.T, repo store.Repository) *models.Order {
	t.Helper()
	order := createPendingOrder(t, repo)
	payments := NewPaymentService(repo, nil, fastReconcile)
	_, err := payments.SettlePayment(context.Background(), cashier, order.ID, cash(order))
	require.NoError(t, err)
	return order
}

func createWorkOrder(t *testing.T, repo store.Repository) *models.WorkOrder {
	t.Helper()
	order := createPaidOrder(t, repo)
	wo, err := newProductionService(repo).CreateWorkOrder(context.Background(), intake, order.ID, nil)
	require.NoError(t, err)
	return wo
}

func stagePtr(s models.Stage) *models.Stage {
	return &s
}

func TestCreateWorkOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	order := createPaidOrder(t, repo)
	svc := newProductionService(repo)

	wo, err := svc.CreateWorkOrder(ctx, intake, order.ID, &CreateWorkOrderRequest{Notes: strPtr(" two sided ")})
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, wo.Stage)
	assert.Regexp(t, `^SPK-\d{8}-\d{3}$`, wo.SPKNumber)
	assert.Equal(t, order.OrderNumber, wo.OrderNumber)
	assert.Nil(t, wo.OperatorID)
	require.NotNil(t, wo.Notes)
	assert.Equal(t, "two sided", *wo.Notes)

	stored, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProduction, stored.OrderStatus)
	assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)

	_, err = svc.CreateWorkOrder(ctx, intake, order.ID, nil)
	assert.Equal(t, errs.KindDuplicateWorkOrder, errs.KindOf(err))
}

func TestCreateWorkOrderUnpaid(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	order := createPendingOrder(t, repo)

	_, err := newProductionService(repo).CreateWorkOrder(ctx, intake, order.ID, nil)
	assert.Equal(t, errs.KindNotPayable, errs.KindOf(err))

	_, err = repo.GetWorkOrderByOrderID(ctx, order.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateWorkOrderForbidden(t *testing.T) {
	repo := memory.New()
	order := createPaidOrder(t, repo)
	svc := newProductionService(repo)

	for _, id := range []auth.Identity{cashier, operator} {
		_, err := svc.CreateWorkOrder(context.Background(), id, order.ID, nil)
		assert.Equal(t, errs.KindForbidden, errs.KindOf(err), "role %s", id.Role)
	}
}

func TestCreateWorkOrderConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	order := createPaidOrder(t, repo)
	svc := newProductionService(repo)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateWorkOrder(ctx, intake, order.ID, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.Equal(t, errs.KindDuplicateWorkOrder, errs.KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
}

func TestAdvanceStageLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	from := models.StagePending
	for _, expected := range []models.Stage{models.StagePrinting, models.StageFinishing, models.StageDone} {
		advanced, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(from))
		require.NoError(t, err)
		assert.Equal(t, expected, advanced.Stage)
		from = advanced.Stage
		require.NotNil(t, advanced.OperatorID)
		assert.Equal(t, operator.UserID, *advanced.OperatorID)
	}

	order, err := repo.GetOrder(ctx, wo.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.OrderStatus)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)

	_, err = svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StageDone))
	assert.Equal(t, errs.KindTerminalState, errs.KindOf(err))

	counts, err := svc.StageCounts(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StageDone])
	assert.Equal(t, 0, counts[models.StagePending])
}

func TestAdvanceStageKeepsFirstOperator(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	_, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StagePending))
	require.NoError(t, err)

	other := auth.Identity{UserID: uuid.New(), Role: auth.RoleOperator}
	advanced, err := svc.AdvanceStage(ctx, other, wo.ID, stagePtr(models.StagePrinting))
	require.NoError(t, err)
	require.NotNil(t, advanced.OperatorID)
	assert.Equal(t, operator.UserID, *advanced.OperatorID)
}

func TestAdvanceStageExpected(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	advanced, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StagePending))
	require.NoError(t, err)
	assert.Equal(t, models.StagePrinting, advanced.Stage)

	t.Run("repeat is a no-op", func(t *testing.T) {
		again, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StagePending))
		require.NoError(t, err)
		assert.Equal(t, models.StagePrinting, again.Stage)

		stored, err := repo.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StagePrinting, stored.Stage)
	})

	t.Run("stale expectation conflicts", func(t *testing.T) {
		_, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StageFinishing))
		assert.Equal(t, errs.KindStageConflict, errs.KindOf(err))
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr("laminating"))
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("observed stage is required", func(t *testing.T) {
		_, err := svc.AdvanceStage(ctx, operator, wo.ID, nil)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))

		stored, err := repo.GetWorkOrder(ctx, wo.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StagePrinting, stored.Stage)
	})
}

func TestAdvanceStageSequentialRepeat(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	first, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(wo.Stage))
	require.NoError(t, err)
	second, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(wo.Stage))
	require.NoError(t, err)

	assert.Equal(t, models.StagePrinting, first.Stage)
	assert.Equal(t, first.Stage, second.Stage)

	stored, err := repo.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePrinting, stored.Stage)
}

func TestAdvanceStageConcurrentRepeat(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	const attempts = 10
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			advanced, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StagePending))
			if assert.NoError(t, err) {
				assert.Equal(t, models.StagePrinting, advanced.Stage)
			}
		}()
	}
	wg.Wait()

	stored, err := repo.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePrinting, stored.Stage)
}

func TestAdvanceStageConcurrentNeverSkips(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	wo := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := repo.Listen(feedCtx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AdvanceStage(ctx, operator, wo.ID, stagePtr(models.StagePending))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	updates := 0
	for draining := true; draining; {
		select {
		case ev := <-events:
			if ev.Table == models.TableWorkOrders && ev.Op == models.OpUpdate {
				updates++
			}
		default:
			draining = false
		}
	}

	stored, err := repo.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)

	position := 0
	for i, st := range models.Stages {
		if st == stored.Stage {
			position = i
		}
	}
	assert.Equal(t, updates, position)
	assert.Equal(t, 1, position)
}

func TestAdvanceStageCommitOutcomeUnknown(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		mem := memory.New()
		wo := createWorkOrder(t, mem)
		svc := newProductionService(&commitFaultRepo{Repository: mem, apply: true})

		advanced, err := svc.AdvanceStage(context.Background(), operator, wo.ID, stagePtr(models.StagePending))
		require.NoError(t, err)
		assert.Equal(t, models.StagePrinting, advanced.Stage)
	})

	t.Run("not applied", func(t *testing.T) {
		mem := memory.New()
		wo := createWorkOrder(t, mem)
		svc := newProductionService(&commitFaultRepo{Repository: mem})

		_, err := svc.AdvanceStage(context.Background(), operator, wo.ID, stagePtr(models.StagePending))
		assert.ErrorIs(t, err, store.ErrCommitOutcomeUnknown)
	})

	t.Run("store unreachable", func(t *testing.T) {
		mem := memory.New()
		wo := createWorkOrder(t, mem)
		svc := newProductionService(&commitFaultRepo{Repository: mem, apply: true, unreachable: true})

		_, err := svc.AdvanceStage(context.Background(), operator, wo.ID, stagePtr(models.StagePending))
		assert.Equal(t, errs.KindInconsistentState, errs.KindOf(err))
	})
}

func TestCreateWorkOrderCommitOutcomeUnknown(t *testing.T) {
	mem := memory.New()
	order := createPaidOrder(t, mem)
	svc := newProductionService(&commitFaultRepo{Repository: mem, apply: true})

	wo, err := svc.CreateWorkOrder(context.Background(), intake, order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, wo.Stage)
	assert.Equal(t, order.OrderNumber, wo.OrderNumber)
}

func TestListWorkOrders(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	first := createWorkOrder(t, repo)
	second := createWorkOrder(t, repo)
	svc := newProductionService(repo)

	_, err := svc.AdvanceStage(ctx, operator, first.ID, stagePtr(models.StagePending))
	require.NoError(t, err)

	all, err := svc.ListWorkOrders(ctx, operator, models.WorkOrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	printing, err := svc.ListWorkOrders(ctx, operator, models.WorkOrderFilter{Stage: models.StagePrinting})
	require.NoError(t, err)
	require.Len(t, printing, 1)
	assert.Equal(t, first.ID, printing[0].ID)

	_, err = svc.ListWorkOrders(ctx, operator, models.WorkOrderFilter{Stage: "shipping"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = svc.ListWorkOrders(ctx, cashier, models.WorkOrderFilter{})
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
}
