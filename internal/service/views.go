package service

import (
	"context"
	"fmt"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/models"
	"print-workflow/internal/util"
)

// IntakeView is what the intake desk watches
type IntakeView struct {
	Orders []models.Order      `json:"orders"`
	Stats  *models.OrderStats `json:"stats"`
}

// CashierView is what the cashier watches
type CashierView struct {
	PendingOrders  []models.Order         `json:"pending_orders"`
	RecentPayments []models.Payment       `json:"recent_payments"`
	Today          *models.PaymentSummary `json:"today"`
}

// OperatorView is what the production floor watches
type OperatorView struct {
	WorkOrders []models.WorkOrder `json:"work_orders"`
	Counts     models.StageCounts `json:"counts"`
}

// ViewService reads whole role views for live dashboards
type ViewService struct {
	orders     *OrderService
	payments   *PaymentService
	production *ProductionService
}

// NewViewService creates a new view service
func NewViewService(orders *OrderService, payments *PaymentService, production *ProductionService) *ViewService {
	return &ViewService{
		orders:     orders,
		payments:   payments,
		production: production,
	}
}

// FetchView returns the current view of the identity's role
func (v *ViewService) FetchView(ctx context.Context, id auth.Identity) (interface{}, error) {
	ctx, span := util.StartSpan(ctx, "ViewService.FetchView")
	defer span.End()

	switch id.Role {
	case auth.RoleIntake:
		return v.intakeView(ctx, id)
	case auth.RoleCashier:
		return v.cashierView(ctx, id)
	case auth.RoleOperator:
		return v.operatorView(ctx, id)
	case auth.RoleUnknown:
	}
	return nil, errs.New(errs.KindForbidden, "FetchView", "role %s has no view", id.Role)
}

func (v *ViewService) intakeView(ctx context.Context, id auth.Identity) (*IntakeView, error) {
	orders, err := v.orders.ListOrders(ctx, id, models.OrderFilter{})
	if err != nil {
		return nil, err
	}
	stats, err := v.orders.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IntakeView{Orders: orders, Stats: stats}, nil
}

func (v *ViewService) cashierView(ctx context.Context, id auth.Identity) (*CashierView, error) {
	pending, err := v.orders.ListOrders(ctx, id, models.OrderFilter{PaymentStatus: models.PaymentStatusPending})
	if err != nil {
		return nil, err
	}
	recent, err := v.payments.RecentPayments(ctx, id, defaultRecentPayments)
	if err != nil {
		return nil, err
	}
	today, err := v.payments.TodaySummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to build cashier view: %w", err)
	}
	return &CashierView{PendingOrders: pending, RecentPayments: recent, Today: today}, nil
}

func (v *ViewService) operatorView(ctx context.Context, id auth.Identity) (*OperatorView, error) {
	workOrders, err := v.production.ListWorkOrders(ctx, id, models.WorkOrderFilter{})
	if err != nil {
		return nil, err
	}
	counts, err := v.production.StageCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OperatorView{WorkOrders: workOrders, Counts: counts}, nil
}
