package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/gateway"
	"print-workflow/internal/models"
	"print-workflow/internal/store"
	"print-workflow/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRecentPayments = 20
	maxRecentPayments     = 100
)

// PaymentService settles orders at the cashier
type PaymentService struct {
	repo      store.Repository
	gateway   gateway.Gateway
	reconcile ReconcilePolicy
	clock     func() time.Time
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo store.Repository, gw gateway.Gateway, policy ReconcilePolicy) *PaymentService {
	return &PaymentService{
		repo:      repo,
		gateway:   gw,
		reconcile: policy,
		clock:     time.Now,
		logger:    util.GetLogger(),
	}
}

// SettlePaymentRequest represents a cashier settlement
type SettlePaymentRequest struct {
	Amount    int64                `json:"amount"`
	Method    models.PaymentMethod `json:"method"`
	CardToken string               `json:"card_token,omitempty"`
}

// SettlePayment records full payment of a pending order. Card payments are
// charged before the order is marked paid; a failed charge leaves the order
// untouched.
func (s *PaymentService) SettlePayment(ctx context.Context, id auth.Identity, orderID uuid.UUID, req *SettlePaymentRequest) (*models.Payment, error) {
	const op = "SettlePayment"

	ctx, span := util.StartSpan(ctx, "PaymentService.SettlePayment")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentSettleLatency.Observe(time.Since(start).Seconds())
	}()

	if err := auth.Authorize(id, auth.OpSettlePayment); err != nil {
		return nil, err
	}

	if !req.Method.Valid() {
		return nil, errs.New(errs.KindValidation, op, "unknown payment method %q", req.Method)
	}
	token := strings.TrimSpace(req.CardToken)
	if req.Method == models.PaymentMethodCard && token == "" {
		return nil, errs.New(errs.KindValidation, op, "card payments require a card token")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeError(op, "order", orderID, err)
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		util.PaymentFailuresTotal.WithLabelValues("already_paid").Inc()
		return nil, errs.New(errs.KindAlreadyPaid, op, "order %s is already %s", order.OrderNumber, order.PaymentStatus)
	}
	if req.Amount != order.TotalAmount {
		util.PaymentFailuresTotal.WithLabelValues("amount_mismatch").Inc()
		return nil, errs.New(errs.KindAmountMismatch, op, "amount %d does not match order total %d", req.Amount, order.TotalAmount)
	}

	payment := &models.Payment{
		OrderID:   order.ID,
		Amount:    req.Amount,
		Method:    req.Method,
		CashierID: id.UserID,
	}

	if req.Method == models.PaymentMethodCard {
		result, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
			Token:     token,
			Amount:    req.Amount,
			Reference: order.OrderNumber,
		})
		if err != nil {
			util.PaymentFailuresTotal.WithLabelValues("gateway").Inc()
			s.logger.Warn("Card charge failed",
				zap.String("order_number", order.OrderNumber),
				zap.Error(err))

			var decline *gateway.DeclineError
			if errors.As(err, &decline) {
				return nil, errs.Wrap(errs.KindPaymentGateway, op, err, "card declined: %s", decline.Reason)
			}
			return nil, errs.Wrap(errs.KindPaymentGateway, op, err, "payment gateway failed")
		}
		ref := result.GatewayRef
		payment.GatewayRef = &ref
	}

	err = s.repo.SettlePayment(ctx, payment)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleState), store.IsUniqueViolation(err, store.ConstraintPaymentOrder):
		util.PaymentFailuresTotal.WithLabelValues("already_paid").Inc()
		if payment.GatewayRef != nil {
			s.logger.Error("Card charged for an order settled concurrently",
				zap.String("order_number", order.OrderNumber),
				zap.String("gateway_ref", *payment.GatewayRef))
		}
		return nil, errs.Wrap(errs.KindAlreadyPaid, op, err, "order %s was settled concurrently", order.OrderNumber)
	case errors.Is(err, store.ErrCommitOutcomeUnknown):
		settled, rerr := s.reconcileSettlement(ctx, payment, err)
		if rerr != nil {
			return nil, rerr
		}
		payment = settled
	default:
		util.PaymentFailuresTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to settle payment: %w", err)
	}

	util.PaymentsSettledTotal.WithLabelValues(string(payment.Method)).Inc()
	s.logger.Info("Payment settled",
		zap.String("order_number", order.OrderNumber),
		zap.String("method", string(payment.Method)),
		zap.Int64("amount", payment.Amount))

	payment.OrderNumber = order.OrderNumber
	payment.CustomerName = order.CustomerName
	return payment, nil
}

// reconcileSettlement decides whether an ambiguous commit was applied
func (s *PaymentService) reconcileSettlement(ctx context.Context, payment *models.Payment, cause error) (*models.Payment, error) {
	const op = "SettlePayment"

	return reconcileCommit(ctx, s.reconcile, op, func(ctx context.Context) (*models.Payment, bool, error) {
		order, err := s.repo.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return nil, false, err
		}
		if order.PaymentStatus == models.PaymentStatusPending {
			return nil, true, fmt.Errorf("failed to settle payment: %w", cause)
		}

		stored, err := s.repo.GetPaymentByOrderID(ctx, payment.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, true, errs.New(errs.KindInconsistentState, op, "order %s is paid without a payment", order.OrderNumber)
		}
		if err != nil {
			return nil, false, err
		}
		if !samePayment(stored, payment) {
			return nil, true, errs.New(errs.KindAlreadyPaid, op, "order %s was settled concurrently", order.OrderNumber)
		}
		return stored, true, nil
	})
}

func samePayment(stored, attempted *models.Payment) bool {
	if stored.CashierID != attempted.CashierID || stored.Method != attempted.Method || stored.Amount != attempted.Amount {
		return false
	}
	if (stored.GatewayRef == nil) != (attempted.GatewayRef == nil) {
		return false
	}
	return stored.GatewayRef == nil || *stored.GatewayRef == *attempted.GatewayRef
}

// RecentPayments returns the latest payments, newest first
func (s *PaymentService) RecentPayments(ctx context.Context, id auth.Identity, limit int) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RecentPayments")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListPayments); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentPayments
	}
	if limit > maxRecentPayments {
		limit = maxRecentPayments
	}

	payments, err := s.repo.ListRecentPayments(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// TodaySummary counts and sums payments since local midnight
func (s *PaymentService) TodaySummary(ctx context.Context, id auth.Identity) (*models.PaymentSummary, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.TodaySummary")
	defer span.End()

	if err := auth.Authorize(id, auth.OpListPayments); err != nil {
		return nil, err
	}

	now := s.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	summary, err := s.repo.PaymentSummarySince(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize payments: %w", err)
	}
	return summary, nil
}
