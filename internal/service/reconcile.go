package service

import (
	"context"
	"time"

	"print-workflow/internal/errs"
	"print-workflow/internal/util"

	"go.uber.org/zap"
)

// ReconcilePolicy bounds the re-reads made after a commit whose outcome is
// unknown
type ReconcilePolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultReconcilePolicy is used when no policy is configured
var DefaultReconcilePolicy = ReconcilePolicy{Attempts: 3, Backoff: 200 * time.Millisecond}

// reconcileFunc inspects the stored state. resolved is false when the store
// could not be read; err is then the read failure.
type reconcileFunc[T any] func(ctx context.Context) (result T, resolved bool, err error)

// reconcileCommit re-reads the store until check can decide whether the
// transaction was applied. The caller's cancellation is ignored: abandoning
// the re-read would leave the outcome unknown.
func reconcileCommit[T any](ctx context.Context, policy ReconcilePolicy, op string, check reconcileFunc[T]) (T, error) {
	ctx = context.WithoutCancel(ctx)
	logger := util.GetLogger()

	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(policy.Backoff * time.Duration(attempt-1))
		}

		result, resolved, err := check(ctx)
		if resolved {
			outcome := "applied"
			if err != nil {
				outcome = "not_applied"
			}
			util.CommitReconciliationsTotal.WithLabelValues(op, outcome).Inc()
			return result, err
		}

		lastErr = err
		logger.Warn("Commit reconciliation read failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	util.CommitReconciliationsTotal.WithLabelValues(op, "unknown").Inc()
	logger.Error("Commit outcome could not be determined", zap.String("operation", op), zap.Error(lastErr))
	return zero, errs.Wrap(errs.KindInconsistentState, op, lastErr, "store unreachable while confirming commit")
}
