package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"print-workflow/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeclineToken is always declined by the mock gateway
const DeclineToken = "tok_decline"

// Mock is a development gateway that approves charges at a fixed rate
type Mock struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
	latency     time.Duration
	logger      *zap.Logger
}

// NewMock creates a mock gateway. successRate is between 0.0 and 1.0.
func NewMock(successRate float64, latency time.Duration) *Mock {
	return &Mock{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
		latency:     latency,
		logger:      util.GetLogger(),
	}
}

// Charge implements Gateway
func (m *Mock) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if req.Token == "" {
		return nil, &DeclineError{Reason: "missing_token"}
	}
	if req.Token == DeclineToken {
		return nil, &DeclineError{Reason: "card_declined"}
	}

	m.mu.Lock()
	success := m.rnd.Float64() < m.successRate
	m.mu.Unlock()

	if !success {
		m.logger.Warn("Mock gateway declined charge", zap.String("reference", req.Reference))
		return nil, &DeclineError{Reason: "mock_payment_declined"}
	}

	ref := fmt.Sprintf("ch_%s", uuid.New().String()[:8])
	return &ChargeResult{GatewayRef: ref}, nil
}
