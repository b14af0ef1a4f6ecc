package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"print-workflow/internal/util"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breaker around the processor
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// HTTPClient calls a JSON charge endpoint guarded by a circuit breaker.
// Declines are business outcomes and do not count as breaker failures.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[*ChargeResult]
	logger     *zap.Logger
}

// NewHTTPClient creates a processor client
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, bs BreakerSettings) *HTTPClient {
	logger := util.GetLogger()
	name := "payment-gateway"

	cb := gobreaker.NewCircuitBreaker[*ChargeResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var decline *DeclineError
			return err == nil || errors.As(err, &decline)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			util.GatewayBreakerState.Set(float64(to))
		},
	})

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
		logger:     logger,
	}
}

// Charge implements Gateway
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (result *ChargeResult, err error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Charge")
	defer func() { util.EndSpan(span, err) }()

	result, err = c.cb.Execute(func() (*ChargeResult, error) {
		return c.charge(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		util.GatewayRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("payment gateway unavailable: %w", err)
	}
	return result, err
}

func (c *HTTPClient) charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		util.GatewayRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result ChargeResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("failed to decode charge response: %w", err)
		}
		if result.GatewayRef == "" {
			return nil, fmt.Errorf("charge response without id")
		}
		util.GatewayRequestsTotal.WithLabelValues("approved").Inc()
		return &result, nil

	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		var decline struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(payload, &decline)
		if decline.Reason == "" {
			decline.Reason = "declined"
		}
		util.GatewayRequestsTotal.WithLabelValues("declined").Inc()
		return nil, &DeclineError{Reason: decline.Reason}
	}

	util.GatewayRequestsTotal.WithLabelValues("error").Inc()
	c.logger.Error("Unexpected gateway response",
		zap.Int("status", resp.StatusCode),
		zap.String("reference", req.Reference))
	return nil, fmt.Errorf("unexpected gateway status %d", resp.StatusCode)
}
