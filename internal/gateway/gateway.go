// Package gateway is the boundary to the card payment processor. It turns a
// tokenized card plus an amount into a charge reference or a decline.
package gateway

import (
	"context"
	"fmt"
)

// ChargeRequest asks the processor to capture amount from the tokenized card
type ChargeRequest struct {
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// ChargeResult identifies a successful capture
type ChargeResult struct {
	GatewayRef string `json:"id"`
}

// DeclineError is returned when the processor refused the charge
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("charge declined: %s", e.Reason)
}

// Gateway charges tokenized cards
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}
