package refund

import (
	"context"
	"errors"
	"fmt"
)

// Provider moves the actual money. Implementations wrap a payment rail
// (on-chain transfer, card processor, bank rail); the engine only cares
// about the reference it gets back and whether a failure is worth
// retrying.
type Provider interface {
	// SubmitRefund pushes one refund to the rail. The idempotency key is
	// stable across retries so a duplicate submit cannot double-pay.
	SubmitRefund(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// ProviderRequest is one refund submission.
type ProviderRequest struct {
	IdempotencyKey string
	OrderID        string
	Amount         int64
	Reason         Reason
}

// ProviderResult reports the rail's reference for a successful submit.
type ProviderResult struct {
	Reference string
}

// ProviderError distinguishes transient rail failures from permanent
// rejections. Retryable failures back off and retry up to the configured
// cap; permanent ones fail the refund immediately.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("refund provider: %s: %s", e.Code, e.Message)
}

// AsProviderError unwraps a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
