package refund

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider submits refunds to a payment rail over JSON/HTTP. Server
// errors and transport failures are retryable; client errors are
// permanent rejections.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProvider) SubmitRefund(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	body, err := json.Marshal(map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"order_id":        req.OrderID,
		"amount":          req.Amount,
		"reason":          string(req.Reason),
	})
	if err != nil {
		return ProviderResult{}, fmt.Errorf("refund provider: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("refund provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ProviderResult{}, &ProviderError{Code: "transport", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			Reference string `json:"reference"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ProviderResult{}, fmt.Errorf("refund provider: decode response: %w", err)
		}
		return ProviderResult{Reference: out.Reference}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ProviderResult{}, &ProviderError{
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   "provider unavailable",
			Retryable: true,
		}
	default:
		var out struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if out.Code == "" {
			out.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return ProviderResult{}, &ProviderError{Code: out.Code, Message: out.Message, Retryable: false}
	}
}
