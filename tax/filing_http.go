package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPFiler submits remittances to a filing gateway over JSON/HTTP.
type HTTPFiler struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFiler(baseURL string) *HTTPFiler {
	return &HTTPFiler{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFiler) File(ctx context.Context, req FilingRequest) (FilingResult, error) {
	body, err := json.Marshal(map[string]any{
		"batch_id":     req.BatchID,
		"jurisdiction": req.Jurisdiction,
		"period_start": req.PeriodStart,
		"period_end":   req.PeriodEnd,
		"total_amount": req.TotalAmount,
	})
	if err != nil {
		return FilingResult{}, fmt.Errorf("tax filer: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/filings", bytes.NewReader(body))
	if err != nil {
		return FilingResult{}, fmt.Errorf("tax filer: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.BatchID)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return FilingResult{}, fmt.Errorf("tax filer: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FilingResult{}, fmt.Errorf("tax filer: gateway returned %d", resp.StatusCode)
	}

	var out struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FilingResult{}, fmt.Errorf("tax filer: decode response: %w", err)
	}
	return FilingResult{Reference: out.Reference}, nil
}
