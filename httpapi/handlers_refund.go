package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"settleflow/refund"
)

type initiateRefundRequest struct {
	OrderID             string  `json:"order_id"`
	EscrowID            *string `json:"escrow_id"`
	Amount              int64   `json:"amount"`
	Reason              string  `json:"reason"`
	ProcessingFeeImpact int64   `json:"processing_fee_impact"`
	PlatformFeeImpact   int64   `json:"platform_fee_impact"`
	GasFeeImpact        int64   `json:"gas_fee_impact"`
	IdempotencyKey      string  `json:"idempotency_key"`
}

func (a *API) handleInitiateRefund(w http.ResponseWriter, r *http.Request) {
	var req initiateRefundRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := a.Refunds.Initiate(r.Context(), refund.InitiateRequest{
		OrderID:             req.OrderID,
		EscrowID:            req.EscrowID,
		Amount:              req.Amount,
		Reason:              refund.Reason(req.Reason),
		ProcessingFeeImpact: req.ProcessingFeeImpact,
		PlatformFeeImpact:   req.PlatformFeeImpact,
		GasFeeImpact:        req.GasFeeImpact,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Refunds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleExecuteRefund(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Refunds.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportedAmount int64 `json:"reported_amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, discrepancy, err := a.Refunds.Reconcile(r.Context(), chi.URLParam(r, "id"), req.ReportedAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refund":      rec,
		"discrepancy": discrepancy,
	})
}

func (a *API) handleOpenReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.Refunds.OpenReconciliations(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string  `json:"status"`
		Note   *string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := a.Refunds.ResolveReconciliation(r.Context(), chi.URLParam(r, "id"),
		refund.ReconciliationStatus(req.Status), req.Note, callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type refundBatchRequest struct {
	Items []struct {
		OrderID        string  `json:"order_id"`
		EscrowID       *string `json:"escrow_id"`
		Amount         int64   `json:"amount"`
		Reason         string  `json:"reason"`
		IdempotencyKey string  `json:"idempotency_key"`
	} `json:"items"`
}

func (a *API) handleCreateRefundBatch(w http.ResponseWriter, r *http.Request) {
	var req refundBatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	items := make([]refund.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, refund.BatchItem{
			OrderID:        it.OrderID,
			EscrowID:       it.EscrowID,
			Amount:         it.Amount,
			Reason:         refund.Reason(it.Reason),
			IdempotencyKey: it.IdempotencyKey,
		})
	}

	batch, err := a.Refunds.CreateBatch(r.Context(), callerID(r), items)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (a *API) handleGetRefundBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.Refunds.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleProcessRefundBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.Refunds.ProcessBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
