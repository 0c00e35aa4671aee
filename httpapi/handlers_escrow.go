package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"settleflow/escrow"
)

func (a *API) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Escrows.Approve(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeliveryInfo *string `json:"delivery_info"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := a.Escrows.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), callerID(r), req.DeliveryInfo)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Escrows.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type openDisputeRequest struct {
	Reason           string `json:"reason"`
	DisputeType      string `json:"dispute_type"`
	ResolutionMethod string `json:"resolution_method"`
	DAOID            string `json:"dao_id"`
}

func (a *API) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, ref, err := a.Escrows.OpenDispute(r.Context(), escrow.OpenDisputeRequest{
		EscrowID:         chi.URLParam(r, "id"),
		ReporterID:       callerID(r),
		Reason:           req.Reason,
		DisputeType:      req.DisputeType,
		ResolutionMethod: req.ResolutionMethod,
		DAOID:            req.DAOID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"escrow":            rec,
		"dispute_id":        ref.ID,
		"evidence_deadline": ref.EvidenceDeadline,
	})
}
