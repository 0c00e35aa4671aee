package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/tax"
)

type recordLiabilityRequest struct {
	OrderID      string     `json:"order_id"`
	EscrowID     *string    `json:"escrow_id"`
	Jurisdiction string     `json:"jurisdiction"`
	TaxableBase  int64      `json:"taxable_base"`
	TaxRateBasis int64      `json:"tax_rate_basis"`
	SettledAt    *time.Time `json:"settled_at"`
}

func (a *API) handleRecordLiability(w http.ResponseWriter, r *http.Request) {
	var req recordLiabilityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	settledAt := time.Time{}
	if req.SettledAt != nil {
		settledAt = *req.SettledAt
	}

	rec, err := a.Taxes.RecordLiability(r.Context(), tax.RecordLiabilityRequest{
		OrderID:      req.OrderID,
		EscrowID:     req.EscrowID,
		Jurisdiction: req.Jurisdiction,
		TaxableBase:  req.TaxableBase,
		TaxRateBasis: req.TaxRateBasis,
		SettledAt:    settledAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetLiability(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Taxes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleBuildTaxBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Jurisdiction string     `json:"jurisdiction"`
		AsOf         *time.Time `json:"as_of"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	batch, err := a.Taxes.BuildBatch(r.Context(), req.Jurisdiction, asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (a *API) handleGetTaxBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.Taxes.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleFileTaxBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.Taxes.FileAndPay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleSetDAOMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DAOID       string `json:"dao_id"`
		MemberID    string `json:"member_id"`
		VotingPower int64  `json:"voting_power"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := a.DAO.SetMember(r.Context(), req.DAOID, req.MemberID, req.VotingPower); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := a.Alerts.ListOpen(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
