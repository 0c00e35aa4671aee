package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"settleflow/auth"
	"settleflow/dispute"
)

func (a *API) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.Disputes.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := a.Disputes.ListEvidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

func (a *API) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EvidenceType string `json:"evidence_type"`
		ContentRef   string `json:"content_ref"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ev, err := a.Disputes.SubmitEvidence(r.Context(), dispute.SubmitEvidenceRequest{
		DisputeID:    chi.URLParam(r, "id"),
		SubmitterID:  callerID(r),
		EvidenceType: req.EvidenceType,
		ContentRef:   req.ContentRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) handleVerifyEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verified bool `json:"verified"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ev, err := a.Disputes.VerifyEvidence(r.Context(), chi.URLParam(r, "id"), req.Verified)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := a.Disputes.ListVotes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

func (a *API) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict string `json:"verdict"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	vote, err := a.Disputes.CastVote(r.Context(), dispute.CastVoteRequest{
		DisputeID: chi.URLParam(r, "id"),
		VoterID:   callerID(r),
		Verdict:   dispute.Verdict(req.Verdict),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vote)
}

func (a *API) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override     bool   `json:"override"`
		Verdict      string `json:"verdict"`
		RefundAmount int64  `json:"refund_amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	// Only admins cut through an open vote.
	if req.Override && callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "override requires admin role")
		return
	}

	rec, err := a.Disputes.Resolve(r.Context(), dispute.ResolveRequest{
		DisputeID:    chi.URLParam(r, "id"),
		ResolverID:   callerID(r),
		Override:     req.Override,
		Verdict:      dispute.Verdict(req.Verdict),
		RefundAmount: req.RefundAmount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
