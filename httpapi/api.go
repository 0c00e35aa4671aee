// Package httpapi exposes the settlement engine over JSON/HTTP. Handlers
// translate between the wire and the domain services; they hold no
// business rules of their own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/auth"
	"settleflow/compliance"
	"settleflow/config"
	"settleflow/dao"
	"settleflow/dispute"
	"settleflow/escrow"
	"settleflow/order"
	"settleflow/refund"
	"settleflow/tax"
)

type API struct {
	Auth     *auth.Service
	Orders   *order.Service
	Escrows  *escrow.Service
	Disputes *dispute.Service
	Refunds  *refund.Service
	Taxes    *tax.Service
	Alerts   *compliance.Repository
	DAO      *dao.Repository
	Cfg      *config.Store
}

// Router assembles the full route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/auth/register", a.handleRegister)
	r.Post("/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/me", a.handleMe)

		r.Post("/orders", a.handlePlaceOrder)
		r.Get("/orders/{id}", a.handleGetOrder)
		r.Get("/orders/{id}/payments", a.handleListPayments)
		r.Get("/orders/{id}/refunds", a.handleListOrderRefunds)
		r.Get("/orders/{id}/tax", a.handleListOrderTax)
		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).
			Post("/orders/{id}/status", a.handleOrderStatus)
		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).
			Post("/payments/{id}/status", a.handlePaymentStatus)

		r.Get("/escrows/{id}", a.handleGetEscrow)
		r.Post("/escrows/{id}/approve", a.handleApprove)
		r.Post("/escrows/{id}/delivery", a.handleConfirmDelivery)
		r.Post("/escrows/{id}/dispute", a.handleOpenDispute)
		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).
			Post("/escrows/{id}/release", a.handleRelease)

		r.Get("/disputes/{id}", a.handleGetDispute)
		r.Get("/disputes/{id}/history", a.handleDisputeHistory)
		r.Get("/disputes/{id}/evidence", a.handleListEvidence)
		r.Post("/disputes/{id}/evidence", a.handleSubmitEvidence)
		r.Get("/disputes/{id}/votes", a.handleListVotes)
		r.With(a.requireRole(auth.RoleArbitrator, auth.RoleModerator, auth.RoleAdmin)).
			Post("/disputes/{id}/votes", a.handleCastVote)
		r.With(a.requireRole(auth.RoleArbitrator, auth.RoleModerator, auth.RoleAdmin)).
			Post("/disputes/{id}/resolve", a.handleResolveDispute)
		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).
			Post("/evidence/{id}/verify", a.handleVerifyEvidence)

		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).Group(func(r chi.Router) {
			r.Post("/refunds", a.handleInitiateRefund)
			r.Get("/refunds/{id}", a.handleGetRefund)
			r.Post("/refunds/{id}/execute", a.handleExecuteRefund)
			r.Post("/refunds/{id}/reconcile", a.handleReconcile)
			r.Get("/reconciliations", a.handleOpenReconciliations)
			r.Post("/reconciliations/{id}/resolve", a.handleResolveReconciliation)
			r.Post("/refund-batches", a.handleCreateRefundBatch)
			r.Get("/refund-batches/{id}", a.handleGetRefundBatch)
			r.Post("/refund-batches/{id}/process", a.handleProcessRefundBatch)
		})

		r.With(a.requireRole(auth.RoleAdmin)).Group(func(r chi.Router) {
			r.Post("/tax/liabilities", a.handleRecordLiability)
			r.Get("/tax/liabilities/{id}", a.handleGetLiability)
			r.Post("/tax/batches", a.handleBuildTaxBatch)
			r.Get("/tax/batches/{id}", a.handleGetTaxBatch)
			r.Post("/tax/batches/{id}/file", a.handleFileTaxBatch)
			r.Post("/dao/members", a.handleSetDAOMember)
		})

		r.With(a.requireRole(auth.RoleModerator, auth.RoleAdmin)).Group(func(r chi.Router) {
			r.Get("/alerts", a.handleListAlerts)
			r.Post("/alerts/{id}/resolve", a.handleResolveAlert)
		})
	})

	return r
}

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := a.Auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := r.Context().Value(ctxRole).(auth.Role)
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxRole).(auth.Role)
	return role
}

func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors to HTTP statuses. Anything
// unmapped is a 500 with the detail kept out of the response body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrEvidenceNotFound),
		errors.Is(err, refund.ErrNotFound),
		errors.Is(err, tax.ErrNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, compliance.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidActor):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAlreadyDisputed),
		errors.Is(err, escrow.ErrDisputeOpen),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, dispute.ErrDuplicateVote),
		errors.Is(err, dispute.ErrEvidenceClosed),
		errors.Is(err, dispute.ErrVotingNotOpen),
		errors.Is(err, dispute.ErrVotingClosed),
		errors.Is(err, dispute.ErrVotingOpen),
		errors.Is(err, dispute.ErrEscrowDisputed),
		errors.Is(err, refund.ErrDuplicateKey),
		errors.Is(err, refund.ErrNotPending),
		errors.Is(err, refund.ErrReconciliationClosed),
		errors.Is(err, tax.ErrDuplicateLiability),
		errors.Is(err, tax.ErrBatchNotOpen),
		errors.Is(err, order.ErrBadTransition),
		errors.Is(err, compliance.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrDuplicateEntry):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrRefundExceedsEscrow),
		errors.Is(err, dispute.ErrRefundTooLarge),
		errors.Is(err, dispute.ErrNoVotingPower),
		errors.Is(err, refund.ErrAmountExceedsOrder),
		errors.Is(err, tax.ErrNothingToRemit),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
