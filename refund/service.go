package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"settleflow/compliance"
	"settleflow/config"
	"settleflow/metrics"
	"settleflow/order"
)

var (
	// ErrAmountExceedsOrder signals the refund plus prior refunds would
	// exceed what the buyer paid.
	ErrAmountExceedsOrder = errors.New("refund: amount exceeds refundable balance")
	// ErrNotPending signals an execute on a refund that already left the
	// pending state.
	ErrNotPending = errors.New("refund: not in pending state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data access the service needs.
type Repo interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]Record, error)
	ListByBatch(ctx context.Context, batchID string) ([]Record, error)
	SumNonFailedInTx(ctx context.Context, tx pgx.Tx, orderID string) (int64, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id, providerRef string) (Record, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id, failureCode string) (Record, error)
	IncrementRetry(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	SetReconciled(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	InsertReconciliation(ctx context.Context, tx pgx.Tx, rec ReconciliationRecord) (ReconciliationRecord, error)
	ListOpenReconciliations(ctx context.Context, limit int) ([]ReconciliationRecord, error)
	CloseReconciliation(ctx context.Context, tx pgx.Tx, id string, status ReconciliationStatus, note *string, operatorID string) (ReconciliationRecord, error)
	CreateBatch(ctx context.Context, tx pgx.Tx, createdBy string) (Batch, error)
	GetBatch(ctx context.Context, id string) (Batch, error)
	GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (Batch, error)
	AddBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, amount int64) error
	SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus) (Batch, error)
	RecordBatchItemResult(ctx context.Context, tx pgx.Tx, batchID string, amount int64, failed bool) error
}

// Orders exposes the slice of the order layer the refund engine needs.
type Orders interface {
	Get(ctx context.Context, id string) (order.Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (order.Order, error)
	MarkRefundedInTx(ctx context.Context, tx pgx.Tx, orderID string) error
}

// AlertRaiser flags failures for human follow-up inside the failing
// transaction.
type AlertRaiser interface {
	RaiseInTx(ctx context.Context, tx pgx.Tx, params compliance.RaiseParams) (compliance.Alert, error)
}

// OutboxWriter appends refund events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repo
	orders   Orders
	provider Provider
	alerts   AlertRaiser
	outbox   OutboxWriter
	cfg      *config.Store
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewService(pool TxBeginner, repo Repo, orders Orders, provider Provider, alerts AlertRaiser, outbox OutboxWriter, cfg *config.Store) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		orders:   orders,
		provider: provider,
		alerts:   alerts,
		outbox:   outbox,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// WithSleeper replaces the backoff sleeper, used by tests to avoid real
// delays.
func (s *Service) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Service {
	s.sleep = sleep
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InitiateRequest opens a refund against an order.
type InitiateRequest struct {
	OrderID             string
	EscrowID            *string
	Amount              int64
	Reason              Reason
	ProcessingFeeImpact int64
	PlatformFeeImpact   int64
	GasFeeImpact        int64
	IdempotencyKey      string
}

// Initiate records a refund after checking it fits in the order's
// refundable balance. The check runs under the order's row lock so
// concurrent initiations are serialized; failed refunds do not count
// against the balance, everything else does.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (Record, error) {
	if req.Amount <= 0 {
		return Record{}, fmt.Errorf("refund: amount must be positive")
	}
	if req.IdempotencyKey == "" {
		// Callers that cannot supply a key get single-shot semantics.
		req.IdempotencyKey = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.orders.GetForUpdate(ctx, tx, req.OrderID)
	if err != nil {
		return Record{}, err
	}

	refunded, err := s.repo.SumNonFailedInTx(ctx, tx, req.OrderID)
	if err != nil {
		return Record{}, err
	}
	if req.Amount+refunded > ord.Amount {
		return Record{}, ErrAmountExceedsOrder
	}

	rec, err := s.repo.CreateInTx(ctx, tx, CreateParams{
		OrderID:             req.OrderID,
		EscrowID:            req.EscrowID,
		Amount:              req.Amount,
		Reason:              req.Reason,
		ProcessingFeeImpact: req.ProcessingFeeImpact,
		PlatformFeeImpact:   req.PlatformFeeImpact,
		GasFeeImpact:        req.GasFeeImpact,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "refund.initiated", map[string]any{
		"refund_id": rec.ID,
		"order_id":  rec.OrderID,
		"amount":    rec.Amount,
		"reason":    string(rec.Reason),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("refund: commit initiate: %w", err)
	}
	return rec, nil
}

// Get returns the refund without locking.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// ListByOrder returns every refund issued against an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Record, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// Execute pushes a pending refund through the provider. Transient
// failures back off exponentially up to the configured retry cap; hitting
// the cap, or a permanent rejection, fails the refund and raises a
// compliance alert.
func (s *Service) Execute(ctx context.Context, refundID string) (Record, error) {
	cfg := s.cfg.Current()

	rec, err := s.markProcessing(ctx, refundID)
	if err != nil {
		return Record{}, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := s.provider.SubmitRefund(ctx, ProviderRequest{
			IdempotencyKey: rec.IdempotencyKey,
			OrderID:        rec.OrderID,
			Amount:         rec.Amount,
			Reason:         rec.Reason,
		})
		if err == nil {
			return s.complete(ctx, rec, result.Reference)
		}
		lastErr = err

		pe, ok := AsProviderError(err)
		if !ok || !pe.Retryable || attempt >= cfg.MaxRefundRetries {
			break
		}
		if err := s.bumpRetry(ctx, rec.ID); err != nil {
			return Record{}, err
		}
		if err := s.sleep(ctx, cfg.RetryBaseDelay<<uint(attempt)); err != nil {
			return Record{}, err
		}
	}

	return s.fail(ctx, rec, lastErr)
}

func (s *Service) markProcessing(ctx context.Context, refundID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, refundID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, ErrNotPending
	}
	rec, err = s.repo.MarkProcessing(ctx, tx, refundID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("refund: commit processing: %w", err)
	}
	return rec, nil
}

func (s *Service) bumpRetry(ctx context.Context, refundID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := s.repo.IncrementRetry(ctx, tx, refundID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("refund: commit retry: %w", err)
	}
	return nil
}

func (s *Service) complete(ctx context.Context, rec Record, providerRef string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	completed, err := s.repo.MarkCompleted(ctx, tx, rec.ID, providerRef)
	if err != nil {
		return Record{}, err
	}

	// A full refund flips the order itself.
	ord, err := s.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return Record{}, err
	}
	if rec.Amount == ord.Amount {
		if err := s.orders.MarkRefundedInTx(ctx, tx, rec.OrderID); err != nil {
			return Record{}, err
		}
	}

	if err := s.outbox.Enqueue(ctx, tx, "refund.completed", map[string]any{
		"refund_id":    completed.ID,
		"order_id":     completed.OrderID,
		"amount":       completed.Amount,
		"provider_ref": providerRef,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("refund: commit complete: %w", err)
	}
	metrics.RefundsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return completed, nil
}

func (s *Service) fail(ctx context.Context, rec Record, cause error) (Record, error) {
	code := "provider_error"
	if pe, ok := AsProviderError(cause); ok {
		code = pe.Code
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	failed, err := s.repo.MarkFailed(ctx, tx, rec.ID, code)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.alerts.RaiseInTx(ctx, tx, compliance.RaiseParams{
		Source:      "refund",
		ReferenceID: rec.ID,
		Severity:    compliance.SeverityHigh,
		Message:     fmt.Sprintf("refund for order %s failed after %d retries: %v", rec.OrderID, failed.RetryCount, cause),
	}); err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "refund.failed", map[string]any{
		"refund_id":    failed.ID,
		"order_id":     failed.OrderID,
		"failure_code": code,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("refund: commit failure: %w", err)
	}
	metrics.RefundsTotal.WithLabelValues(string(StatusFailed)).Inc()
	metrics.ComplianceAlertsTotal.Inc()
	return failed, nil
}

// Reconcile compares a completed refund against the amount the provider
// reports. A match flags the refund reconciled; a mismatch opens a
// reconciliation record and a compliance alert, leaving the refund
// untouched until an operator decides.
func (s *Service) Reconcile(ctx context.Context, refundID string, reportedAmount int64) (Record, *ReconciliationRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, nil, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, refundID)
	if err != nil {
		return Record{}, nil, err
	}

	if rec.Amount == reportedAmount {
		rec, err = s.repo.SetReconciled(ctx, tx, refundID)
		if err != nil {
			return Record{}, nil, err
		}
		if err := s.outbox.Enqueue(ctx, tx, "refund.reconciled", map[string]any{
			"refund_id": rec.ID,
			"amount":    rec.Amount,
		}); err != nil {
			return Record{}, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, nil, fmt.Errorf("refund: commit reconcile: %w", err)
		}
		return rec, nil, nil
	}

	discrepancy, err := s.repo.InsertReconciliation(ctx, tx, ReconciliationRecord{
		RefundID:          refundID,
		ExpectedAmount:    rec.Amount,
		ReportedAmount:    reportedAmount,
		DiscrepancyAmount: rec.Amount - reportedAmount,
	})
	if err != nil {
		return Record{}, nil, err
	}

	if _, err := s.alerts.RaiseInTx(ctx, tx, compliance.RaiseParams{
		Source:      "reconciliation",
		ReferenceID: refundID,
		Severity:    compliance.SeverityHigh,
		Message:     fmt.Sprintf("refund %s expected %d, provider reported %d", refundID, rec.Amount, reportedAmount),
	}); err != nil {
		return Record{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, nil, fmt.Errorf("refund: commit reconcile: %w", err)
	}
	metrics.ComplianceAlertsTotal.Inc()
	return rec, &discrepancy, nil
}

// OpenReconciliations lists unresolved discrepancies for operator review.
func (s *Service) OpenReconciliations(ctx context.Context, limit int) ([]ReconciliationRecord, error) {
	return s.repo.ListOpenReconciliations(ctx, limit)
}

// ResolveReconciliation closes a discrepancy on behalf of an operator.
func (s *Service) ResolveReconciliation(ctx context.Context, id string, status ReconciliationStatus, note *string, operatorID string) (ReconciliationRecord, error) {
	if status != ReconciliationResolved && status != ReconciliationWrittenOff {
		return ReconciliationRecord{}, fmt.Errorf("refund: invalid resolution status %q", status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReconciliationRecord{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CloseReconciliation(ctx, tx, id, status, note, operatorID)
	if err != nil {
		return ReconciliationRecord{}, err
	}
	if status == ReconciliationResolved {
		if _, err := s.repo.SetReconciled(ctx, tx, rec.RefundID); err != nil {
			return ReconciliationRecord{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ReconciliationRecord{}, fmt.Errorf("refund: commit resolution: %w", err)
	}
	return rec, nil
}
