package tax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/compliance"
	"settleflow/config"
)

var (
	// ErrNothingToRemit signals a batch build found no unbatched
	// liabilities for the jurisdiction and period.
	ErrNothingToRemit = errors.New("tax: no liabilities to remit")
	// ErrBatchNotOpen signals a filing attempt on a batch that already
	// filed or paid.
	ErrBatchNotOpen = errors.New("tax: batch not open")
)

// FilingProvider submits a remittance to the jurisdiction's rail and
// returns the authority's reference.
type FilingProvider interface {
	File(ctx context.Context, req FilingRequest) (FilingResult, error)
}

// FilingRequest is one remittance submission.
type FilingRequest struct {
	BatchID      string
	Jurisdiction string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	TotalAmount  int64
}

// FilingResult carries the authority's filing reference.
type FilingResult struct {
	Reference string
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data access the service needs.
type Repo interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Liability, error)
	Get(ctx context.Context, id string) (Liability, error)
	ListByOrder(ctx context.Context, orderID string) ([]Liability, error)
	ListByBatch(ctx context.Context, batchID string) ([]Liability, error)
	ClaimForBatch(ctx context.Context, tx pgx.Tx, batchID, jurisdiction string, periodStart, periodEnd time.Time) ([]Liability, error)
	SetBatchLiabilityStatus(ctx context.Context, tx pgx.Tx, batchID string, status Status) error
	CreateBatch(ctx context.Context, tx pgx.Tx, b RemittanceBatch) (RemittanceBatch, error)
	SetBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, total int64, count int) (RemittanceBatch, error)
	GetBatch(ctx context.Context, id string) (RemittanceBatch, error)
	GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (RemittanceBatch, error)
	SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus, filingRef *string) (RemittanceBatch, error)
	ListDueBatches(ctx context.Context, now time.Time, limit int) ([]RemittanceBatch, error)
}

// AlertRaiser flags filing failures for human follow-up.
type AlertRaiser interface {
	RaiseInTx(ctx context.Context, tx pgx.Tx, params compliance.RaiseParams) (compliance.Alert, error)
}

// OutboxWriter appends tax events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool   TxBeginner
	repo   Repo
	filer  FilingProvider
	alerts AlertRaiser
	outbox OutboxWriter
	cfg    *config.Store
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repo, filer FilingProvider, alerts AlertRaiser, outbox OutboxWriter, cfg *config.Store) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		filer:  filer,
		alerts: alerts,
		outbox: outbox,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordLiabilityRequest captures the tax owed on one settled order.
type RecordLiabilityRequest struct {
	OrderID      string
	EscrowID     *string
	Jurisdiction string
	TaxableBase  int64
	TaxRateBasis int64
	SettledAt    time.Time
}

// RecordLiability computes the amount from the base and rate and records
// the liability with its filing period and due date derived from the
// jurisdiction's calendar.
func (s *Service) RecordLiability(ctx context.Context, req RecordLiabilityRequest) (Liability, error) {
	if req.Jurisdiction == "" {
		return Liability{}, fmt.Errorf("tax: jurisdiction required")
	}
	if req.TaxableBase < 0 || req.TaxRateBasis < 0 {
		return Liability{}, fmt.Errorf("tax: base and rate must be non-negative")
	}
	if req.SettledAt.IsZero() {
		req.SettledAt = s.now()
	}

	amount := req.TaxableBase * req.TaxRateBasis / 10000
	start, end := Period(req.Jurisdiction, req.SettledAt)
	due := DueDate(req.Jurisdiction, req.SettledAt)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Liability{}, fmt.Errorf("tax: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CreateInTx(ctx, tx, CreateParams{
		OrderID:      req.OrderID,
		EscrowID:     req.EscrowID,
		Jurisdiction: req.Jurisdiction,
		TaxableBase:  req.TaxableBase,
		TaxRateBasis: req.TaxRateBasis,
		Amount:       amount,
		PeriodStart:  start,
		PeriodEnd:    end,
		DueDate:      due,
	})
	if err != nil {
		return Liability{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Liability{}, fmt.Errorf("tax: commit liability: %w", err)
	}
	return rec, nil
}

// Get returns a liability.
func (s *Service) Get(ctx context.Context, id string) (Liability, error) {
	return s.repo.Get(ctx, id)
}

// ListByOrder returns an order's liabilities.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Liability, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// GetBatch returns a remittance batch header.
func (s *Service) GetBatch(ctx context.Context, id string) (RemittanceBatch, error) {
	return s.repo.GetBatch(ctx, id)
}

// BuildBatch claims every unbatched calculated liability for the
// jurisdiction and the period containing asOf into a new remittance
// batch. Claiming and totals are written in one transaction, so the
// batch total always equals the sum of its members.
func (s *Service) BuildBatch(ctx context.Context, jurisdiction string, asOf time.Time) (RemittanceBatch, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	start, end := Period(jurisdiction, asOf)
	due := DueDate(jurisdiction, asOf)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RemittanceBatch{}, fmt.Errorf("tax: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := s.repo.CreateBatch(ctx, tx, RemittanceBatch{
		Jurisdiction: jurisdiction,
		PeriodStart:  start,
		PeriodEnd:    end,
		DueDate:      due,
	})
	if err != nil {
		return RemittanceBatch{}, err
	}

	claimed, err := s.repo.ClaimForBatch(ctx, tx, batch.ID, jurisdiction, start, end)
	if err != nil {
		return RemittanceBatch{}, err
	}
	if len(claimed) == 0 {
		return RemittanceBatch{}, ErrNothingToRemit
	}

	var total int64
	for _, l := range claimed {
		total += l.Amount
	}
	batch, err = s.repo.SetBatchTotals(ctx, tx, batch.ID, total, len(claimed))
	if err != nil {
		return RemittanceBatch{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RemittanceBatch{}, fmt.Errorf("tax: commit batch: %w", err)
	}
	return batch, nil
}

// FileAndPay submits the batch to the filing provider and, on success,
// marks the batch and every member liability filed and paid in one
// transaction. A provider failure marks the batch failed and raises a
// compliance alert whose severity scales with how overdue the filing is.
func (s *Service) FileAndPay(ctx context.Context, batchID string) (RemittanceBatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RemittanceBatch{}, fmt.Errorf("tax: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := s.repo.GetBatchForUpdate(ctx, tx, batchID)
	if err != nil {
		return RemittanceBatch{}, err
	}
	if batch.Status != BatchOpen && batch.Status != BatchFailed {
		return RemittanceBatch{}, ErrBatchNotOpen
	}

	result, ferr := s.filer.File(ctx, FilingRequest{
		BatchID:      batch.ID,
		Jurisdiction: batch.Jurisdiction,
		PeriodStart:  batch.PeriodStart,
		PeriodEnd:    batch.PeriodEnd,
		TotalAmount:  batch.TotalAmount,
	})
	if ferr != nil {
		batch, err = s.repo.SetBatchStatus(ctx, tx, batchID, BatchFailed, nil)
		if err != nil {
			return RemittanceBatch{}, err
		}
		if _, err := s.alerts.RaiseInTx(ctx, tx, compliance.RaiseParams{
			Source:      "tax",
			ReferenceID: batchID,
			Severity:    overdueSeverity(DaysOverdue(batch.DueDate, s.now())),
			Message:     fmt.Sprintf("filing for %s period ending %s failed: %v", batch.Jurisdiction, batch.PeriodEnd.Format("2006-01-02"), ferr),
		}); err != nil {
			return RemittanceBatch{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return RemittanceBatch{}, fmt.Errorf("tax: commit filing failure: %w", err)
		}
		return batch, nil
	}

	batch, err = s.repo.SetBatchStatus(ctx, tx, batchID, BatchFiled, &result.Reference)
	if err != nil {
		return RemittanceBatch{}, err
	}
	if err := s.repo.SetBatchLiabilityStatus(ctx, tx, batchID, StatusFiled); err != nil {
		return RemittanceBatch{}, err
	}
	batch, err = s.repo.SetBatchStatus(ctx, tx, batchID, BatchPaid, nil)
	if err != nil {
		return RemittanceBatch{}, err
	}
	if err := s.repo.SetBatchLiabilityStatus(ctx, tx, batchID, StatusPaid); err != nil {
		return RemittanceBatch{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "tax.filed", map[string]any{
		"batch_id":     batch.ID,
		"jurisdiction": batch.Jurisdiction,
		"total_amount": batch.TotalAmount,
		"filing_ref":   result.Reference,
	}); err != nil {
		return RemittanceBatch{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RemittanceBatch{}, fmt.Errorf("tax: commit filing: %w", err)
	}
	return batch, nil
}

// SweepDue files every batch past its due date. Each batch files in its
// own call so one jurisdiction's failure does not stall the others.
func (s *Service) SweepDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDueBatches(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	filed := 0
	for _, b := range due {
		batch, err := s.FileAndPay(ctx, b.ID)
		if err != nil {
			slog.Warn("tax sweep: filing failed", "batch_id", b.ID, "jurisdiction", b.Jurisdiction, "error", err)
			continue
		}
		if batch.Status == BatchPaid {
			filed++
		}
	}
	return filed, nil
}

func overdueSeverity(daysOverdue int) compliance.Severity {
	switch {
	case daysOverdue > 30:
		return compliance.SeverityCritical
	case daysOverdue > 7:
		return compliance.SeverityHigh
	case daysOverdue > 0:
		return compliance.SeverityMedium
	}
	return compliance.SeverityLow
}
