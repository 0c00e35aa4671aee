package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("refund: not found")
	// ErrDuplicateKey signals a second refund with the same idempotency
	// key; the original record stands.
	ErrDuplicateKey = errors.New("refund: idempotency key already used")
	// ErrReconciliationClosed signals a resolve on an already-settled
	// reconciliation record.
	ErrReconciliationClosed = errors.New("refund: reconciliation already closed")
)

const recordColumns = `id, order_id, escrow_id, batch_id, amount, reason::text, status::text,
	provider_ref, failure_code, retry_count, processing_fee_impact, platform_fee_impact,
	gas_fee_impact, reconciled, idempotency_key, created_at, updated_at, completed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields fixed at initiation.
type CreateParams struct {
	OrderID             string
	EscrowID            *string
	BatchID             *string
	Amount              int64
	Reason              Reason
	ProcessingFeeImpact int64
	PlatformFeeImpact   int64
	GasFeeImpact        int64
	IdempotencyKey      string
}

// CreateInTx inserts the refund row. The unique index on idempotency_key
// makes re-initiation with the same key a no-op error.
func (r *Repository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	query := `
		INSERT INTO refunds (order_id, escrow_id, batch_id, amount, reason, status,
			processing_fee_impact, platform_fee_impact, gas_fee_impact, idempotency_key)
		VALUES ($1, $2, $3, $4, $5::refund_reason, 'pending', $6, $7, $8, $9)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.OrderID, params.EscrowID, params.BatchID, params.Amount, params.Reason,
		params.ProcessingFeeImpact, params.PlatformFeeImpact, params.GasFeeImpact, params.IdempotencyKey))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateKey
		}
		return Record{}, fmt.Errorf("refund: insert: %w", err)
	}
	return rec, nil
}

// Get fetches a refund without locking.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refunds WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("refund: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the refund row for a status transition.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refunds WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("refund: lock row: %w", err)
	}
	return rec, nil
}

// ListByOrder returns every refund issued against an order.
func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refunds WHERE order_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, orderID)
}

// SumNonFailedInTx totals prior refunds against an order inside the
// initiating transaction. Failed refunds free their balance; the caller
// must already hold the order row lock.
func (r *Repository) SumNonFailedInTx(ctx context.Context, tx pgx.Tx, orderID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE order_id = $1 AND status <> 'failed'`
	var total int64
	if err := tx.QueryRow(ctx, query, orderID).Scan(&total); err != nil {
		return 0, fmt.Errorf("refund: sum refunds: %w", err)
	}
	return total, nil
}

// ListByBatch returns the refunds attached to a batch, oldest first.
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refunds WHERE batch_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, batchID)
}

func (r *Repository) list(ctx context.Context, query string, arg any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("refund: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("refund: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refund: iterate: %w", err)
	}
	return out, nil
}

// MarkProcessing moves a locked refund into processing.
func (r *Repository) MarkProcessing(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `
		UPDATE refunds SET status = 'processing', updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.update(ctx, tx, query, id)
}

// MarkCompleted records the provider reference and completes the refund.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id, providerRef string) (Record, error) {
	query := `
		UPDATE refunds
		SET status = 'completed', provider_ref = $2, updated_at = now(), completed_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.update(ctx, tx, query, id, providerRef)
}

// MarkFailed stamps the failure code on a locked refund.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id, failureCode string) (Record, error) {
	query := `
		UPDATE refunds
		SET status = 'failed', failure_code = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.update(ctx, tx, query, id, failureCode)
}

// IncrementRetry bumps the retry counter on a locked refund.
func (r *Repository) IncrementRetry(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `
		UPDATE refunds SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.update(ctx, tx, query, id)
}

// SetReconciled flags the refund as matched against the provider report.
func (r *Repository) SetReconciled(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `
		UPDATE refunds SET reconciled = true, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	return r.update(ctx, tx, query, id)
}

func (r *Repository) update(ctx context.Context, tx pgx.Tx, query string, args ...any) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("refund: update: %w", err)
	}
	return rec, nil
}

// InsertReconciliation records a detected discrepancy.
func (r *Repository) InsertReconciliation(ctx context.Context, tx pgx.Tx, rec ReconciliationRecord) (ReconciliationRecord, error) {
	const query = `
		INSERT INTO refund_reconciliations (refund_id, expected_amount, reported_amount, discrepancy_amount, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING id, refund_id, expected_amount, reported_amount, discrepancy_amount,
			status::text, note, resolved_by, created_at, resolved_at
	`
	var out ReconciliationRecord
	err := tx.QueryRow(ctx, query, rec.RefundID, rec.ExpectedAmount, rec.ReportedAmount, rec.DiscrepancyAmount).
		Scan(&out.ID, &out.RefundID, &out.ExpectedAmount, &out.ReportedAmount, &out.DiscrepancyAmount,
			&out.Status, &out.Note, &out.ResolvedBy, &out.CreatedAt, &out.ResolvedAt)
	if err != nil {
		return ReconciliationRecord{}, fmt.Errorf("refund: insert reconciliation: %w", err)
	}
	return out, nil
}

// ListOpenReconciliations returns unresolved discrepancies, oldest first.
func (r *Repository) ListOpenReconciliations(ctx context.Context, limit int) ([]ReconciliationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, refund_id, expected_amount, reported_amount, discrepancy_amount,
			status::text, note, resolved_by, created_at, resolved_at
		FROM refund_reconciliations
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("refund: list reconciliations: %w", err)
	}
	defer rows.Close()

	out := make([]ReconciliationRecord, 0, limit)
	for rows.Next() {
		var rec ReconciliationRecord
		if err := rows.Scan(&rec.ID, &rec.RefundID, &rec.ExpectedAmount, &rec.ReportedAmount,
			&rec.DiscrepancyAmount, &rec.Status, &rec.Note, &rec.ResolvedBy, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("refund: scan reconciliation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refund: iterate reconciliations: %w", err)
	}
	return out, nil
}

// CloseReconciliation marks a discrepancy resolved or written off.
func (r *Repository) CloseReconciliation(ctx context.Context, tx pgx.Tx, id string, status ReconciliationStatus, note *string, operatorID string) (ReconciliationRecord, error) {
	const query = `
		UPDATE refund_reconciliations
		SET status = $2::reconciliation_status, note = $3, resolved_by = $4, resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING id, refund_id, expected_amount, reported_amount, discrepancy_amount,
			status::text, note, resolved_by, created_at, resolved_at
	`
	var out ReconciliationRecord
	err := tx.QueryRow(ctx, query, id, status, note, operatorID).
		Scan(&out.ID, &out.RefundID, &out.ExpectedAmount, &out.ReportedAmount, &out.DiscrepancyAmount,
			&out.Status, &out.Note, &out.ResolvedBy, &out.CreatedAt, &out.ResolvedAt)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ReconciliationRecord{}, fmt.Errorf("refund: close reconciliation: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refund_reconciliations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return ReconciliationRecord{}, fmt.Errorf("refund: close reconciliation check: %w", err)
	}
	if exists {
		return ReconciliationRecord{}, ErrReconciliationClosed
	}
	return ReconciliationRecord{}, ErrNotFound
}

// CreateBatch inserts an empty batch shell.
func (r *Repository) CreateBatch(ctx context.Context, tx pgx.Tx, createdBy string) (Batch, error) {
	const query = `
		INSERT INTO refund_batches (status, created_by)
		VALUES ('pending', $1)
		RETURNING id, status::text, total_amount, processed_amount, item_count,
			processed_count, failed_count, created_by, created_at, completed_at
	`
	return scanBatch(tx.QueryRow(ctx, query, createdBy))
}

// GetBatch fetches a batch without locking.
func (r *Repository) GetBatch(ctx context.Context, id string) (Batch, error) {
	const query = `
		SELECT id, status::text, total_amount, processed_amount, item_count,
			processed_count, failed_count, created_by, created_at, completed_at
		FROM refund_batches WHERE id = $1
	`
	b, err := scanBatch(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("refund: get batch: %w", err)
	}
	return b, nil
}

// GetBatchForUpdate locks a batch row for processing.
func (r *Repository) GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (Batch, error) {
	const query = `
		SELECT id, status::text, total_amount, processed_amount, item_count,
			processed_count, failed_count, created_by, created_at, completed_at
		FROM refund_batches WHERE id = $1 FOR UPDATE
	`
	b, err := scanBatch(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("refund: lock batch: %w", err)
	}
	return b, nil
}

// AddBatchTotals folds a new item into the batch header.
func (r *Repository) AddBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, amount int64) error {
	const query = `
		UPDATE refund_batches
		SET total_amount = total_amount + $2, item_count = item_count + 1
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, batchID, amount); err != nil {
		return fmt.Errorf("refund: add batch totals: %w", err)
	}
	return nil
}

// SetBatchStatus moves the batch header.
func (r *Repository) SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus) (Batch, error) {
	query := `
		UPDATE refund_batches SET status = $2::batch_status
	`
	if status == BatchCompleted || status == BatchFailed {
		query += `, completed_at = now()`
	}
	query += `
		WHERE id = $1
		RETURNING id, status::text, total_amount, processed_amount, item_count,
			processed_count, failed_count, created_by, created_at, completed_at
	`
	b, err := scanBatch(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("refund: set batch status: %w", err)
	}
	return b, nil
}

// RecordBatchItemResult folds one processed item into the batch header.
func (r *Repository) RecordBatchItemResult(ctx context.Context, tx pgx.Tx, batchID string, amount int64, failed bool) error {
	var query string
	if failed {
		query = `UPDATE refund_batches SET failed_count = failed_count + 1 WHERE id = $1`
		if _, err := tx.Exec(ctx, query, batchID); err != nil {
			return fmt.Errorf("refund: record batch failure: %w", err)
		}
		return nil
	}
	query = `
		UPDATE refund_batches
		SET processed_count = processed_count + 1, processed_amount = processed_amount + $2
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, batchID, amount); err != nil {
		return fmt.Errorf("refund: record batch success: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Status, &b.TotalAmount, &b.ProcessedAmount, &b.ItemCount,
		&b.ProcessedCount, &b.FailedCount, &b.CreatedBy, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.EscrowID,
		&rec.BatchID,
		&rec.Amount,
		&rec.Reason,
		&rec.Status,
		&rec.ProviderRef,
		&rec.FailureCode,
		&rec.RetryCount,
		&rec.ProcessingFeeImpact,
		&rec.PlatformFeeImpact,
		&rec.GasFeeImpact,
		&rec.Reconciled,
		&rec.IdempotencyKey,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
