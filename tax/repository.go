package tax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("tax: not found")
	// ErrDuplicateLiability signals a second liability for the same order
	// and jurisdiction.
	ErrDuplicateLiability = errors.New("tax: liability already recorded")
)

const liabilityColumns = `id, order_id, escrow_id, jurisdiction, taxable_base, tax_rate_basis,
	amount, status::text, period_start, period_end, due_date, batch_id,
	created_at, updated_at, filed_at, paid_at`

const batchColumns = `id, jurisdiction, period_start, period_end, due_date, status::text,
	total_amount, liability_count, filing_ref, created_at, filed_at, paid_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields fixed when a liability is recorded.
type CreateParams struct {
	OrderID      string
	EscrowID     *string
	Jurisdiction string
	TaxableBase  int64
	TaxRateBasis int64
	Amount       int64
	PeriodStart  time.Time
	PeriodEnd    time.Time
	DueDate      time.Time
}

// CreateInTx inserts the liability as calculated; the amount is known at
// record time. The unique index on (order_id, jurisdiction) blocks
// double-recording.
func (r *Repository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Liability, error) {
	query := `
		INSERT INTO tax_liabilities (order_id, escrow_id, jurisdiction, taxable_base, tax_rate_basis,
			amount, status, period_start, period_end, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, 'calculated', $7, $8, $9)
		RETURNING ` + liabilityColumns

	rec, err := scanLiability(tx.QueryRow(ctx, query,
		params.OrderID, params.EscrowID, params.Jurisdiction, params.TaxableBase,
		params.TaxRateBasis, params.Amount, params.PeriodStart, params.PeriodEnd, params.DueDate))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Liability{}, ErrDuplicateLiability
		}
		return Liability{}, fmt.Errorf("tax: insert liability: %w", err)
	}
	return rec, nil
}

// Get fetches a liability without locking.
func (r *Repository) Get(ctx context.Context, id string) (Liability, error) {
	query := `SELECT ` + liabilityColumns + ` FROM tax_liabilities WHERE id = $1`
	rec, err := scanLiability(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Liability{}, ErrNotFound
		}
		return Liability{}, fmt.Errorf("tax: get liability: %w", err)
	}
	return rec, nil
}

// ListByOrder returns the liabilities recorded for an order.
func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]Liability, error) {
	query := `SELECT ` + liabilityColumns + ` FROM tax_liabilities WHERE order_id = $1 ORDER BY created_at ASC`
	return r.listLiabilities(ctx, query, orderID)
}

// ListByBatch returns the liabilities attached to a remittance batch.
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]Liability, error) {
	query := `SELECT ` + liabilityColumns + ` FROM tax_liabilities WHERE batch_id = $1 ORDER BY created_at ASC`
	return r.listLiabilities(ctx, query, batchID)
}

func (r *Repository) listLiabilities(ctx context.Context, query string, arg any) ([]Liability, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("tax: list liabilities: %w", err)
	}
	defer rows.Close()

	out := make([]Liability, 0, 8)
	for rows.Next() {
		rec, err := scanLiability(rows)
		if err != nil {
			return nil, fmt.Errorf("tax: scan liability: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tax: iterate liabilities: %w", err)
	}
	return out, nil
}

// ClaimForBatch attaches every unbatched calculated liability for the
// jurisdiction and period to the batch, locking the rows so concurrent
// batch builds cannot claim the same liability twice. It returns the
// claimed liabilities.
func (r *Repository) ClaimForBatch(ctx context.Context, tx pgx.Tx, batchID, jurisdiction string, periodStart, periodEnd time.Time) ([]Liability, error) {
	query := `
		UPDATE tax_liabilities
		SET batch_id = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM tax_liabilities
			WHERE jurisdiction = $2 AND period_start = $3 AND period_end = $4
			  AND status = 'calculated' AND batch_id IS NULL
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + liabilityColumns

	rows, err := tx.Query(ctx, query, batchID, jurisdiction, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("tax: claim liabilities: %w", err)
	}
	defer rows.Close()

	out := make([]Liability, 0, 16)
	for rows.Next() {
		rec, err := scanLiability(rows)
		if err != nil {
			return nil, fmt.Errorf("tax: scan claimed liability: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tax: iterate claimed liabilities: %w", err)
	}
	return out, nil
}

// SetBatchLiabilityStatus moves every liability in a batch at once.
func (r *Repository) SetBatchLiabilityStatus(ctx context.Context, tx pgx.Tx, batchID string, status Status) error {
	query := `UPDATE tax_liabilities SET status = $2::tax_status, updated_at = now()`
	switch status {
	case StatusFiled:
		query += `, filed_at = now()`
	case StatusPaid:
		query += `, paid_at = now()`
	}
	query += ` WHERE batch_id = $1`
	if _, err := tx.Exec(ctx, query, batchID, status); err != nil {
		return fmt.Errorf("tax: set liability status: %w", err)
	}
	return nil
}

// CreateBatch inserts the batch header with its computed totals.
func (r *Repository) CreateBatch(ctx context.Context, tx pgx.Tx, b RemittanceBatch) (RemittanceBatch, error) {
	query := `
		INSERT INTO tax_remittance_batches (jurisdiction, period_start, period_end, due_date,
			status, total_amount, liability_count)
		VALUES ($1, $2, $3, $4, 'open', $5, $6)
		RETURNING ` + batchColumns
	out, err := scanBatch(tx.QueryRow(ctx, query,
		b.Jurisdiction, b.PeriodStart, b.PeriodEnd, b.DueDate, b.TotalAmount, b.LiabilityCount))
	if err != nil {
		return RemittanceBatch{}, fmt.Errorf("tax: insert batch: %w", err)
	}
	return out, nil
}

// SetBatchTotals rewrites the batch header totals after claiming.
func (r *Repository) SetBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, total int64, count int) (RemittanceBatch, error) {
	query := `
		UPDATE tax_remittance_batches
		SET total_amount = $2, liability_count = $3
		WHERE id = $1
		RETURNING ` + batchColumns
	out, err := scanBatch(tx.QueryRow(ctx, query, batchID, total, count))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RemittanceBatch{}, ErrNotFound
		}
		return RemittanceBatch{}, fmt.Errorf("tax: set batch totals: %w", err)
	}
	return out, nil
}

// GetBatch fetches a batch without locking.
func (r *Repository) GetBatch(ctx context.Context, id string) (RemittanceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM tax_remittance_batches WHERE id = $1`
	out, err := scanBatch(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RemittanceBatch{}, ErrNotFound
		}
		return RemittanceBatch{}, fmt.Errorf("tax: get batch: %w", err)
	}
	return out, nil
}

// GetBatchForUpdate locks the batch row for filing.
func (r *Repository) GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (RemittanceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM tax_remittance_batches WHERE id = $1 FOR UPDATE`
	out, err := scanBatch(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RemittanceBatch{}, ErrNotFound
		}
		return RemittanceBatch{}, fmt.Errorf("tax: lock batch: %w", err)
	}
	return out, nil
}

// SetBatchStatus moves the batch header, stamping the matching timestamp.
func (r *Repository) SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus, filingRef *string) (RemittanceBatch, error) {
	query := `UPDATE tax_remittance_batches SET status = $2::tax_batch_status, filing_ref = COALESCE($3, filing_ref)`
	switch status {
	case BatchFiled:
		query += `, filed_at = now()`
	case BatchPaid:
		query += `, paid_at = now()`
	}
	query += ` WHERE id = $1 RETURNING ` + batchColumns
	out, err := scanBatch(tx.QueryRow(ctx, query, id, status, filingRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RemittanceBatch{}, ErrNotFound
		}
		return RemittanceBatch{}, fmt.Errorf("tax: set batch status: %w", err)
	}
	return out, nil
}

// ListDueBatches returns open or failed batches whose due date has
// passed.
func (r *Repository) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]RemittanceBatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + batchColumns + `
		FROM tax_remittance_batches
		WHERE status IN ('open','failed') AND due_date <= $1
		ORDER BY due_date ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("tax: list due batches: %w", err)
	}
	defer rows.Close()

	out := make([]RemittanceBatch, 0, limit)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("tax: scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tax: iterate batches: %w", err)
	}
	return out, nil
}

func scanLiability(row pgx.Row) (Liability, error) {
	var rec Liability
	err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.EscrowID,
		&rec.Jurisdiction,
		&rec.TaxableBase,
		&rec.TaxRateBasis,
		&rec.Amount,
		&rec.Status,
		&rec.PeriodStart,
		&rec.PeriodEnd,
		&rec.DueDate,
		&rec.BatchID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.FiledAt,
		&rec.PaidAt,
	)
	if err != nil {
		return Liability{}, err
	}
	return rec, nil
}

func scanBatch(row pgx.Row) (RemittanceBatch, error) {
	var b RemittanceBatch
	err := row.Scan(
		&b.ID,
		&b.Jurisdiction,
		&b.PeriodStart,
		&b.PeriodEnd,
		&b.DueDate,
		&b.Status,
		&b.TotalAmount,
		&b.LiabilityCount,
		&b.FilingRef,
		&b.CreatedAt,
		&b.FiledAt,
		&b.PaidAt,
	)
	if err != nil {
		return RemittanceBatch{}, err
	}
	return b, nil
}
