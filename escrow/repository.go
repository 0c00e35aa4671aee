package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicateEntry signals a second settlement entry insert for the
	// same escrow hit the uniqueness guardrail.
	ErrDuplicateEntry = errors.New("escrow: settlement entry already exists")
)

const recordColumns = `id, order_id, listing_id, buyer_id, seller_id, amount, tax_escrow_amount,
	tax_escrow_remitted, state::text, delivery_info, delivery_confirmed, resolver, created_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateInTx inserts a new escrow hold inside the caller's transaction so
// order placement and custody start atomically.
func (r *Repository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	if params.OrderID == "" || params.BuyerID == "" || params.SellerID == "" {
		return Record{}, fmt.Errorf("escrow: order, buyer and seller ids required")
	}
	if params.Amount <= 0 {
		return Record{}, fmt.Errorf("escrow: amount must be positive")
	}
	if params.TaxEscrowAmount < 0 || params.TaxEscrowAmount > params.Amount {
		return Record{}, fmt.Errorf("escrow: invalid tax carve-out")
	}

	query := `
		INSERT INTO escrows (order_id, listing_id, buyer_id, seller_id, amount, tax_escrow_amount, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'created')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.OrderID, params.ListingID, params.BuyerID, params.SellerID, params.Amount, params.TaxEscrowAmount))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the escrow row for the duration of the transaction.
// Every state transition goes through this lock; it is the per-escrow
// serialization point.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock row: %w", err)
	}
	return rec, nil
}

// Get fetches an escrow without locking.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// SetState applies a non-terminal state move on an already locked row.
func (r *Repository) SetState(ctx context.Context, tx pgx.Tx, id string, state State) (Record, error) {
	query := `UPDATE escrows SET state = $2::escrow_state WHERE id = $1 RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, state))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: set state: %w", err)
	}
	return rec, nil
}

// Resolve stamps the terminal state and resolved_at on a locked row.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, id string, state State, resolver *string) (Record, error) {
	if !state.Terminal() {
		return Record{}, fmt.Errorf("escrow: %q is not a terminal state", state)
	}
	query := `
		UPDATE escrows
		SET state = $2::escrow_state, resolver = $3, resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, state, resolver))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: resolve: %w", err)
	}
	return rec, nil
}

// SetDelivery records seller-provided delivery info or buyer confirmation.
func (r *Repository) SetDelivery(ctx context.Context, tx pgx.Tx, id string, info *string, confirmed bool) (Record, error) {
	query := `
		UPDATE escrows
		SET delivery_info = COALESCE($2, delivery_info), delivery_confirmed = $3
		WHERE id = $1
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, info, confirmed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: set delivery: %w", err)
	}
	return rec, nil
}

// InsertSettlementEntry writes the single ledger entry for a settled
// escrow. The unique index on escrow_id backs release idempotency.
func (r *Repository) InsertSettlementEntry(ctx context.Context, tx pgx.Tx, entry SettlementEntry) (SettlementEntry, error) {
	const query = `
		INSERT INTO settlement_entries (escrow_id, entry_type, amount_to_seller, amount_to_buyer, tax_carve_out)
		VALUES ($1, $2::settlement_entry_type, $3, $4, $5)
		RETURNING id, escrow_id, entry_type::text, amount_to_seller, amount_to_buyer, tax_carve_out, created_at
	`
	var out SettlementEntry
	err := tx.QueryRow(ctx, query, entry.EscrowID, entry.EntryType, entry.AmountToSeller, entry.AmountToBuyer, entry.TaxCarveOut).
		Scan(&out.ID, &out.EscrowID, &out.EntryType, &out.AmountToSeller, &out.AmountToBuyer, &out.TaxCarveOut, &out.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return SettlementEntry{}, ErrDuplicateEntry
		}
		return SettlementEntry{}, fmt.Errorf("escrow: insert settlement entry: %w", err)
	}
	return out, nil
}

// GetSettlementEntry returns the ledger entry for an escrow, if settled.
func (r *Repository) GetSettlementEntry(ctx context.Context, escrowID string) (SettlementEntry, error) {
	const query = `
		SELECT id, escrow_id, entry_type::text, amount_to_seller, amount_to_buyer, tax_carve_out, created_at
		FROM settlement_entries
		WHERE escrow_id = $1
	`
	var out SettlementEntry
	err := r.pool.QueryRow(ctx, query, escrowID).
		Scan(&out.ID, &out.EscrowID, &out.EntryType, &out.AmountToSeller, &out.AmountToBuyer, &out.TaxCarveOut, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettlementEntry{}, ErrNotFound
		}
		return SettlementEntry{}, fmt.Errorf("escrow: get settlement entry: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.ListingID,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.Amount,
		&rec.TaxEscrowAmount,
		&rec.TaxEscrowRemitted,
		&rec.State,
		&rec.DeliveryInfo,
		&rec.DeliveryConfirmed,
		&rec.Resolver,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
