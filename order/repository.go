package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("order: not found")
	// ErrBadTransition signals a status move outside the allowed graph.
	ErrBadTransition = errors.New("order: invalid status transition")
)

const orderColumns = `id, listing_id, buyer_id, seller_id, amount, currency, status::text,
	escrow_id, created_at, updated_at`

const paymentColumns = `id, order_id, method::text, status::text, amount, processing_fee,
	platform_fee, gas_fee, tx_hash, block_number, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields fixed at placement.
type CreateParams struct {
	ListingID string
	BuyerID   string
	SellerID  string
	Amount    int64
	Currency  string
}

// CreateInTx inserts the order inside the placement transaction.
func (r *Repository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Order, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Order{}, fmt.Errorf("order: buyer and seller ids required")
	}
	if params.Amount <= 0 {
		return Order{}, fmt.Errorf("order: amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USDC"
	}

	query := `
		INSERT INTO orders (listing_id, buyer_id, seller_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING ` + orderColumns
	ord, err := scanOrder(tx.QueryRow(ctx, query,
		params.ListingID, params.BuyerID, params.SellerID, params.Amount, params.Currency))
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return ord, nil
}

// Get fetches an order without locking.
func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	ord, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return ord, nil
}

// GetForUpdate locks the order row for a status transition.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	ord, err := scanOrder(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: lock row: %w", err)
	}
	return ord, nil
}

// SetStatus applies a validated status move on a locked row.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Order, error) {
	query := `
		UPDATE orders SET status = $2::order_status, updated_at = now()
		WHERE id = $1
		RETURNING ` + orderColumns
	ord, err := scanOrder(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: set status: %w", err)
	}
	return ord, nil
}

// SetEscrow links the custodial hold created at placement.
func (r *Repository) SetEscrow(ctx context.Context, tx pgx.Tx, id, escrowID string) (Order, error) {
	query := `
		UPDATE orders SET escrow_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + orderColumns
	ord, err := scanOrder(tx.QueryRow(ctx, query, id, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: set escrow: %w", err)
	}
	return ord, nil
}

// InsertPayment records one payment transaction with its fee breakdown.
func (r *Repository) InsertPayment(ctx context.Context, tx pgx.Tx, p PaymentTransaction) (PaymentTransaction, error) {
	query := `
		INSERT INTO payment_transactions (order_id, method, status, amount, processing_fee, platform_fee, gas_fee, tx_hash, block_number)
		VALUES ($1, $2::payment_method, $3::payment_status, $4, $5, $6, $7, $8, $9)
		RETURNING ` + paymentColumns
	out, err := scanPayment(tx.QueryRow(ctx, query,
		p.OrderID, p.Method, p.Status, p.Amount, p.ProcessingFee, p.PlatformFee, p.GasFee, p.TxHash, p.BlockNumber))
	if err != nil {
		return PaymentTransaction{}, fmt.Errorf("order: insert payment: %w", err)
	}
	return out, nil
}

// ListPayments returns an order's payment transactions, oldest first.
func (r *Repository) ListPayments(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE order_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: list payments: %w", err)
	}
	defer rows.Close()

	out := make([]PaymentTransaction, 0, 4)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("order: scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate payments: %w", err)
	}
	return out, nil
}

// SetPaymentStatus applies a payment transition, optionally attaching
// chain audit fields.
func (r *Repository) SetPaymentStatus(ctx context.Context, tx pgx.Tx, paymentID string, status PaymentStatus, txHash *string, blockNumber *int64) (PaymentTransaction, error) {
	query := `
		UPDATE payment_transactions
		SET status = $2::payment_status, tx_hash = COALESCE($3, tx_hash),
			block_number = COALESCE($4, block_number), updated_at = now()
		WHERE id = $1
		RETURNING ` + paymentColumns
	out, err := scanPayment(tx.QueryRow(ctx, query, paymentID, status, txHash, blockNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentTransaction{}, ErrNotFound
		}
		return PaymentTransaction{}, fmt.Errorf("order: set payment status: %w", err)
	}
	return out, nil
}

// GetPaymentForUpdate locks a payment transaction row.
func (r *Repository) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE id = $1 FOR UPDATE`
	out, err := scanPayment(tx.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentTransaction{}, ErrNotFound
		}
		return PaymentTransaction{}, fmt.Errorf("order: lock payment: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var ord Order
	err := row.Scan(
		&ord.ID,
		&ord.ListingID,
		&ord.BuyerID,
		&ord.SellerID,
		&ord.Amount,
		&ord.Currency,
		&ord.Status,
		&ord.EscrowID,
		&ord.CreatedAt,
		&ord.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	return ord, nil
}

func scanPayment(row pgx.Row) (PaymentTransaction, error) {
	var p PaymentTransaction
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.Method,
		&p.Status,
		&p.Amount,
		&p.ProcessingFee,
		&p.PlatformFee,
		&p.GasFee,
		&p.TxHash,
		&p.BlockNumber,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return PaymentTransaction{}, err
	}
	return p, nil
}
