package order

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"settleflow/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data access the service needs.
type Repo interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Order, error)
	SetEscrow(ctx context.Context, tx pgx.Tx, id, escrowID string) (Order, error)
	InsertPayment(ctx context.Context, tx pgx.Tx, p PaymentTransaction) (PaymentTransaction, error)
	ListPayments(ctx context.Context, orderID string) ([]PaymentTransaction, error)
	SetPaymentStatus(ctx context.Context, tx pgx.Tx, paymentID string, status PaymentStatus, txHash *string, blockNumber *int64) (PaymentTransaction, error)
	GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (PaymentTransaction, error)
}

// EscrowCreator opens the custodial hold inside the placement
// transaction.
type EscrowCreator interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params escrow.CreateParams) (escrow.Record, error)
}

// OutboxWriter appends order events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool    TxBeginner
	repo    Repo
	escrows EscrowCreator
	outbox  OutboxWriter
}

func NewService(pool TxBeginner, repo Repo, escrows EscrowCreator, outbox OutboxWriter) *Service {
	return &Service{pool: pool, repo: repo, escrows: escrows, outbox: outbox}
}

// PlaceRequest opens an order with its initial payment transaction.
type PlaceRequest struct {
	ListingID       string
	BuyerID         string
	SellerID        string
	Amount          int64
	Currency        string
	Method          PaymentMethod
	ProcessingFee   int64
	PlatformFee     int64
	GasFee          int64
	TaxEscrowAmount int64
}

// Place creates the order, its payment transaction and the custodial
// hold in a single transaction. Funds enter custody the moment the order
// exists; there is no window where an order has no escrow backing it.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Order, error) {
	if req.Method == "" {
		req.Method = MethodEscrow
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.CreateInTx(ctx, tx, CreateParams{
		ListingID: req.ListingID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		return Order{}, err
	}

	if _, err := s.repo.InsertPayment(ctx, tx, PaymentTransaction{
		OrderID:       ord.ID,
		Method:        req.Method,
		Status:        PaymentPending,
		Amount:        req.Amount,
		ProcessingFee: req.ProcessingFee,
		PlatformFee:   req.PlatformFee,
		GasFee:        req.GasFee,
	}); err != nil {
		return Order{}, err
	}

	hold, err := s.escrows.CreateInTx(ctx, tx, escrow.CreateParams{
		OrderID:         ord.ID,
		ListingID:       ord.ListingID,
		BuyerID:         ord.BuyerID,
		SellerID:        ord.SellerID,
		Amount:          ord.Amount,
		TaxEscrowAmount: req.TaxEscrowAmount,
	})
	if err != nil {
		return Order{}, err
	}
	ord, err = s.repo.SetEscrow(ctx, tx, ord.ID, hold.ID)
	if err != nil {
		return Order{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "order.placed", map[string]any{
		"order_id":  ord.ID,
		"escrow_id": hold.ID,
		"amount":    ord.Amount,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit place: %w", err)
	}
	return ord, nil
}

// Get returns the order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.repo.Get(ctx, id)
}

// GetForUpdate locks the order row inside the caller's transaction. The
// refund engine uses it to serialize balance checks per order.
func (s *Service) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	return s.repo.GetForUpdate(ctx, tx, id)
}

// Payments returns the order's payment transactions.
func (s *Service) Payments(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	return s.repo.ListPayments(ctx, orderID)
}

// Transition moves the order through its one-directional status graph.
func (s *Service) Transition(ctx context.Context, orderID string, to Status) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(ord.Status, to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, ord.Status, to)
	}
	if ord.Status == to {
		return ord, tx.Commit(ctx)
	}

	ord, err = s.repo.SetStatus(ctx, tx, orderID, to)
	if err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit transition: %w", err)
	}
	return ord, nil
}

// TransitionPayment moves a payment transaction, attaching chain audit
// fields when the observer supplies them.
func (s *Service) TransitionPayment(ctx context.Context, paymentID string, to PaymentStatus, txHash *string, blockNumber *int64) (PaymentTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentTransaction{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return PaymentTransaction{}, err
	}
	if !CanTransitionPayment(p.Status, to) {
		return PaymentTransaction{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, p.Status, to)
	}
	if p.Status == to {
		return p, tx.Commit(ctx)
	}

	p, err = s.repo.SetPaymentStatus(ctx, tx, paymentID, to, txHash, blockNumber)
	if err != nil {
		return PaymentTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentTransaction{}, fmt.Errorf("order: commit payment transition: %w", err)
	}
	return p, nil
}

// MarkRefundedInTx flips the order to refunded inside the refund
// engine's completing transaction.
func (s *Service) MarkRefundedInTx(ctx context.Context, tx pgx.Tx, orderID string) error {
	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.Status == StatusRefunded {
		return nil
	}
	if !CanTransition(ord.Status, StatusRefunded) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, ord.Status, StatusRefunded)
	}
	if _, err := s.repo.SetStatus(ctx, tx, orderID, StatusRefunded); err != nil {
		return err
	}
	return nil
}
