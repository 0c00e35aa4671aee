package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/config"
	"settleflow/metrics"
)

var (
	// ErrInvalidActor signals the caller is neither buyer nor seller.
	ErrInvalidActor = errors.New("escrow: actor is neither buyer nor seller")
	// ErrAlreadyResolved signals the escrow reached a terminal state.
	ErrAlreadyResolved = errors.New("escrow: already resolved")
	// ErrAlreadyDisputed signals a dispute already exists for the escrow.
	ErrAlreadyDisputed = errors.New("escrow: already disputed")
	// ErrDisputeOpen signals the operation is frozen while a dispute is pending.
	ErrDisputeOpen = errors.New("escrow: dispute open")
	// ErrRefundExceedsEscrow signals a settlement refund above the held amount.
	ErrRefundExceedsEscrow = errors.New("escrow: refund amount exceeds escrow amount")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data access the service needs.
type Repo interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, state State) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, state State, resolver *string) (Record, error)
	SetDelivery(ctx context.Context, tx pgx.Tx, id string, info *string, confirmed bool) (Record, error)
	InsertSettlementEntry(ctx context.Context, tx pgx.Tx, entry SettlementEntry) (SettlementEntry, error)
}

// DisputeOpener creates the dispute row when an escrow is frozen. The
// dispute package provides the implementation.
type DisputeOpener interface {
	OpenInTx(ctx context.Context, tx pgx.Tx, params OpenDisputeParams) (DisputeRef, error)
}

// OutboxWriter appends settlement events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repo
	disputes DisputeOpener
	outbox   OutboxWriter
	cfg      *config.Store
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repo, disputes DisputeOpener, outbox OutboxWriter, cfg *config.Store) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		disputes: disputes,
		outbox:   outbox,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDisputeOpener installs the opener after construction. The dispute
// engine needs the escrow service to settle verdicts, so the two are
// built in sequence and linked here.
func (s *Service) WithDisputeOpener(opener DisputeOpener) *Service {
	s.disputes = opener
	return s
}

// Create opens a new custodial hold. Normally called through
// order.Service.Place inside the placement transaction; exposed for
// direct use by backfills.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CreateInTx(ctx, tx, params)
	if err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "escrow.created", map[string]any{
		"escrow_id": rec.ID,
		"order_id":  rec.OrderID,
		"amount":    rec.Amount,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// Get returns the escrow without locking.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// Approve records buyer or seller approval. Approvals are monotonic; a
// repeat approval by the same side is a no-op. When both sides have
// approved and no dispute gates the escrow, the hold is released in the
// same transaction.
func (s *Service) Approve(ctx context.Context, escrowID, actorID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if rec.ResolvedAt != nil {
		return Record{}, ErrAlreadyResolved
	}
	if rec.State == StateDisputed {
		return Record{}, ErrDisputeOpen
	}

	var next State
	switch actorID {
	case rec.BuyerID:
		switch rec.State {
		case StateCreated:
			next = StateBuyerApproved
		case StateSellerApproved:
			next = StateBothApproved
		default:
			// already recorded; monotonic no-op
			return rec, tx.Commit(ctx)
		}
	case rec.SellerID:
		switch rec.State {
		case StateCreated:
			next = StateSellerApproved
		case StateBuyerApproved:
			next = StateBothApproved
		default:
			return rec, tx.Commit(ctx)
		}
	default:
		return Record{}, ErrInvalidActor
	}

	rec, err = s.repo.SetState(ctx, tx, escrowID, next)
	if err != nil {
		return Record{}, err
	}

	if next == StateBothApproved {
		rec, err = s.settleLocked(ctx, tx, rec, 0, nil)
		if err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit approve: %w", err)
	}
	if rec.State == StateReleased {
		metrics.SettlementsTotal.WithLabelValues(string(EntryRelease)).Inc()
	}
	return rec, nil
}

// OpenDisputeRequest freezes an escrow pending resolution.
type OpenDisputeRequest struct {
	EscrowID         string
	ReporterID       string
	Reason           string
	DisputeType      string
	ResolutionMethod string
	DAOID            string
}

// OpenDispute freezes the escrow and creates the dispute row. Allowed for
// the buyer, the seller, or a moderator/risk actor; a pending dispute
// always gates payout regardless of approval progress.
func (s *Service) OpenDispute(ctx context.Context, req OpenDisputeRequest) (Record, DisputeRef, error) {
	if req.Reason == "" {
		return Record{}, DisputeRef{}, fmt.Errorf("escrow: dispute reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, DisputeRef{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, req.EscrowID)
	if err != nil {
		return Record{}, DisputeRef{}, err
	}
	if rec.ResolvedAt != nil {
		return Record{}, DisputeRef{}, ErrAlreadyResolved
	}
	if rec.State == StateDisputed {
		return Record{}, DisputeRef{}, ErrAlreadyDisputed
	}

	rec, err = s.repo.SetState(ctx, tx, req.EscrowID, StateDisputed)
	if err != nil {
		return Record{}, DisputeRef{}, err
	}

	ref, err := s.disputes.OpenInTx(ctx, tx, OpenDisputeParams{
		EscrowID:         rec.ID,
		EscrowAmount:     rec.Amount,
		ReporterID:       req.ReporterID,
		Reason:           req.Reason,
		DisputeType:      req.DisputeType,
		ResolutionMethod: req.ResolutionMethod,
		DAOID:            req.DAOID,
		EvidenceDeadline: s.now().Add(s.cfg.Current().EvidenceWindow),
	})
	if err != nil {
		return Record{}, DisputeRef{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
		"escrow_id":   rec.ID,
		"dispute_id":  ref.ID,
		"reporter_id": req.ReporterID,
	}); err != nil {
		return Record{}, DisputeRef{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, DisputeRef{}, fmt.Errorf("escrow: commit dispute open: %w", err)
	}
	return rec, ref, nil
}

// Release settles the escrow to the seller. Idempotent: a second call
// returns the already-resolved record without writing a duplicate ledger
// entry, so retried event delivery cannot double-pay.
func (s *Service) Release(ctx context.Context, escrowID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if rec.ResolvedAt != nil {
		return rec, tx.Commit(ctx)
	}
	if rec.State == StateDisputed {
		return Record{}, ErrDisputeOpen
	}

	rec, err = s.settleLocked(ctx, tx, rec, 0, nil)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(EntryRelease)).Inc()
	return rec, nil
}

// ConfirmDelivery marks the buyer's delivery confirmation.
func (s *Service) ConfirmDelivery(ctx context.Context, escrowID, actorID string, info *string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if rec.ResolvedAt != nil {
		return Record{}, ErrAlreadyResolved
	}
	if actorID != rec.BuyerID {
		return Record{}, ErrInvalidActor
	}

	rec, err = s.repo.SetDelivery(ctx, tx, escrowID, info, true)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit delivery: %w", err)
	}
	return rec, nil
}

// SettleInTx applies a dispute verdict inside the caller's transaction.
// refundAmount is the share returned to the buyer; the remainder goes to
// the seller. Idempotent on already-resolved rows.
func (s *Service) SettleInTx(ctx context.Context, tx pgx.Tx, escrowID string, refundAmount int64, resolver *string) (Record, error) {
	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if rec.ResolvedAt != nil {
		return rec, nil
	}
	return s.settleLocked(ctx, tx, rec, refundAmount, resolver)
}

// settleLocked finishes a settlement on a row the transaction already
// locked. It writes the terminal state, the single ledger entry and the
// settlement event together.
func (s *Service) settleLocked(ctx context.Context, tx pgx.Tx, rec Record, refundAmount int64, resolver *string) (Record, error) {
	if refundAmount < 0 || refundAmount > rec.Amount {
		return Record{}, ErrRefundExceedsEscrow
	}

	var (
		terminal State
		entry    EntryType
		topic    string
	)
	switch {
	case refundAmount == 0:
		terminal, entry, topic = StateReleased, EntryRelease, "escrow.released"
	case refundAmount == rec.Amount:
		terminal, entry, topic = StateRefunded, EntryRefund, "escrow.refunded"
	default:
		terminal, entry, topic = StateSplit, EntrySplit, "escrow.split_settled"
	}

	resolved, err := s.repo.Resolve(ctx, tx, rec.ID, terminal, resolver)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.repo.InsertSettlementEntry(ctx, tx, SettlementEntry{
		EscrowID:       rec.ID,
		EntryType:      entry,
		AmountToSeller: rec.Amount - refundAmount,
		AmountToBuyer:  refundAmount,
		TaxCarveOut:    rec.TaxEscrowAmount,
	}); err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"escrow_id":        rec.ID,
		"order_id":         rec.OrderID,
		"amount_to_seller": rec.Amount - refundAmount,
		"amount_to_buyer":  refundAmount,
	}); err != nil {
		return Record{}, err
	}

	return resolved, nil
}
