package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"settleflow/config"
)

func testStore() *config.Store {
	return config.NewStore(config.Config{
		EvidenceWindow:   7 * 24 * time.Hour,
		VotingWindow:     3 * 24 * time.Hour,
		QuorumPower:      25,
		SplitRefundBasis: 50,
	})
}

func newTestService(repo *fakeRepo) (*Service, *fakePool, *fakeOutbox, *fakeOpener) {
	pool := &fakePool{}
	outbox := &fakeOutbox{}
	opener := &fakeOpener{}
	svc := NewService(pool, repo, opener, outbox, testStore())
	return svc, pool, outbox, opener
}

func TestApprove_BothSidesReleases(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", OrderID: "ord-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 10_000, State: StateCreated,
	}}
	svc, pool, outbox, _ := newTestService(repo)

	rec, err := svc.Approve(context.Background(), "esc-1", "buyer")
	if err != nil {
		t.Fatalf("buyer approve: %v", err)
	}
	if rec.State != StateBuyerApproved {
		t.Fatalf("expected buyer_approved, got %s", rec.State)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit after buyer approval")
	}

	rec, err = svc.Approve(context.Background(), "esc-1", "seller")
	if err != nil {
		t.Fatalf("seller approve: %v", err)
	}
	if rec.State != StateReleased {
		t.Fatalf("expected released after both approvals, got %s", rec.State)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 settlement entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.EntryType != EntryRelease || entry.AmountToSeller != 10_000 || entry.AmountToBuyer != 0 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if !outbox.has("escrow.released") {
		t.Errorf("expected escrow.released event, got %v", outbox.topics)
	}
}

func TestApprove_RepeatIsNoOp(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 500, State: StateBuyerApproved,
	}}
	svc, pool, _, _ := newTestService(repo)

	rec, err := svc.Approve(context.Background(), "esc-1", "buyer")
	if err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	if rec.State != StateBuyerApproved {
		t.Errorf("expected state unchanged, got %s", rec.State)
	}
	if repo.setStateCalls != 0 {
		t.Errorf("expected no state write on repeat approval")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit on no-op path")
	}
}

func TestApprove_Stranger(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 500, State: StateCreated,
	}}
	svc, pool, _, _ := newTestService(repo)

	if _, err := svc.Approve(context.Background(), "esc-1", "intruder"); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected rollback, not commit")
	}
}

func TestApprove_DisputedIsFrozen(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 500, State: StateDisputed,
	}}
	svc, _, _, _ := newTestService(repo)

	if _, err := svc.Approve(context.Background(), "esc-1", "buyer"); !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	resolved := time.Now()
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 500, State: StateReleased, ResolvedAt: &resolved,
	}}
	svc, pool, outbox, _ := newTestService(repo)

	rec, err := svc.Release(context.Background(), "esc-1")
	if err != nil {
		t.Fatalf("release replay: %v", err)
	}
	if rec.State != StateReleased {
		t.Errorf("expected released, got %s", rec.State)
	}
	if len(repo.entries) != 0 {
		t.Errorf("expected no new ledger entry on replay")
	}
	if len(outbox.topics) != 0 {
		t.Errorf("expected no events on replay, got %v", outbox.topics)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit on idempotent replay")
	}
}

func TestOpenDispute_FreezesAndCreatesDispute(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 2_000, State: StateBuyerApproved,
	}}
	svc, _, outbox, opener := newTestService(repo)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	rec, ref, err := svc.OpenDispute(context.Background(), OpenDisputeRequest{
		EscrowID:   "esc-1",
		ReporterID: "buyer",
		Reason:     "item never arrived",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if rec.State != StateDisputed {
		t.Errorf("expected disputed, got %s", rec.State)
	}
	if ref.ID == "" {
		t.Errorf("expected dispute ref")
	}
	want := base.Add(7 * 24 * time.Hour)
	if !opener.params.EvidenceDeadline.Equal(want) {
		t.Errorf("evidence deadline: got %v want %v", opener.params.EvidenceDeadline, want)
	}
	if opener.params.EscrowAmount != 2_000 {
		t.Errorf("expected escrow amount forwarded, got %d", opener.params.EscrowAmount)
	}
	if !outbox.has("dispute.opened") {
		t.Errorf("expected dispute.opened event, got %v", outbox.topics)
	}
}

func TestOpenDispute_AlreadyDisputed(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 2_000, State: StateDisputed,
	}}
	svc, _, _, _ := newTestService(repo)

	_, _, err := svc.OpenDispute(context.Background(), OpenDisputeRequest{
		EscrowID: "esc-1", ReporterID: "buyer", Reason: "again",
	})
	if !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}
}

func TestSettleInTx_SplitVerdict(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 1_000, TaxEscrowAmount: 80, State: StateDisputed,
	}}
	svc, _, outbox, _ := newTestService(repo)
	resolver := "arbitrator-7"

	rec, err := svc.SettleInTx(context.Background(), &fakeTx{}, "esc-1", 400, &resolver)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.State != StateSplit {
		t.Errorf("expected split, got %s", rec.State)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.AmountToSeller != 600 || entry.AmountToBuyer != 400 || entry.TaxCarveOut != 80 {
		t.Errorf("unexpected entry split: %+v", entry)
	}
	if !outbox.has("escrow.split_settled") {
		t.Errorf("expected escrow.split_settled event, got %v", outbox.topics)
	}
}

func TestSettleInTx_RefundTooLarge(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 1_000, State: StateDisputed,
	}}
	svc, _, _, _ := newTestService(repo)

	if _, err := svc.SettleInTx(context.Background(), &fakeTx{}, "esc-1", 1_001, nil); !errors.Is(err, ErrRefundExceedsEscrow) {
		t.Fatalf("expected ErrRefundExceedsEscrow, got %v", err)
	}
}

func TestConfirmDelivery_BuyerOnly(t *testing.T) {
	repo := &fakeRepo{rec: Record{
		ID: "esc-1", BuyerID: "buyer", SellerID: "seller",
		Amount: 500, State: StateCreated,
	}}
	svc, _, _, _ := newTestService(repo)

	if _, err := svc.ConfirmDelivery(context.Background(), "esc-1", "seller", nil); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor for seller, got %v", err)
	}

	info := "tracking ZX-1"
	rec, err := svc.ConfirmDelivery(context.Background(), "esc-1", "buyer", &info)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if !rec.DeliveryConfirmed || rec.DeliveryInfo == nil || *rec.DeliveryInfo != info {
		t.Errorf("unexpected delivery state: %+v", rec)
	}
}

type fakeRepo struct {
	rec           Record
	entries       []SettlementEntry
	setStateCalls int
}

func (f *fakeRepo) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	f.rec = Record{
		ID:              "esc-new",
		OrderID:         params.OrderID,
		BuyerID:         params.BuyerID,
		SellerID:        params.SellerID,
		Amount:          params.Amount,
		TaxEscrowAmount: params.TaxEscrowAmount,
		State:           StateCreated,
		CreatedAt:       time.Now(),
	}
	return f.rec, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return f.rec, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Record, error) {
	return f.rec, nil
}

func (f *fakeRepo) SetState(ctx context.Context, tx pgx.Tx, id string, state State) (Record, error) {
	f.setStateCalls++
	f.rec.State = state
	return f.rec, nil
}

func (f *fakeRepo) Resolve(ctx context.Context, tx pgx.Tx, id string, state State, resolver *string) (Record, error) {
	now := time.Now()
	f.rec.State = state
	f.rec.Resolver = resolver
	f.rec.ResolvedAt = &now
	return f.rec, nil
}

func (f *fakeRepo) SetDelivery(ctx context.Context, tx pgx.Tx, id string, info *string, confirmed bool) (Record, error) {
	f.rec.DeliveryInfo = info
	f.rec.DeliveryConfirmed = confirmed
	return f.rec, nil
}

func (f *fakeRepo) InsertSettlementEntry(ctx context.Context, tx pgx.Tx, entry SettlementEntry) (SettlementEntry, error) {
	if len(f.entries) > 0 {
		return SettlementEntry{}, ErrDuplicateEntry
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeOutbox) has(topic string) bool {
	for _, t := range f.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fakeOpener struct {
	params OpenDisputeParams
}

func (f *fakeOpener) OpenInTx(ctx context.Context, tx pgx.Tx, params OpenDisputeParams) (DisputeRef, error) {
	f.params = params
	return DisputeRef{ID: "disp-1", EvidenceDeadline: params.EvidenceDeadline}, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
