package refund

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"settleflow/compliance"
	"settleflow/config"
	"settleflow/order"
)

func testStore() *config.Store {
	return config.NewStore(config.Config{
		MaxRefundRetries: 2,
		RetryBaseDelay:   time.Millisecond,
	})
}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	orders   *fakeOrders
	provider *scriptedProvider
	alerts   *fakeAlerts
	outbox   *fakeOutbox
	delays   []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newFakeRepo(),
		orders:   &fakeOrders{orders: map[string]order.Order{}},
		provider: &scriptedProvider{},
		alerts:   &fakeAlerts{},
		outbox:   &fakeOutbox{},
	}
	f.svc = NewService(&fakePool{}, f.repo, f.orders, f.provider, f.alerts, f.outbox, testStore())
	f.svc.WithSleeper(func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	})
	return f
}

func TestInitiate_BalanceCheck(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 1_000}
	f.repo.add(Record{ID: "rf-prior", OrderID: "ord-1", Amount: 600, Status: StatusCompleted})

	_, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: "ord-1", Amount: 500, Reason: ReasonBuyerRequest, IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrAmountExceedsOrder) {
		t.Fatalf("expected ErrAmountExceedsOrder, got %v", err)
	}

	rec, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: "ord-1", Amount: 400, Reason: ReasonBuyerRequest, IdempotencyKey: "k2",
	})
	if err != nil {
		t.Fatalf("initiate within balance: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("expected pending, got %s", rec.Status)
	}
	if !f.outbox.has("refund.initiated") {
		t.Errorf("expected refund.initiated event, got %v", f.outbox.topics)
	}
}

func TestInitiate_BalanceCheckedUnderOrderLock(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 100}

	if _, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: "ord-1", Amount: 80, Reason: ReasonBuyerRequest, IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	// A second initiation with its own key must see the first one even
	// though it has not completed yet: the sum runs inside the insert
	// transaction while the order row is locked.
	if _, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: "ord-1", Amount: 80, Reason: ReasonBuyerRequest, IdempotencyKey: "k2",
	}); !errors.Is(err, ErrAmountExceedsOrder) {
		t.Fatalf("expected ErrAmountExceedsOrder, got %v", err)
	}
	if f.orders.locked["ord-1"] != 2 {
		t.Errorf("expected the order row locked on each initiation, got %d locks", f.orders.locked["ord-1"])
	}
}

func TestInitiate_FailedRefundsDoNotCount(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 1_000}
	f.repo.add(Record{ID: "rf-failed", OrderID: "ord-1", Amount: 1_000, Status: StatusFailed})

	if _, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: "ord-1", Amount: 1_000, Reason: ReasonOperator, IdempotencyKey: "k-retry",
	}); err != nil {
		t.Fatalf("expected failed refund to free the balance, got %v", err)
	}
}

func TestExecute_RetriesTransientThenCompletes(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 1_000}
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusPending, IdempotencyKey: "k1"})
	f.provider.script = []error{
		&ProviderError{Code: "rate_limited", Retryable: true},
		&ProviderError{Code: "rate_limited", Retryable: true},
		nil,
	}

	rec, err := f.svc.Execute(context.Background(), "rf-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Errorf("expected 2 retries recorded, got %d", rec.RetryCount)
	}
	// Exponential backoff doubles the base delay each attempt.
	if len(f.delays) != 2 || f.delays[0] != time.Millisecond || f.delays[1] != 2*time.Millisecond {
		t.Errorf("unexpected backoff schedule: %v", f.delays)
	}
	if !f.outbox.has("refund.completed") {
		t.Errorf("expected refund.completed event, got %v", f.outbox.topics)
	}
	if f.orders.refunded["ord-1"] {
		t.Errorf("partial refund must not flip the order")
	}
}

func TestExecute_FullRefundFlipsOrder(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 400}
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusPending, IdempotencyKey: "k1"})

	if _, err := f.svc.Execute(context.Background(), "rf-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !f.orders.refunded["ord-1"] {
		t.Errorf("expected full refund to mark the order refunded")
	}
}

func TestExecute_PermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 400}
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusPending, IdempotencyKey: "k1"})
	f.provider.script = []error{&ProviderError{Code: "account_closed", Retryable: false}}

	rec, err := f.svc.Execute(context.Background(), "rf-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.FailureCode == nil || *rec.FailureCode != "account_closed" {
		t.Errorf("failure code: got %v", rec.FailureCode)
	}
	if len(f.delays) != 0 {
		t.Errorf("permanent failure must not back off, slept %v", f.delays)
	}
	if len(f.alerts.raised) != 1 || f.alerts.raised[0].Severity != compliance.SeverityHigh {
		t.Errorf("expected one high severity alert, got %+v", f.alerts.raised)
	}
	if !f.outbox.has("refund.failed") {
		t.Errorf("expected refund.failed event, got %v", f.outbox.topics)
	}
}

func TestExecute_RetryCapExhausted(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 400}
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusPending, IdempotencyKey: "k1"})
	f.provider.alwaysErr = &ProviderError{Code: "timeout", Retryable: true}

	rec, err := f.svc.Execute(context.Background(), "rf-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed at retry cap, got %s", rec.Status)
	}
	// cap 2 retries: 3 provider calls, 2 sleeps
	if f.provider.calls != 3 {
		t.Errorf("expected 3 provider calls, got %d", f.provider.calls)
	}
	if len(f.alerts.raised) != 1 {
		t.Errorf("expected compliance alert at cap, got %d", len(f.alerts.raised))
	}
}

func TestExecute_NotPending(t *testing.T) {
	f := newFixture(t)
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusCompleted})

	if _, err := f.svc.Execute(context.Background(), "rf-1"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if f.provider.calls != 0 {
		t.Errorf("provider must not be called for a non-pending refund")
	}
}

func TestReconcile_MatchMarksReconciled(t *testing.T) {
	f := newFixture(t)
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusCompleted})

	rec, discrepancy, err := f.svc.Reconcile(context.Background(), "rf-1", 400)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if discrepancy != nil {
		t.Fatalf("expected no discrepancy on match, got %+v", discrepancy)
	}
	if !rec.Reconciled {
		t.Errorf("expected refund marked reconciled")
	}
	if !f.outbox.has("refund.reconciled") {
		t.Errorf("expected refund.reconciled event, got %v", f.outbox.topics)
	}
}

func TestReconcile_MismatchOpensDiscrepancy(t *testing.T) {
	f := newFixture(t)
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusCompleted})

	rec, discrepancy, err := f.svc.Reconcile(context.Background(), "rf-1", 350)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if discrepancy == nil {
		t.Fatalf("expected discrepancy record")
	}
	if discrepancy.DiscrepancyAmount != 50 {
		t.Errorf("discrepancy amount: got %d want 50", discrepancy.DiscrepancyAmount)
	}
	if rec.Reconciled {
		t.Errorf("mismatch must not auto-reconcile the refund")
	}
	if len(f.alerts.raised) != 1 {
		t.Errorf("expected one alert, got %d", len(f.alerts.raised))
	}
}

func TestResolveReconciliation_ResolvedFlagsRefund(t *testing.T) {
	f := newFixture(t)
	f.repo.add(Record{ID: "rf-1", OrderID: "ord-1", Amount: 400, Status: StatusCompleted})
	f.repo.reconciliations["rc-1"] = &ReconciliationRecord{
		ID: "rc-1", RefundID: "rf-1", ExpectedAmount: 400, ReportedAmount: 350,
		DiscrepancyAmount: 50, Status: ReconciliationOpen,
	}

	rec, err := f.svc.ResolveReconciliation(context.Background(), "rc-1", ReconciliationResolved, nil, "op-1")
	if err != nil {
		t.Fatalf("resolve reconciliation: %v", err)
	}
	if rec.Status != ReconciliationResolved {
		t.Errorf("expected resolved, got %s", rec.Status)
	}
	if !f.repo.refunds["rf-1"].Reconciled {
		t.Errorf("expected refund flagged reconciled after resolution")
	}
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["ord-1"] = order.Order{ID: "ord-1", Amount: 100}
	f.orders.orders["ord-2"] = order.Order{ID: "ord-2", Amount: 200}
	f.provider.perKey = map[string]error{
		"k2": &ProviderError{Code: "account_closed", Retryable: false},
	}

	batch, err := f.svc.CreateBatch(context.Background(), "op-1", []BatchItem{
		{OrderID: "ord-1", Amount: 100, Reason: ReasonOperator, IdempotencyKey: "k1"},
		{OrderID: "ord-2", Amount: 150, Reason: ReasonOperator, IdempotencyKey: "k2"},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batch.ItemCount != 2 || batch.TotalAmount != 250 {
		t.Fatalf("batch totals: %+v", batch)
	}

	final, err := f.svc.ProcessBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if final.Status != BatchFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if final.ProcessedCount != 2 || final.FailedCount != 1 {
		t.Errorf("batch counters: %+v", final)
	}
	if final.ProcessedAmount != 100 {
		t.Errorf("processed amount must exclude failures, got %d", final.ProcessedAmount)
	}
}

type scriptedProvider struct {
	script    []error
	alwaysErr error
	perKey    map[string]error
	calls     int
}

func (p *scriptedProvider) SubmitRefund(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	p.calls++
	if err, ok := p.perKey[req.IdempotencyKey]; ok && err != nil {
		return ProviderResult{}, err
	}
	if p.alwaysErr != nil {
		return ProviderResult{}, p.alwaysErr
	}
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		if err != nil {
			return ProviderResult{}, err
		}
	}
	return ProviderResult{Reference: fmt.Sprintf("prov-%d", p.calls)}, nil
}

type fakeOrders struct {
	orders   map[string]order.Order
	refunded map[string]bool
	locked   map[string]int
}

func (f *fakeOrders) Get(ctx context.Context, id string) (order.Order, error) {
	ord, ok := f.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return ord, nil
}

func (f *fakeOrders) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (order.Order, error) {
	if f.locked == nil {
		f.locked = map[string]int{}
	}
	f.locked[id]++
	return f.Get(ctx, id)
}

func (f *fakeOrders) MarkRefundedInTx(ctx context.Context, tx pgx.Tx, orderID string) error {
	if f.refunded == nil {
		f.refunded = map[string]bool{}
	}
	f.refunded[orderID] = true
	return nil
}

type fakeAlerts struct {
	raised []compliance.RaiseParams
}

func (f *fakeAlerts) RaiseInTx(ctx context.Context, tx pgx.Tx, params compliance.RaiseParams) (compliance.Alert, error) {
	f.raised = append(f.raised, params)
	return compliance.Alert{ID: fmt.Sprintf("alert-%d", len(f.raised))}, nil
}

type fakeRepo struct {
	refunds         map[string]*Record
	reconciliations map[string]*ReconciliationRecord
	batches         map[string]*Batch
	seq             int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		refunds:         map[string]*Record{},
		reconciliations: map[string]*ReconciliationRecord{},
		batches:         map[string]*Batch{},
	}
}

func (f *fakeRepo) add(rec Record) {
	r := rec
	f.refunds[r.ID] = &r
}

func (f *fakeRepo) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRepo) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	for _, r := range f.refunds {
		if r.IdempotencyKey == params.IdempotencyKey {
			return Record{}, ErrDuplicateKey
		}
	}
	rec := &Record{
		ID:             f.nextID("rf"),
		OrderID:        params.OrderID,
		EscrowID:       params.EscrowID,
		BatchID:        params.BatchID,
		Amount:         params.Amount,
		Reason:         params.Reason,
		Status:         StatusPending,
		IdempotencyKey: params.IdempotencyKey,
		CreatedAt:      time.Now(),
	}
	f.refunds[rec.ID] = rec
	return *rec, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Record, error) {
	rec, ok := f.refunds[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) SumNonFailedInTx(ctx context.Context, tx pgx.Tx, orderID string) (int64, error) {
	var total int64
	for _, r := range f.refunds {
		if r.OrderID == orderID && r.Status != StatusFailed {
			total += r.Amount
		}
	}
	return total, nil
}

func (f *fakeRepo) ListByOrder(ctx context.Context, orderID string) ([]Record, error) {
	var out []Record
	for _, r := range f.refunds {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByBatch(ctx context.Context, batchID string) ([]Record, error) {
	var out []Record
	for _, r := range f.refunds {
		if r.BatchID != nil && *r.BatchID == batchID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkProcessing(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	f.refunds[id].Status = StatusProcessing
	return *f.refunds[id], nil
}

func (f *fakeRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, id, providerRef string) (Record, error) {
	rec := f.refunds[id]
	now := time.Now()
	rec.Status = StatusCompleted
	rec.ProviderRef = &providerRef
	rec.CompletedAt = &now
	return *rec, nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id, failureCode string) (Record, error) {
	rec := f.refunds[id]
	rec.Status = StatusFailed
	rec.FailureCode = &failureCode
	return *rec, nil
}

func (f *fakeRepo) IncrementRetry(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	f.refunds[id].RetryCount++
	return *f.refunds[id], nil
}

func (f *fakeRepo) SetReconciled(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	f.refunds[id].Reconciled = true
	return *f.refunds[id], nil
}

func (f *fakeRepo) InsertReconciliation(ctx context.Context, tx pgx.Tx, rec ReconciliationRecord) (ReconciliationRecord, error) {
	rec.ID = f.nextID("rc")
	rec.Status = ReconciliationOpen
	r := rec
	f.reconciliations[rec.ID] = &r
	return rec, nil
}

func (f *fakeRepo) ListOpenReconciliations(ctx context.Context, limit int) ([]ReconciliationRecord, error) {
	var out []ReconciliationRecord
	for _, r := range f.reconciliations {
		if r.Status == ReconciliationOpen {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRepo) CloseReconciliation(ctx context.Context, tx pgx.Tx, id string, status ReconciliationStatus, note *string, operatorID string) (ReconciliationRecord, error) {
	rec, ok := f.reconciliations[id]
	if !ok {
		return ReconciliationRecord{}, ErrNotFound
	}
	if rec.Status != ReconciliationOpen {
		return ReconciliationRecord{}, ErrReconciliationClosed
	}
	now := time.Now()
	rec.Status = status
	rec.Note = note
	rec.ResolvedBy = &operatorID
	rec.ResolvedAt = &now
	return *rec, nil
}

func (f *fakeRepo) CreateBatch(ctx context.Context, tx pgx.Tx, createdBy string) (Batch, error) {
	batch := &Batch{ID: f.nextID("batch"), Status: BatchPending, CreatedBy: createdBy, CreatedAt: time.Now()}
	f.batches[batch.ID] = batch
	return *batch, nil
}

func (f *fakeRepo) GetBatch(ctx context.Context, id string) (Batch, error) {
	batch, ok := f.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return *batch, nil
}

func (f *fakeRepo) GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (Batch, error) {
	return f.GetBatch(ctx, id)
}

func (f *fakeRepo) AddBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, amount int64) error {
	batch := f.batches[batchID]
	batch.TotalAmount += amount
	batch.ItemCount++
	return nil
}

func (f *fakeRepo) SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus) (Batch, error) {
	batch, ok := f.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	batch.Status = status
	if status == BatchCompleted || status == BatchFailed {
		now := time.Now()
		batch.CompletedAt = &now
	}
	return *batch, nil
}

func (f *fakeRepo) RecordBatchItemResult(ctx context.Context, tx pgx.Tx, batchID string, amount int64, failed bool) error {
	batch := f.batches[batchID]
	batch.ProcessedCount++
	if failed {
		batch.FailedCount++
	} else {
		batch.ProcessedAmount += amount
	}
	return nil
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
