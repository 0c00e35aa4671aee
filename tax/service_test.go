package tax

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
)

var testNow = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, filer *fakeFiler) (*Service, *fakeAlerts, *fakeOutbox) {
	alerts := &fakeAlerts{}
	outbox := &fakeOutbox{}
	svc := NewService(&fakePool{}, repo, filer, alerts, outbox, config.NewStore(config.Config{}))
	svc.WithClock(func() time.Time { return testNow })
	return svc, alerts, outbox
}

func TestRecordLiability_ComputesAmountAndSchedule(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo, &fakeFiler{})

	// 8.25% of 10,000 minor units.
	rec, err := svc.RecordLiability(context.Background(), RecordLiabilityRequest{
		OrderID:      "ord-1",
		Jurisdiction: "US-CA",
		TaxableBase:  10_000,
		TaxRateBasis: 825,
		SettledAt:    testNow,
	})
	if err != nil {
		t.Fatalf("record liability: %v", err)
	}
	if rec.Amount != 825 {
		t.Errorf("amount: got %d want 825", rec.Amount)
	}
	if !rec.PeriodStart.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("period start: got %v", rec.PeriodStart)
	}
	if !rec.DueDate.Equal(time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("due date: got %v", rec.DueDate)
	}
	if rec.Status != StatusCalculated {
		t.Errorf("status: got %s", rec.Status)
	}
}

func TestRecordLiability_DuplicateJurisdiction(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo, &fakeFiler{})

	req := RecordLiabilityRequest{
		OrderID: "ord-1", Jurisdiction: "DE", TaxableBase: 100, TaxRateBasis: 1900, SettledAt: testNow,
	}
	if _, err := svc.RecordLiability(context.Background(), req); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := svc.RecordLiability(context.Background(), req); !errors.Is(err, ErrDuplicateLiability) {
		t.Fatalf("expected ErrDuplicateLiability, got %v", err)
	}
}

func TestBuildBatch_ClaimsAndTotals(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo, &fakeFiler{})

	for i, amount := range []int64{100, 250, 50} {
		if _, err := svc.RecordLiability(context.Background(), RecordLiabilityRequest{
			OrderID: fmt.Sprintf("ord-%d", i), Jurisdiction: "US-CA",
			TaxableBase: amount * 100, TaxRateBasis: 100, SettledAt: testNow,
		}); err != nil {
			t.Fatalf("seed liability %d: %v", i, err)
		}
	}
	// A different jurisdiction must not be claimed.
	if _, err := svc.RecordLiability(context.Background(), RecordLiabilityRequest{
		OrderID: "ord-de", Jurisdiction: "DE", TaxableBase: 9_999, TaxRateBasis: 1900, SettledAt: testNow,
	}); err != nil {
		t.Fatalf("seed DE liability: %v", err)
	}

	batch, err := svc.BuildBatch(context.Background(), "US-CA", testNow)
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	if batch.LiabilityCount != 3 || batch.TotalAmount != 400 {
		t.Errorf("batch totals: count=%d total=%d", batch.LiabilityCount, batch.TotalAmount)
	}

	// Everything claimable is gone; a second build finds nothing.
	if _, err := svc.BuildBatch(context.Background(), "US-CA", testNow); !errors.Is(err, ErrNothingToRemit) {
		t.Fatalf("expected ErrNothingToRemit, got %v", err)
	}
}

func TestFileAndPay_Success(t *testing.T) {
	repo := newFakeRepo()
	filer := &fakeFiler{ref: "UKTA-2026-0042"}
	svc, _, outbox := newTestService(repo, filer)

	if _, err := svc.RecordLiability(context.Background(), RecordLiabilityRequest{
		OrderID: "ord-1", Jurisdiction: "UK", TaxableBase: 5_000, TaxRateBasis: 2000, SettledAt: testNow,
	}); err != nil {
		t.Fatalf("seed liability: %v", err)
	}
	batch, err := svc.BuildBatch(context.Background(), "UK", testNow)
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}

	paid, err := svc.FileAndPay(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("file and pay: %v", err)
	}
	if paid.Status != BatchPaid {
		t.Errorf("expected paid, got %s", paid.Status)
	}
	if paid.FilingRef == nil || *paid.FilingRef != "UKTA-2026-0042" {
		t.Errorf("filing ref: got %v", paid.FilingRef)
	}
	for _, l := range repo.liabilities {
		if l.BatchID != nil && *l.BatchID == batch.ID && l.Status != StatusPaid {
			t.Errorf("liability %s not paid: %s", l.ID, l.Status)
		}
	}
	if !outbox.has("tax.filed") {
		t.Errorf("expected tax.filed event, got %v", outbox.topics)
	}
}

func TestFileAndPay_FailureSeverityScalesWithOverdue(t *testing.T) {
	repo := newFakeRepo()
	filer := &fakeFiler{err: errors.New("authority gateway 503")}
	svc, alerts, _ := newTestService(repo, filer)

	batch := repo.seedBatch(RemittanceBatch{
		Jurisdiction: "DE", Status: BatchOpen, TotalAmount: 700,
		DueDate: testNow.AddDate(0, 0, -10), // 10 days overdue
	})

	failed, err := svc.FileAndPay(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("file and pay: %v", err)
	}
	if failed.Status != BatchFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
	if len(alerts.raised) != 1 || alerts.raised[0].Severity != compliance.SeverityHigh {
		t.Errorf("expected one high severity alert, got %+v", alerts.raised)
	}
}

func TestFileAndPay_NotOpen(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo, &fakeFiler{})

	batch := repo.seedBatch(RemittanceBatch{Jurisdiction: "UK", Status: BatchPaid})
	if _, err := svc.FileAndPay(context.Background(), batch.ID); !errors.Is(err, ErrBatchNotOpen) {
		t.Fatalf("expected ErrBatchNotOpen, got %v", err)
	}
}

func TestOverdueSeverity(t *testing.T) {
	cases := []struct {
		days int
		want compliance.Severity
	}{
		{0, compliance.SeverityLow},
		{1, compliance.SeverityMedium},
		{7, compliance.SeverityMedium},
		{8, compliance.SeverityHigh},
		{30, compliance.SeverityHigh},
		{31, compliance.SeverityCritical},
	}
	for _, c := range cases {
		if got := overdueSeverity(c.days); got != c.want {
			t.Errorf("overdueSeverity(%d) = %s, want %s", c.days, got, c.want)
		}
	}
}

type fakeFiler struct {
	ref   string
	err   error
	calls int
}

func (f *fakeFiler) File(ctx context.Context, req FilingRequest) (FilingResult, error) {
	f.calls++
	if f.err != nil {
		return FilingResult{}, f.err
	}
	return FilingResult{Reference: f.ref}, nil
}

type fakeAlerts struct {
	raised []compliance.RaiseParams
}

func (f *fakeAlerts) RaiseInTx(ctx context.Context, tx pgx.Tx, params compliance.RaiseParams) (compliance.Alert, error) {
	f.raised = append(f.raised, params)
	return compliance.Alert{ID: fmt.Sprintf("alert-%d", len(f.raised))}, nil
}

type fakeRepo struct {
	liabilities map[string]*Liability
	batches     map[string]*RemittanceBatch
	seq         int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		liabilities: map[string]*Liability{},
		batches:     map[string]*RemittanceBatch{},
	}
}

func (f *fakeRepo) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRepo) seedBatch(b RemittanceBatch) RemittanceBatch {
	b.ID = f.nextID("txb")
	batch := b
	f.batches[b.ID] = &batch
	return b
}

func (f *fakeRepo) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Liability, error) {
	for _, l := range f.liabilities {
		if l.OrderID == params.OrderID && l.Jurisdiction == params.Jurisdiction {
			return Liability{}, ErrDuplicateLiability
		}
	}
	rec := &Liability{
		ID:           f.nextID("tl"),
		OrderID:      params.OrderID,
		EscrowID:     params.EscrowID,
		Jurisdiction: params.Jurisdiction,
		TaxableBase:  params.TaxableBase,
		TaxRateBasis: params.TaxRateBasis,
		Amount:       params.Amount,
		Status:       StatusCalculated,
		PeriodStart:  params.PeriodStart,
		PeriodEnd:    params.PeriodEnd,
		DueDate:      params.DueDate,
		CreatedAt:    time.Now(),
	}
	f.liabilities[rec.ID] = rec
	return *rec, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Liability, error) {
	rec, ok := f.liabilities[id]
	if !ok {
		return Liability{}, ErrNotFound
	}
	return *rec, nil
}

func (f *fakeRepo) ListByOrder(ctx context.Context, orderID string) ([]Liability, error) {
	var out []Liability
	for _, l := range f.liabilities {
		if l.OrderID == orderID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByBatch(ctx context.Context, batchID string) ([]Liability, error) {
	var out []Liability
	for _, l := range f.liabilities {
		if l.BatchID != nil && *l.BatchID == batchID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeRepo) ClaimForBatch(ctx context.Context, tx pgx.Tx, batchID, jurisdiction string, periodStart, periodEnd time.Time) ([]Liability, error) {
	var out []Liability
	for _, l := range f.liabilities {
		if l.BatchID != nil || l.Status != StatusCalculated || l.Jurisdiction != jurisdiction {
			continue
		}
		if l.PeriodStart.Before(periodStart) || l.PeriodEnd.After(periodEnd) {
			continue
		}
		id := batchID
		l.BatchID = &id
		out = append(out, *l)
	}
	return out, nil
}

func (f *fakeRepo) SetBatchLiabilityStatus(ctx context.Context, tx pgx.Tx, batchID string, status Status) error {
	for _, l := range f.liabilities {
		if l.BatchID != nil && *l.BatchID == batchID {
			l.Status = status
		}
	}
	return nil
}

func (f *fakeRepo) CreateBatch(ctx context.Context, tx pgx.Tx, b RemittanceBatch) (RemittanceBatch, error) {
	b.ID = f.nextID("txb")
	b.Status = BatchOpen
	batch := b
	f.batches[b.ID] = &batch
	return b, nil
}

func (f *fakeRepo) SetBatchTotals(ctx context.Context, tx pgx.Tx, batchID string, total int64, count int) (RemittanceBatch, error) {
	batch := f.batches[batchID]
	batch.TotalAmount = total
	batch.LiabilityCount = count
	return *batch, nil
}

func (f *fakeRepo) GetBatch(ctx context.Context, id string) (RemittanceBatch, error) {
	batch, ok := f.batches[id]
	if !ok {
		return RemittanceBatch{}, ErrNotFound
	}
	return *batch, nil
}

func (f *fakeRepo) GetBatchForUpdate(ctx context.Context, tx pgx.Tx, id string) (RemittanceBatch, error) {
	return f.GetBatch(ctx, id)
}

func (f *fakeRepo) SetBatchStatus(ctx context.Context, tx pgx.Tx, id string, status BatchStatus, filingRef *string) (RemittanceBatch, error) {
	batch, ok := f.batches[id]
	if !ok {
		return RemittanceBatch{}, ErrNotFound
	}
	now := time.Now()
	batch.Status = status
	if filingRef != nil {
		batch.FilingRef = filingRef
	}
	switch status {
	case BatchFiled:
		batch.FiledAt = &now
	case BatchPaid:
		batch.PaidAt = &now
	}
	return *batch, nil
}

func (f *fakeRepo) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]RemittanceBatch, error) {
	var out []RemittanceBatch
	for _, b := range f.batches {
		if (b.Status == BatchOpen || b.Status == BatchFailed) && b.DueDate.Before(now) {
			out = append(out, *b)
		}
	}
	return out, nil
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
