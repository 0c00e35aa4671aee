package refund

import (
	"context"
	"fmt"
	"log/slog"
)

// BatchItem is one refund inside a batch request.
type BatchItem struct {
	OrderID        string
	EscrowID       *string
	Amount         int64
	Reason         Reason
	IdempotencyKey string
}

// CreateBatch records the batch and its items in one transaction. Items
// are only recorded here; ProcessBatch moves the money.
func (s *Service) CreateBatch(ctx context.Context, createdBy string, items []BatchItem) (Batch, error) {
	if len(items) == 0 {
		return Batch{}, fmt.Errorf("refund: batch requires at least one item")
	}
	for i, item := range items {
		if item.Amount <= 0 {
			return Batch{}, fmt.Errorf("refund: batch item %d amount must be positive", i)
		}
		if item.IdempotencyKey == "" {
			return Batch{}, fmt.Errorf("refund: batch item %d idempotency key required", i)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := s.repo.CreateBatch(ctx, tx, createdBy)
	if err != nil {
		return Batch{}, fmt.Errorf("refund: create batch: %w", err)
	}

	for _, item := range items {
		if _, err := s.repo.CreateInTx(ctx, tx, CreateParams{
			OrderID:        item.OrderID,
			EscrowID:       item.EscrowID,
			BatchID:        &batch.ID,
			Amount:         item.Amount,
			Reason:         item.Reason,
			IdempotencyKey: item.IdempotencyKey,
		}); err != nil {
			return Batch{}, err
		}
		if err := s.repo.AddBatchTotals(ctx, tx, batch.ID, item.Amount); err != nil {
			return Batch{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("refund: commit batch: %w", err)
	}
	return s.repo.GetBatch(ctx, batch.ID)
}

// GetBatch returns the batch header.
func (s *Service) GetBatch(ctx context.Context, id string) (Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// ProcessBatch executes every pending item sequentially. A failed item
// is isolated: it stays failed with its alert while the rest of the batch
// continues. The batch ends completed only when every item completed;
// any failure leaves the batch failed, with processed_amount carrying
// what did go through.
func (s *Service) ProcessBatch(ctx context.Context, batchID string) (Batch, error) {
	if err := s.setBatchStatus(ctx, batchID, BatchProcessing); err != nil {
		return Batch{}, err
	}

	items, err := s.repo.ListByBatch(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}

	anyFailed := false
	for _, item := range items {
		if item.Status != StatusPending {
			continue
		}
		result, err := s.Execute(ctx, item.ID)
		if err != nil {
			slog.Warn("refund batch: item execute failed", "batch_id", batchID, "refund_id", item.ID, "error", err)
			anyFailed = true
			if err := s.recordBatchResult(ctx, batchID, item.Amount, true); err != nil {
				return Batch{}, err
			}
			continue
		}
		failed := result.Status == StatusFailed
		anyFailed = anyFailed || failed
		if err := s.recordBatchResult(ctx, batchID, item.Amount, failed); err != nil {
			return Batch{}, err
		}
	}

	final := BatchCompleted
	if anyFailed {
		final = BatchFailed
	}
	if err := s.setBatchStatus(ctx, batchID, final); err != nil {
		return Batch{}, err
	}
	return s.repo.GetBatch(ctx, batchID)
}

func (s *Service) setBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := s.repo.SetBatchStatus(ctx, tx, batchID, status); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("refund: commit batch status: %w", err)
	}
	return nil
}

func (s *Service) recordBatchResult(ctx context.Context, batchID string, amount int64, failed bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.repo.RecordBatchItemResult(ctx, tx, batchID, amount, failed); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("refund: commit batch result: %w", err)
	}
	return nil
}
