package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"settleflow/metrics"
)

// SweepExpired advances disputes whose deadlines lapsed. Deadlines are
// enforced lazily: nothing fires the moment a window closes, the next
// sweep (or an explicit resolve) picks it up. Each dispute moves in its
// own transaction so one bad row cannot stall the batch.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.now()
	advanced := 0

	evidenceDue, err := s.repo.ListPastEvidenceDeadline(ctx, now, limit)
	if err != nil {
		return advanced, err
	}
	for _, id := range evidenceDue {
		if err := s.advanceToVoting(ctx, id); err != nil {
			slog.Warn("dispute sweep: open voting failed", "dispute_id", id, "error", err)
			continue
		}
		advanced++
	}

	votingDue, err := s.repo.ListPastVotingDeadline(ctx, now, limit)
	if err != nil {
		return advanced, err
	}
	for _, id := range votingDue {
		if err := s.finalizeExpired(ctx, id); err != nil {
			slog.Warn("dispute sweep: finalize failed", "dispute_id", id, "error", err)
			continue
		}
		advanced++
	}

	return advanced, nil
}

func (s *Service) advanceToVoting(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	// Re-check under the lock; a concurrent sweep or resolve may have
	// moved the row between listing and locking.
	if rec.Status != StatusCreated && rec.Status != StatusEvidenceGathering {
		return nil
	}
	if s.now().Before(rec.EvidenceDeadline) {
		return nil
	}

	deadline := rec.EvidenceDeadline.Add(s.cfg.Current().VotingWindow)
	if _, err := s.repo.OpenVoting(ctx, tx, id, rec.Status, deadline); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit open voting: %w", err)
	}
	return nil
}

func (s *Service) finalizeExpired(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusVoting && rec.Status != StatusEscalated {
		return nil
	}
	if rec.VotingDeadline == nil || s.now().Before(*rec.VotingDeadline) {
		return nil
	}

	resolved, err := s.finalizeLocked(ctx, tx, rec, nil)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit finalize: %w", err)
	}
	metrics.DisputesTotal.WithLabelValues(string(resolved.Status)).Inc()
	return nil
}
