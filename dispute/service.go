package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/config"
	"settleflow/escrow"
	"settleflow/metrics"
)

var (
	// ErrEvidenceClosed signals the evidence window has passed.
	ErrEvidenceClosed = errors.New("dispute: evidence window closed")
	// ErrVotingNotOpen signals a vote cast before the voting phase.
	ErrVotingNotOpen = errors.New("dispute: voting not open")
	// ErrVotingClosed signals a vote cast after the voting deadline.
	ErrVotingClosed = errors.New("dispute: voting closed")
	// ErrVotingOpen signals a resolve attempt while votes are still being
	// accepted. Only an admin override cuts through an open vote.
	ErrVotingOpen = errors.New("dispute: voting still open")
	// ErrAlreadyResolved signals the dispute reached its terminal status.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrNoVotingPower signals the voter holds no power in the governing DAO.
	ErrNoVotingPower = errors.New("dispute: voter has no voting power")
	// ErrRefundTooLarge signals a verdict refund above the escrowed amount.
	ErrRefundTooLarge = errors.New("dispute: refund exceeds escrow amount")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the data access the service needs.
type Repo interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByEscrow(ctx context.Context, escrowID string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, changedBy *string, reason string) (Record, error)
	OpenVoting(ctx context.Context, tx pgx.Tx, id string, from Status, deadline time.Time) (Record, error)
	Escalate(ctx context.Context, tx pgx.Tx, id string, from Status, deadline time.Time, reason string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id string, from Status, verdict Verdict, refundAmount int64, resolver *string) (Record, error)
	InsertEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error)
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
	SetEvidenceVerified(ctx context.Context, evidenceID string, verified bool) (Evidence, error)
	InsertVote(ctx context.Context, tx pgx.Tx, vote Vote) (Vote, error)
	ListVotes(ctx context.Context, disputeID string) ([]Vote, error)
	ListHistory(ctx context.Context, disputeID string) ([]StateHistory, error)
	ListPastEvidenceDeadline(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListPastVotingDeadline(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// EscrowSettler pays out the frozen escrow inside the resolving
// transaction, so verdict and payout commit or roll back together.
type EscrowSettler interface {
	SettleInTx(ctx context.Context, tx pgx.Tx, escrowID string, refundAmount int64, resolver *string) (escrow.Record, error)
}

// PowerProvider snapshots a voter's power in the governing DAO at cast
// time.
type PowerProvider interface {
	VotingPower(ctx context.Context, voterID, daoID string) (int64, error)
}

// OutboxWriter appends dispute events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool    TxBeginner
	repo    Repo
	escrows EscrowSettler
	power   PowerProvider
	outbox  OutboxWriter
	cfg     *config.Store
	now     func() time.Time
}

func NewService(pool TxBeginner, repo Repo, escrows EscrowSettler, power PowerProvider, outbox OutboxWriter, cfg *config.Store) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		escrows: escrows,
		power:   power,
		outbox:  outbox,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenInTx implements the opener the escrow service calls when freezing a
// hold. It runs inside the escrow's transaction.
func (s *Service) OpenInTx(ctx context.Context, tx pgx.Tx, params escrow.OpenDisputeParams) (escrow.DisputeRef, error) {
	rec, err := s.repo.CreateInTx(ctx, tx, CreateParams{
		EscrowID:         params.EscrowID,
		EscrowAmount:     params.EscrowAmount,
		ReporterID:       params.ReporterID,
		Reason:           params.Reason,
		DisputeType:      params.DisputeType,
		ResolutionMethod: ResolutionMethod(params.ResolutionMethod),
		DAOID:            params.DAOID,
		EvidenceDeadline: params.EvidenceDeadline,
	})
	if err != nil {
		return escrow.DisputeRef{}, err
	}
	return escrow.DisputeRef{ID: rec.ID, EvidenceDeadline: rec.EvidenceDeadline}, nil
}

// Get returns the dispute without locking.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// GetByEscrow returns the dispute attached to an escrow.
func (s *Service) GetByEscrow(ctx context.Context, escrowID string) (Record, error) {
	return s.repo.GetByEscrow(ctx, escrowID)
}

// ListEvidence returns the evidence submitted so far.
func (s *Service) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	return s.repo.ListEvidence(ctx, disputeID)
}

// ListVotes returns the votes cast so far.
func (s *Service) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	return s.repo.ListVotes(ctx, disputeID)
}

// History returns the full transition log.
func (s *Service) History(ctx context.Context, disputeID string) ([]StateHistory, error) {
	return s.repo.ListHistory(ctx, disputeID)
}

// SubmitEvidenceRequest carries one evidence submission.
type SubmitEvidenceRequest struct {
	DisputeID    string
	SubmitterID  string
	EvidenceType string
	ContentRef   string
}

// SubmitEvidence appends evidence while the window is open. The first
// submission moves the dispute from created to evidence_gathering.
func (s *Service) SubmitEvidence(ctx context.Context, req SubmitEvidenceRequest) (Evidence, error) {
	if req.ContentRef == "" {
		return Evidence{}, fmt.Errorf("dispute: evidence content reference required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, req.DisputeID)
	if err != nil {
		return Evidence{}, err
	}
	if rec.Status != StatusCreated && rec.Status != StatusEvidenceGathering {
		return Evidence{}, ErrEvidenceClosed
	}
	if !s.now().Before(rec.EvidenceDeadline) {
		return Evidence{}, ErrEvidenceClosed
	}

	if rec.Status == StatusCreated {
		if _, err := s.repo.SetStatus(ctx, tx, rec.ID, StatusCreated, StatusEvidenceGathering, &req.SubmitterID, "first evidence submitted"); err != nil {
			return Evidence{}, err
		}
	}

	ev, err := s.repo.InsertEvidence(ctx, tx, Evidence{
		DisputeID:    req.DisputeID,
		SubmitterID:  req.SubmitterID,
		EvidenceType: req.EvidenceType,
		ContentRef:   req.ContentRef,
	})
	if err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return ev, nil
}

// VerifyEvidence flips the moderator verification flag.
func (s *Service) VerifyEvidence(ctx context.Context, evidenceID string, verified bool) (Evidence, error) {
	return s.repo.SetEvidenceVerified(ctx, evidenceID, verified)
}

// CastVoteRequest carries one weighted vote.
type CastVoteRequest struct {
	DisputeID string
	VoterID   string
	Verdict   Verdict
}

// CastVote records a weighted vote during the voting phase. The voter's
// power is snapshotted at cast time and never recomputed. One vote per
// voter; repeats return ErrDuplicateVote.
func (s *Service) CastVote(ctx context.Context, req CastVoteRequest) (Vote, error) {
	switch req.Verdict {
	case VerdictRefundBuyer, VerdictReleaseSeller, VerdictSplit:
	default:
		return Vote{}, fmt.Errorf("dispute: unknown verdict %q", req.Verdict)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Vote{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, req.DisputeID)
	if err != nil {
		return Vote{}, err
	}
	switch rec.Status {
	case StatusVoting, StatusEscalated:
	case StatusResolved, StatusVerdictReached:
		return Vote{}, ErrVotingClosed
	default:
		return Vote{}, ErrVotingNotOpen
	}
	if rec.VotingDeadline != nil && !s.now().Before(*rec.VotingDeadline) {
		return Vote{}, ErrVotingClosed
	}

	power, err := s.power.VotingPower(ctx, req.VoterID, rec.DAOID)
	if err != nil {
		return Vote{}, fmt.Errorf("dispute: fetch voting power: %w", err)
	}
	if power <= 0 {
		return Vote{}, ErrNoVotingPower
	}

	vote, err := s.repo.InsertVote(ctx, tx, Vote{
		DisputeID:   req.DisputeID,
		VoterID:     req.VoterID,
		Verdict:     req.Verdict,
		VotingPower: power,
	})
	if err != nil {
		return Vote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Vote{}, fmt.Errorf("dispute: commit vote: %w", err)
	}
	return vote, nil
}

// ResolveRequest finalizes a dispute. Without Override the vote is
// tallied; with Override an admin imposes Verdict directly, using
// RefundAmount only for a split verdict.
type ResolveRequest struct {
	DisputeID    string
	ResolverID   string
	Override     bool
	Verdict      Verdict
	RefundAmount int64
}

// Resolve finalizes the dispute and settles the escrow in one
// transaction. The community path requires the voting deadline to have
// passed; the admin path short-circuits the vote.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, req.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusResolved {
		return Record{}, ErrAlreadyResolved
	}

	if req.Override {
		rec, err = s.resolveLocked(ctx, tx, rec, req.Verdict, s.overrideRefund(rec, req), &req.ResolverID)
	} else {
		switch rec.Status {
		case StatusVoting, StatusEscalated:
		default:
			return Record{}, ErrVotingNotOpen
		}
		if rec.VotingDeadline == nil || s.now().Before(*rec.VotingDeadline) {
			return Record{}, ErrVotingOpen
		}
		rec, err = s.finalizeLocked(ctx, tx, rec, &req.ResolverID)
	}
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	metrics.DisputesTotal.WithLabelValues(string(rec.Status)).Inc()
	return rec, nil
}

func (s *Service) overrideRefund(rec Record, req ResolveRequest) int64 {
	if req.Verdict == VerdictSplit {
		return req.RefundAmount
	}
	return verdictRefund(req.Verdict, rec.EscrowAmount, s.cfg.Current().SplitRefundBasis)
}

// finalizeLocked tallies the vote on a locked dispute. Quorum failure or
// a tie escalates to the DAO; a tie at the DAO level falls back to the
// configured split. A clear leader resolves and settles immediately.
func (s *Service) finalizeLocked(ctx context.Context, tx pgx.Tx, rec Record, resolver *string) (Record, error) {
	cfg := s.cfg.Current()
	result := tally(rec, cfg.QuorumPower)

	if result.QuorumFailed || result.Tied {
		if !rec.EscalatedToDAO {
			reason := "quorum not met"
			if result.Tied {
				reason = "vote tied"
			}
			deadline := s.now().Add(cfg.VotingWindow)
			escalated, err := s.repo.Escalate(ctx, tx, rec.ID, rec.Status, deadline, reason)
			if err != nil {
				return Record{}, err
			}
			if err := s.outbox.Enqueue(ctx, tx, "dispute.escalated", map[string]any{
				"dispute_id": rec.ID,
				"escrow_id":  rec.EscrowID,
				"reason":     reason,
			}); err != nil {
				return Record{}, err
			}
			return escalated, nil
		}
		// DAO round still inconclusive: settle down the middle rather than
		// hold funds hostage indefinitely.
		return s.resolveLocked(ctx, tx, rec, VerdictSplit,
			verdictRefund(VerdictSplit, rec.EscrowAmount, cfg.SplitRefundBasis), resolver)
	}

	return s.resolveLocked(ctx, tx, rec, result.Leader,
		verdictRefund(result.Leader, rec.EscrowAmount, cfg.SplitRefundBasis), resolver)
}

// resolveLocked writes the verdict, settles the escrow and emits the
// resolution event, all in the caller's transaction.
func (s *Service) resolveLocked(ctx context.Context, tx pgx.Tx, rec Record, verdict Verdict, refundAmount int64, resolver *string) (Record, error) {
	switch verdict {
	case VerdictRefundBuyer, VerdictReleaseSeller, VerdictSplit:
	default:
		return Record{}, fmt.Errorf("dispute: unknown verdict %q", verdict)
	}
	if refundAmount < 0 || refundAmount > rec.EscrowAmount {
		return Record{}, ErrRefundTooLarge
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, rec.ID, rec.Status, verdict, refundAmount, resolver)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.escrows.SettleInTx(ctx, tx, rec.EscrowID, refundAmount, resolver); err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
		"dispute_id":    rec.ID,
		"escrow_id":     rec.EscrowID,
		"verdict":       string(verdict),
		"refund_amount": refundAmount,
	}); err != nil {
		return Record{}, err
	}
	return resolved, nil
}
