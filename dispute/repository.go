package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicateVote signals a second cast by the same voter; the first
	// vote stands, it is never overwritten.
	ErrDuplicateVote = errors.New("dispute: voter already cast a vote")
	// ErrEvidenceNotFound is returned when the evidence row does not exist.
	ErrEvidenceNotFound = errors.New("dispute: evidence not found")
	// ErrEscrowDisputed signals a second dispute against the same escrow;
	// the loser of a create race gets this, the first dispute stands.
	ErrEscrowDisputed = errors.New("dispute: escrow already disputed")
)

const recordColumns = `id, escrow_id, escrow_amount, reporter_id, reason, dispute_type,
	resolution_method::text, dao_id, status::text, evidence_deadline, voting_deadline,
	verdict::text, refund_amount, resolver, escalated_to_dao, vote_count,
	refund_power, release_power, split_power, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields fixed when an escrow is frozen.
type CreateParams struct {
	EscrowID         string
	EscrowAmount     int64
	ReporterID       string
	Reason           string
	DisputeType      string
	ResolutionMethod ResolutionMethod
	DAOID            string
	EvidenceDeadline time.Time
}

// CreateInTx inserts the dispute row inside the escrow-freezing
// transaction. The unique index on escrow_id backs the one-dispute-per-
// escrow invariant.
func (r *Repository) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	if params.ResolutionMethod == "" {
		params.ResolutionMethod = MethodCommunityArbitrator
	}
	query := `
		INSERT INTO disputes (escrow_id, escrow_amount, reporter_id, reason, dispute_type,
			resolution_method, dao_id, status, evidence_deadline)
		VALUES ($1, $2, $3, $4, $5, $6::resolution_method, $7, 'created', $8)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.EscrowID, params.EscrowAmount, params.ReporterID, params.Reason,
		params.DisputeType, params.ResolutionMethod, nullable(params.DAOID), params.EvidenceDeadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrEscrowDisputed
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if err := r.appendHistory(ctx, tx, rec.ID, "", StatusCreated, &params.ReporterID, params.Reason); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get fetches a dispute without locking.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// GetByEscrow fetches the dispute attached to an escrow.
func (r *Repository) GetByEscrow(ctx context.Context, escrowID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE escrow_id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by escrow: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the dispute row; every transition serializes here.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

// SetStatus moves a locked dispute to the next status and appends the
// transition to the history log in the same transaction.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, changedBy *string, reason string) (Record, error) {
	query := `
		UPDATE disputes SET status = $2::dispute_status, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, to))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: set status: %w", err)
	}
	if err := r.appendHistory(ctx, tx, id, from, to, changedBy, reason); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// OpenVoting moves a locked dispute into the voting phase.
func (r *Repository) OpenVoting(ctx context.Context, tx pgx.Tx, id string, from Status, deadline time.Time) (Record, error) {
	query := `
		UPDATE disputes SET status = 'voting', voting_deadline = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, deadline))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: open voting: %w", err)
	}
	if err := r.appendHistory(ctx, tx, id, from, StatusVoting, nil, "evidence window closed"); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Escalate hands a locked dispute to DAO-level resolution and restarts
// the voting window for the DAO round.
func (r *Repository) Escalate(ctx context.Context, tx pgx.Tx, id string, from Status, deadline time.Time, reason string) (Record, error) {
	query := `
		UPDATE disputes
		SET status = 'escalated', escalated_to_dao = true,
			resolution_method = 'dao_vote', voting_deadline = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, deadline))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: escalate: %w", err)
	}
	if err := r.appendHistory(ctx, tx, id, from, StatusEscalated, nil, reason); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkResolved stamps verdict, resolver and resolved_at on a locked row.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id string, from Status, verdict Verdict, refundAmount int64, resolver *string) (Record, error) {
	query := `
		UPDATE disputes
		SET status = 'resolved', verdict = $2::dispute_verdict, refund_amount = $3,
			resolver = $4, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING ` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, verdict, refundAmount, resolver))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	if err := r.appendHistory(ctx, tx, id, from, StatusResolved, resolver, fmt.Sprintf("verdict %s", verdict)); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// InsertEvidence appends one evidence row.
func (r *Repository) InsertEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error) {
	const query = `
		INSERT INTO dispute_evidence (dispute_id, submitter_id, evidence_type, content_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING id, dispute_id, submitter_id, evidence_type, content_ref, verified, created_at
	`
	var out Evidence
	err := tx.QueryRow(ctx, query, ev.DisputeID, ev.SubmitterID, ev.EvidenceType, ev.ContentRef).
		Scan(&out.ID, &out.DisputeID, &out.SubmitterID, &out.EvidenceType, &out.ContentRef, &out.Verified, &out.CreatedAt)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: insert evidence: %w", err)
	}
	return out, nil
}

// ListEvidence returns the append-only evidence list, oldest first.
func (r *Repository) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	const query = `
		SELECT id, dispute_id, submitter_id, evidence_type, content_ref, verified, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmitterID, &ev.EvidenceType, &ev.ContentRef, &ev.Verified, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

// SetEvidenceVerified toggles the single mutable evidence field.
func (r *Repository) SetEvidenceVerified(ctx context.Context, evidenceID string, verified bool) (Evidence, error) {
	const query = `
		UPDATE dispute_evidence SET verified = $2
		WHERE id = $1
		RETURNING id, dispute_id, submitter_id, evidence_type, content_ref, verified, created_at
	`
	var out Evidence
	err := r.pool.QueryRow(ctx, query, evidenceID, verified).
		Scan(&out.ID, &out.DisputeID, &out.SubmitterID, &out.EvidenceType, &out.ContentRef, &out.Verified, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrEvidenceNotFound
		}
		return Evidence{}, fmt.Errorf("dispute: verify evidence: %w", err)
	}
	return out, nil
}

// InsertVote appends the vote and folds its power into the aggregate
// columns in the same transaction, replacing the legacy counter triggers.
func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, vote Vote) (Vote, error) {
	const insertSQL = `
		INSERT INTO dispute_votes (dispute_id, voter_id, verdict, voting_power)
		VALUES ($1, $2, $3::dispute_verdict, $4)
		RETURNING dispute_id, voter_id, verdict::text, voting_power, cast_at
	`
	var out Vote
	err := tx.QueryRow(ctx, insertSQL, vote.DisputeID, vote.VoterID, vote.Verdict, vote.VotingPower).
		Scan(&out.DisputeID, &out.VoterID, &out.Verdict, &out.VotingPower, &out.CastAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Vote{}, ErrDuplicateVote
		}
		return Vote{}, fmt.Errorf("dispute: insert vote: %w", err)
	}

	var column string
	switch vote.Verdict {
	case VerdictRefundBuyer:
		column = "refund_power"
	case VerdictReleaseSeller:
		column = "release_power"
	case VerdictSplit:
		column = "split_power"
	default:
		return Vote{}, fmt.Errorf("dispute: unknown verdict %q", vote.Verdict)
	}

	updateSQL := fmt.Sprintf(
		`UPDATE disputes SET vote_count = vote_count + 1, %s = %s + $2, updated_at = now() WHERE id = $1`,
		column, column)
	if _, err := tx.Exec(ctx, updateSQL, vote.DisputeID, vote.VotingPower); err != nil {
		return Vote{}, fmt.Errorf("dispute: update vote aggregates: %w", err)
	}
	return out, nil
}

// ListVotes returns all votes for a dispute, oldest first.
func (r *Repository) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	const query = `
		SELECT dispute_id, voter_id, verdict::text, voting_power, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY cast_at ASC
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 8)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.VoterID, &v.Verdict, &v.VotingPower, &v.CastAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return out, nil
}

// ListHistory returns the transition log for a dispute.
func (r *Repository) ListHistory(ctx context.Context, disputeID string) ([]StateHistory, error) {
	const query = `
		SELECT id, dispute_id, COALESCE(from_status::text, ''), to_status::text, changed_by, reason, changed_at
		FROM dispute_state_history
		WHERE dispute_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list history: %w", err)
	}
	defer rows.Close()

	out := make([]StateHistory, 0, 8)
	for rows.Next() {
		var h StateHistory
		if err := rows.Scan(&h.ID, &h.DisputeID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.Reason, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate history: %w", err)
	}
	return out, nil
}

// ListPastEvidenceDeadline returns ids of disputes the sweep should move
// into voting.
func (r *Repository) ListPastEvidenceDeadline(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT id FROM disputes
		WHERE status IN ('created','evidence_gathering') AND evidence_deadline <= $1
		ORDER BY evidence_deadline ASC
		LIMIT $2
	`, now, limit)
}

// ListPastVotingDeadline returns ids of disputes the sweep should tally.
func (r *Repository) ListPastVotingDeadline(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT id FROM disputes
		WHERE status IN ('voting','escalated') AND voting_deadline <= $1
		ORDER BY voting_deadline ASC
		LIMIT $2
	`, now, limit)
}

func (r *Repository) listIDs(ctx context.Context, query string, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate ids: %w", err)
	}
	return ids, nil
}

func (r *Repository) appendHistory(ctx context.Context, tx pgx.Tx, disputeID string, from, to Status, changedBy *string, reason string) error {
	var fromVal any
	if from != "" {
		fromVal = string(from)
	}
	const query = `
		INSERT INTO dispute_state_history (dispute_id, from_status, to_status, changed_by, reason)
		VALUES ($1, $2::dispute_status, $3::dispute_status, $4, $5)
	`
	if _, err := tx.Exec(ctx, query, disputeID, fromVal, to, changedBy, reason); err != nil {
		return fmt.Errorf("dispute: append history: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		verdict *string
		daoID   *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.EscrowAmount,
		&rec.ReporterID,
		&rec.Reason,
		&rec.DisputeType,
		&rec.ResolutionMethod,
		&daoID,
		&rec.Status,
		&rec.EvidenceDeadline,
		&rec.VotingDeadline,
		&verdict,
		&rec.RefundAmount,
		&rec.Resolver,
		&rec.EscalatedToDAO,
		&rec.VoteCount,
		&rec.RefundPower,
		&rec.ReleasePower,
		&rec.SplitPower,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if verdict != nil {
		v := Verdict(*verdict)
		rec.Verdict = &v
	}
	if daoID != nil {
		rec.DAOID = *daoID
	}
	return rec, nil
}
