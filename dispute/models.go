package dispute

import "time"

// Status is one-directional; nothing regresses out of resolved.
type Status string

const (
	StatusCreated           Status = "created"
	StatusEvidenceGathering Status = "evidence_gathering"
	StatusVoting            Status = "voting"
	StatusVerdictReached    Status = "verdict_reached"
	StatusResolved          Status = "resolved"
	StatusEscalated         Status = "escalated"
)

// Verdict is the outcome decision of a dispute.
type Verdict string

const (
	VerdictRefundBuyer   Verdict = "refund_buyer"
	VerdictReleaseSeller Verdict = "release_seller"
	VerdictSplit         Verdict = "split"
)

// ResolutionMethod selects who decides the dispute.
type ResolutionMethod string

const (
	MethodCommunityArbitrator ResolutionMethod = "community_arbitrator"
	MethodDAOVote             ResolutionMethod = "dao_vote"
	MethodAdmin               ResolutionMethod = "admin"
)

// Record mirrors the disputes table. EscrowAmount is denormalized at
// creation so refund bounds are checkable without touching the escrow
// row. The per-verdict power columns are maintained in the same
// transaction as each vote insert.
type Record struct {
	ID               string
	EscrowID         string
	EscrowAmount     int64
	ReporterID       string
	Reason           string
	DisputeType      string
	ResolutionMethod ResolutionMethod
	DAOID            string
	Status           Status
	EvidenceDeadline time.Time
	VotingDeadline   *time.Time
	Verdict          *Verdict
	RefundAmount     *int64
	Resolver         *string
	EscalatedToDAO   bool
	VoteCount        int
	RefundPower      int64
	ReleasePower     int64
	SplitPower       int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

// Evidence is append-only. Only the verified flag ever changes after
// insert, and only a moderator toggles it. Content lives behind a
// content-addressed reference; the engine never stores raw bytes.
type Evidence struct {
	ID           string
	DisputeID    string
	SubmitterID  string
	EvidenceType string
	ContentRef   string
	Verified     bool
	CreatedAt    time.Time
}

// Vote carries the voting power snapshot taken at cast time. The power is
// never recomputed, which blocks retroactive power manipulation.
type Vote struct {
	DisputeID   string
	VoterID     string
	Verdict     Verdict
	VotingPower int64
	CastAt      time.Time
}

// StateHistory is the append-only transition log for a dispute.
type StateHistory struct {
	ID         int64
	DisputeID  string
	FromStatus Status
	ToStatus   Status
	ChangedBy  *string
	Reason     string
	ChangedAt  time.Time
}

// TallyResult summarizes the weighted vote at a point in time.
type TallyResult struct {
	TotalPower   int64
	VoteCount    int
	Leader       Verdict
	LeaderPower  int64
	RunnerUp     int64
	Tied         bool
	QuorumFailed bool
}
