package escrow

import "time"

// State is the explicit escrow lifecycle. It replaces the legacy trio of
// independent booleans (buyer_approved / seller_approved / dispute_opened)
// so illegal combinations are unrepresentable.
type State string

const (
	StateCreated        State = "created"
	StateBuyerApproved  State = "buyer_approved"
	StateSellerApproved State = "seller_approved"
	StateBothApproved   State = "both_approved"
	StateDisputed       State = "disputed"
	StateReleased       State = "released"
	StateRefunded       State = "refunded"
	StateSplit          State = "split"
)

// Terminal reports whether s is a settled state.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateSplit:
		return true
	}
	return false
}

// Record mirrors the escrows table. Amount and TaxEscrowAmount are
// immutable once the row exists; no write path updates them.
type Record struct {
	ID                string
	OrderID           string
	ListingID         string
	BuyerID           string
	SellerID          string
	Amount            int64
	TaxEscrowAmount   int64
	TaxEscrowRemitted bool
	State             State
	DeliveryInfo      *string
	DeliveryConfirmed bool
	Resolver          *string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// CreateParams enumerates the fields fixed at order placement.
type CreateParams struct {
	OrderID         string
	ListingID       string
	BuyerID         string
	SellerID        string
	Amount          int64
	TaxEscrowAmount int64
}

// EntryType tags a settlement ledger entry.
type EntryType string

const (
	EntryRelease EntryType = "release"
	EntryRefund  EntryType = "refund"
	EntrySplit   EntryType = "split"
)

// SettlementEntry is the audit-symmetric ledger row written for every
// terminal transition, including a zero-refund entry on plain release.
// At most one entry exists per escrow (unique index).
type SettlementEntry struct {
	ID             string
	EscrowID       string
	EntryType      EntryType
	AmountToSeller int64
	AmountToBuyer  int64
	TaxCarveOut    int64
	CreatedAt      time.Time
}

// OpenDisputeParams is handed to the dispute engine when an escrow is
// frozen. The dispute package implements the opener against these types
// so the dependency points one way only.
type OpenDisputeParams struct {
	EscrowID         string
	EscrowAmount     int64
	ReporterID       string
	Reason           string
	DisputeType      string
	ResolutionMethod string
	DAOID            string
	EvidenceDeadline time.Time
}

// DisputeRef identifies the dispute row created for a frozen escrow.
type DisputeRef struct {
	ID               string
	EvidenceDeadline time.Time
}
