package order

import "time"

// Status is the order lifecycle vocabulary. The enumeration is part of
// the durable contract and must stay interoperable with existing rows.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// PaymentMethod distinguishes settlement rails.
type PaymentMethod string

const (
	MethodCrypto PaymentMethod = "crypto"
	MethodFiat   PaymentMethod = "fiat"
	MethodEscrow PaymentMethod = "escrow"
)

// PaymentStatus is the per-transaction lifecycle.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentConfirmed  PaymentStatus = "confirmed"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Order aggregates one or more payment transactions for a listing
// purchase. Amounts are integer minor units.
type Order struct {
	ID        string
	ListingID string
	BuyerID   string
	SellerID  string
	Amount    int64
	Currency  string
	Status    Status
	EscrowID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentTransaction records one movement of funds with its fee breakdown.
// TxHash and BlockNumber are opaque audit fields supplied by the chain
// observer; the engine never interprets them.
type PaymentTransaction struct {
	ID            string
	OrderID       string
	Method        PaymentMethod
	Status        PaymentStatus
	Amount        int64
	ProcessingFee int64
	PlatformFee   int64
	GasFee        int64
	TxHash        *string
	BlockNumber   *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// validTransitions is one-directional: no path leads back out of a
// terminal status.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusConfirmed, StatusFailed, StatusCancelled},
	StatusConfirmed:  {StatusCompleted, StatusFailed, StatusRefunded},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether from -> to is an allowed order status move.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentFailed},
	PaymentProcessing: {PaymentConfirmed, PaymentFailed},
	PaymentConfirmed:  {PaymentCompleted, PaymentFailed},
	PaymentCompleted:  {PaymentRefunded},
}

// CanTransitionPayment reports whether from -> to is allowed for a
// payment transaction.
func CanTransitionPayment(from, to PaymentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validPaymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
