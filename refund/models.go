package refund

import "time"

// Status is the refund lifecycle. A failed refund stays failed until an
// operator re-initiates; the engine never silently retries past the cap.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Reason tags why the refund was issued.
type Reason string

const (
	ReasonBuyerRequest   Reason = "buyer_request"
	ReasonDisputeVerdict Reason = "dispute_verdict"
	ReasonSellerFault    Reason = "seller_fault"
	ReasonOperator       Reason = "operator"
)

// Record mirrors the refunds table. Fee impact fields record how much of
// each original fee is clawed back alongside the principal.
type Record struct {
	ID                  string
	OrderID             string
	EscrowID            *string
	BatchID             *string
	Amount              int64
	Reason              Reason
	Status              Status
	ProviderRef         *string
	FailureCode         *string
	RetryCount          int
	ProcessingFeeImpact int64
	PlatformFeeImpact   int64
	GasFeeImpact        int64
	Reconciled          bool
	IdempotencyKey      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// ReconciliationStatus is the two-phase resolution state of a detected
// discrepancy.
type ReconciliationStatus string

const (
	ReconciliationOpen       ReconciliationStatus = "open"
	ReconciliationResolved   ReconciliationStatus = "resolved"
	ReconciliationWrittenOff ReconciliationStatus = "written_off"
)

// ReconciliationRecord captures a mismatch between what the engine
// believes was refunded and what the provider reports. Discrepancies are
// never auto-corrected; an operator resolves or writes off each one.
type ReconciliationRecord struct {
	ID                string
	RefundID          string
	ExpectedAmount    int64
	ReportedAmount    int64
	DiscrepancyAmount int64
	Status            ReconciliationStatus
	Note              *string
	ResolvedBy        *string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// BatchStatus is the lifecycle of a refund batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch groups refunds processed together. ProcessedAmount only counts
// completed items; a failed item never blocks its siblings, but any
// failure leaves the whole batch failed.
type Batch struct {
	ID              string
	Status          BatchStatus
	TotalAmount     int64
	ProcessedAmount int64
	ItemCount       int
	ProcessedCount  int
	FailedCount     int
	CreatedBy       string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}
