package tax

import "time"

// Status is the liability lifecycle. Liabilities only move forward:
// pending -> calculated -> filed -> paid.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCalculated Status = "calculated"
	StatusFiled      Status = "filed"
	StatusPaid       Status = "paid"
)

// Liability is one order's tax obligation in one jurisdiction. Amounts
// are integer minor units; TaxRateBasis is the applied rate in basis
// points, kept for audit.
type Liability struct {
	ID           string
	OrderID      string
	EscrowID     *string
	Jurisdiction string
	TaxableBase  int64
	TaxRateBasis int64
	Amount       int64
	Status       Status
	PeriodStart  time.Time
	PeriodEnd    time.Time
	DueDate      time.Time
	BatchID      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FiledAt      *time.Time
	PaidAt       *time.Time
}

// BatchStatus is the remittance batch lifecycle.
type BatchStatus string

const (
	BatchOpen   BatchStatus = "open"
	BatchFiled  BatchStatus = "filed"
	BatchPaid   BatchStatus = "paid"
	BatchFailed BatchStatus = "failed"
)

// RemittanceBatch groups liabilities for one jurisdiction and period.
// TotalAmount always equals the sum of its member liabilities; both are
// written in the same transaction.
type RemittanceBatch struct {
	ID             string
	Jurisdiction   string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DueDate        time.Time
	Status         BatchStatus
	TotalAmount    int64
	LiabilityCount int
	FilingRef      *string
	CreatedAt      time.Time
	FiledAt        *time.Time
	PaidAt         *time.Time
}
