package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics published by the settlement engine. The notification layer fans
// these out; the engine never waits for delivery.
const (
	TopicEscrowCreated    = "escrow.created"
	TopicEscrowReleased   = "escrow.released"
	TopicEscrowRefunded   = "escrow.refunded"
	TopicEscrowSplit      = "escrow.split_settled"
	TopicDisputeOpened    = "dispute.opened"
	TopicDisputeEscalated = "dispute.escalated"
	TopicDisputeResolved  = "dispute.resolved"
	TopicOrderPlaced      = "order.placed"
	TopicRefundInitiated  = "refund.initiated"
	TopicRefundCompleted  = "refund.completed"
	TopicRefundFailed     = "refund.failed"
	TopicRefundReconciled = "refund.reconciled"
	TopicTaxFiled         = "tax.filed"
	TopicComplianceAlert  = "compliance.alert"
)

// Writer appends messages to the transactional outbox. Enqueue must be
// called inside the transaction that applies the state change it reports.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
