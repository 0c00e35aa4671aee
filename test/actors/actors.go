package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isDup(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique constraint
}

// Approver races to record one side's approval on the escrow. When both
// sides have approved it settles under the same row lock, mirroring the
// production release path.
func Approver(ctx context.Context, pool *pgxpool.Pool, escrowID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := approveOnce(ctx, pool, escrowID, actorID); err != nil {
			return fmt.Errorf("approver: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

func approveOnce(ctx context.Context, pool *pgxpool.Pool, escrowID, actorID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		buyer, seller, state string
		amount               int64
		resolvedAt           *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT buyer_id, seller_id, state::text, amount, resolved_at
                            FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).
		Scan(&buyer, &seller, &state, &amount, &resolvedAt)
	if err != nil {
		return err
	}
	if resolvedAt != nil || state == "disputed" {
		return nil
	}

	var next string
	switch {
	case actorID == buyer && state == "created":
		next = "buyer_approved"
	case actorID == buyer && state == "seller_approved":
		next = "both_approved"
	case actorID == seller && state == "created":
		next = "seller_approved"
	case actorID == seller && state == "buyer_approved":
		next = "both_approved"
	default:
		return nil // approvals are monotonic; repeats are no-ops
	}

	if _, err := tx.Exec(ctx, `UPDATE escrows SET state=$2::escrow_state WHERE id=$1`, escrowID, next); err != nil {
		return err
	}
	if next == "both_approved" {
		if err := settleLocked(ctx, tx, escrowID, amount); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func settleLocked(ctx context.Context, tx pgx.Tx, escrowID string, amount int64) error {
	if _, err := tx.Exec(ctx, `UPDATE escrows SET state='released', resolved_at=now()
                               WHERE id=$1 AND resolved_at IS NULL`, escrowID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `INSERT INTO settlement_entries (escrow_id, entry_type, amount_to_seller, amount_to_buyer)
                            VALUES ($1, 'release', $2, 0)`, escrowID, amount)
	if err != nil {
		if isDup(err) {
			return nil // another settler already wrote the ledger row
		}
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                           VALUES ('escrow.released', jsonb_build_object('escrow_id', $1::text))`, escrowID)
	return err
}

// Releaser fires bare release attempts against the escrow. The ledger's
// unique index is what keeps replays from double-paying.
func Releaser(ctx context.Context, pool *pgxpool.Pool, escrowID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := releaseOnce(ctx, pool, escrowID); err != nil {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func releaseOnce(ctx context.Context, pool *pgxpool.Pool, escrowID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		state      string
		amount     int64
		resolvedAt *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT state::text, amount, resolved_at FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).
		Scan(&state, &amount, &resolvedAt)
	if err != nil {
		return err
	}
	if resolvedAt != nil || state == "disputed" {
		return nil
	}
	if err := settleLocked(ctx, tx, escrowID, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Voter casts weighted votes on an open dispute, maintaining the power
// aggregates in the same transaction as the insert. The composite primary
// key rejects repeat votes from the same voter.
func Voter(ctx context.Context, pool *pgxpool.Pool, disputeID, voterID string, stop <-chan struct{}) error {
	verdicts := []string{"refund_buyer", "release_seller", "split"}
	powerColumn := map[string]string{
		"refund_buyer":   "refund_power",
		"release_seller": "release_power",
		"split":          "split_power",
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		verdict := verdicts[rand.Intn(len(verdicts))]
		power := int64(1 + rand.Intn(10))

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id=$1 FOR UPDATE`, disputeID).Scan(&status)
		if err == nil && (status == "voting" || status == "escalated") {
			_, err = tx.Exec(ctx, `INSERT INTO dispute_votes (dispute_id, voter_id, verdict, voting_power)
                                   VALUES ($1,$2,$3::dispute_verdict,$4)`, disputeID, voterID, verdict, power)
			switch {
			case err == nil:
				col := powerColumn[verdict]
				_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE disputes SET vote_count = vote_count + 1, %s = %s + $2 WHERE id = $1`, col, col),
					disputeID, power)
				if err != nil {
					_ = tx.Rollback(ctx)
					return fmt.Errorf("voter aggregate: %w", err)
				}
				_ = tx.Commit(ctx)
			case isDup(err):
				// already voted
			default:
				_ = tx.Rollback(ctx)
				return fmt.Errorf("voter insert: %w", err)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// RefundInitiator races refunds against the order's refundable balance.
// The balance check runs under the order lock so concurrent initiations
// cannot jointly exceed what the buyer paid.
func RefundInitiator(ctx context.Context, pool *pgxpool.Pool, orderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := initiateOnce(ctx, pool, orderID); err != nil {
			return fmt.Errorf("refund initiator: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

func initiateOnce(ctx context.Context, pool *pgxpool.Pool, orderID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var orderAmount int64
	if err := tx.QueryRow(ctx, `SELECT amount FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&orderAmount); err != nil {
		return err
	}
	var refunded int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount),0) FROM refunds
                                WHERE order_id=$1 AND status <> 'failed'`, orderID).Scan(&refunded); err != nil {
		return err
	}
	amount := int64(1 + rand.Intn(200))
	if refunded+amount > orderAmount {
		return nil
	}
	_, err = tx.Exec(ctx, `INSERT INTO refunds (order_id, amount, reason, idempotency_key)
                           VALUES ($1,$2,'operator',$3)`, orderID, amount, fmt.Sprintf("stress-%d", rand.Int63()))
	if err != nil {
		if isDup(err) {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

// OutboxWorker drains unpublished outbox rows with SKIP LOCKED so
// concurrent workers never double-deliver a message.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL
                                    ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
