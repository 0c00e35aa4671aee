package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_settlement_entry",
			SQL: `SELECT escrow_id, COUNT(*) FROM settlement_entries
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_entry_conserves_amount",
			SQL: `SELECT se.escrow_id FROM settlement_entries se
                  JOIN escrows e ON e.id = se.escrow_id
                  WHERE se.amount_to_seller + se.amount_to_buyer <> e.amount`,
		},
		{
			Name: "O3_terminal_state_resolved",
			SQL: `SELECT id FROM escrows
                  WHERE (state IN ('released','refunded','split')) <> (resolved_at IS NOT NULL)`,
		},
		{
			Name: "O4_resolved_has_ledger_row",
			SQL: `SELECT e.id FROM escrows e
                  LEFT JOIN settlement_entries se ON se.escrow_id = e.id
                  WHERE e.resolved_at IS NOT NULL AND se.id IS NULL`,
		},
		{
			Name: "O5_dispute_amount_mirrors_escrow",
			SQL: `SELECT d.id FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.escrow_amount <> e.amount`,
		},
		{
			Name: "O6_vote_aggregates_match_rows",
			SQL: `WITH sums AS (
                      SELECT dispute_id,
                             COUNT(*) AS n,
                             COALESCE(SUM(voting_power) FILTER (WHERE verdict = 'refund_buyer'), 0)   AS rp,
                             COALESCE(SUM(voting_power) FILTER (WHERE verdict = 'release_seller'), 0) AS lp,
                             COALESCE(SUM(voting_power) FILTER (WHERE verdict = 'split'), 0)          AS sp
                      FROM dispute_votes GROUP BY dispute_id)
                  SELECT d.id FROM disputes d
                  LEFT JOIN sums s ON s.dispute_id = d.id
                  WHERE d.vote_count    <> COALESCE(s.n, 0)
                     OR d.refund_power  <> COALESCE(s.rp, 0)
                     OR d.release_power <> COALESCE(s.lp, 0)
                     OR d.split_power   <> COALESCE(s.sp, 0)`,
		},
		{
			Name: "O7_refunds_within_order_amount",
			SQL: `SELECT r.order_id FROM refunds r
                  JOIN orders o ON o.id = r.order_id
                  WHERE r.status <> 'failed'
                  GROUP BY r.order_id, o.amount HAVING SUM(r.amount) > o.amount`,
		},
		{
			Name: "O8_refund_batch_totals",
			SQL: `SELECT b.id FROM refund_batches b
                  JOIN refunds r ON r.batch_id = b.id
                  GROUP BY b.id, b.total_amount HAVING SUM(r.amount) <> b.total_amount`,
		},
		{
			Name: "O9_resolved_dispute_settles_escrow",
			SQL: `SELECT d.id FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status = 'resolved' AND e.resolved_at IS NULL`,
		},
		{
			Name: "O10_tax_batch_totals",
			SQL: `SELECT b.id FROM tax_remittance_batches b
                  JOIN tax_liabilities l ON l.batch_id = b.id
                  GROUP BY b.id, b.total_amount, b.liability_count
                  HAVING SUM(l.amount) <> b.total_amount OR COUNT(*) <> b.liability_count`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
