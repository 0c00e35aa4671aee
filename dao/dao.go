// Package dao resolves voting power for dispute governance. Membership
// and power live in Postgres; power snapshots are taken by the dispute
// engine at vote time.
package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// VotingPower returns the member's current power in the DAO. A missing
// membership row means zero power, not an error; the dispute engine
// rejects zero-power votes itself. An empty daoID falls back to the
// platform-wide arbitrator pool.
func (r *Repository) VotingPower(ctx context.Context, voterID, daoID string) (int64, error) {
	var (
		power int64
		err   error
	)
	if daoID == "" {
		const query = `SELECT voting_power FROM dao_members WHERE member_id = $1 AND dao_id IS NULL`
		err = r.pool.QueryRow(ctx, query, voterID).Scan(&power)
	} else {
		const query = `SELECT voting_power FROM dao_members WHERE member_id = $1 AND dao_id = $2`
		err = r.pool.QueryRow(ctx, query, voterID, daoID).Scan(&power)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("dao: voting power: %w", err)
	}
	return power, nil
}

// SetMember upserts a member's voting power.
func (r *Repository) SetMember(ctx context.Context, daoID, memberID string, power int64) error {
	if power < 0 {
		return fmt.Errorf("dao: voting power must be >= 0")
	}
	const query = `
		INSERT INTO dao_members (dao_id, member_id, voting_power)
		VALUES (NULLIF($1, ''), $2, $3)
		ON CONFLICT (dao_id, member_id) DO UPDATE SET voting_power = EXCLUDED.voting_power
	`
	if _, err := r.pool.Exec(ctx, query, daoID, memberID, power); err != nil {
		return fmt.Errorf("dao: set member: %w", err)
	}
	return nil
}
