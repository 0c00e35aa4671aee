package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var (
	ErrNotFound = errors.New("compliance: alert not found")
	// ErrAlreadyResolved signals the alert was already closed by an operator.
	ErrAlreadyResolved = errors.New("compliance: alert already resolved")
)

// Alert is a durable flag for a human operator. Alerts are raised inside
// the transaction that detected the problem and are never auto-resolved.
type Alert struct {
	ID          string
	Source      string
	ReferenceID string
	Severity    Severity
	Message     string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  *string
}

type RaiseParams struct {
	Source      string
	ReferenceID string
	Severity    Severity
	Message     string
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RaiseInTx inserts an alert inside the caller's transaction so the alert
// commits or rolls back together with the state that triggered it.
func (r *Repository) RaiseInTx(ctx context.Context, tx pgx.Tx, params RaiseParams) (Alert, error) {
	if params.Source == "" || params.ReferenceID == "" {
		return Alert{}, fmt.Errorf("compliance: source and reference id required")
	}
	if params.Severity == "" {
		params.Severity = SeverityMedium
	}

	const query = `
		INSERT INTO compliance_alerts (source, reference_id, severity, message)
		VALUES ($1, $2, $3::alert_severity, $4)
		RETURNING id, source, reference_id, severity::text, message, created_at, resolved_at, resolved_by
	`
	var a Alert
	err := tx.QueryRow(ctx, query, params.Source, params.ReferenceID, params.Severity, params.Message).
		Scan(&a.ID, &a.Source, &a.ReferenceID, &a.Severity, &a.Message, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy)
	if err != nil {
		return Alert{}, fmt.Errorf("compliance: raise alert: %w", err)
	}
	return a, nil
}

// ListOpen returns unresolved alerts, newest first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `
		SELECT id, source, reference_id, severity::text, message, created_at, resolved_at, resolved_by
		FROM compliance_alerts
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("compliance: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Alert, 0, limit)
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Source, &a.ReferenceID, &a.Severity, &a.Message, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy); err != nil {
			return nil, fmt.Errorf("compliance: scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: iterate alerts: %w", err)
	}
	return out, nil
}

// Resolve closes an alert on behalf of an operator.
func (r *Repository) Resolve(ctx context.Context, alertID, operatorID string) (Alert, error) {
	const query = `
		UPDATE compliance_alerts
		SET resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING id, source, reference_id, severity::text, message, created_at, resolved_at, resolved_by
	`
	var a Alert
	err := r.pool.QueryRow(ctx, query, alertID, operatorID).
		Scan(&a.ID, &a.Source, &a.ReferenceID, &a.Severity, &a.Message, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, fmt.Errorf("compliance: resolve alert: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM compliance_alerts WHERE id=$1)`, alertID).Scan(&exists); err != nil {
		return Alert{}, fmt.Errorf("compliance: resolve check: %w", err)
	}
	if exists {
		return Alert{}, ErrAlreadyResolved
	}
	return Alert{}, ErrNotFound
}
