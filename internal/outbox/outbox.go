// Package outbox drains settlement events recorded by the ledger store and
// publishes them to the settlement bus. Rows are written in the same database
// transaction as the ledger entry, so a publish failure or a crash between
// write and publish can never lose a settlement; delivery to the bus is
// at-least-once and consumers deduplicate on tx_id.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/microbank-ledger/internal/ledger"
)

// Event is one claimed outbox row.
type Event struct {
	ID         int64
	Attempts   int
	Settlement ledger.Settlement
}

// PostgresRepository reads and updates the settlement_outbox table.
type PostgresRepository struct {
	Pool *pgxpool.Pool

	// ClaimLease is how long a claimed row stays invisible to other relay
	// instances before it becomes due again.
	ClaimLease time.Duration
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool, ClaimLease: 30 * time.Second}
}

// ClaimDue leases up to limit due pending rows. The lease is taken by pushing
// next_attempt_at forward, so a relay crash mid-publish only delays the row,
// it never loses it. SKIP LOCKED keeps concurrent relay instances from
// claiming the same rows.
func (r *PostgresRepository) ClaimDue(ctx context.Context, limit int) ([]Event, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.Pool.Query(queryCtx,
		`UPDATE settlement_outbox
		 SET next_attempt_at = now() + make_interval(secs => $2)
		 WHERE id IN (
			SELECT id FROM settlement_outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, attempts, tx_id, account_id, outcome, balance_cents, applied_at`,
		limit, r.ClaimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Attempts,
			&ev.Settlement.TxID, &ev.Settlement.AccountID, &ev.Settlement.Outcome,
			&ev.Settlement.BalanceCents, &ev.Settlement.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox rows: %w", err)
	}

	return events, nil
}

// MarkPublished finalizes a delivered event.
func (r *PostgresRepository) MarkPublished(ctx context.Context, id int64) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.Pool.Exec(queryCtx,
		`UPDATE settlement_outbox
		 SET status = 'published', published_at = now(), last_error = NULL
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row published: %w", err)
	}
	return nil
}

// MarkFailed records a publish failure and schedules the next attempt. Rows
// stay pending forever; a settlement announcement is never dropped.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, delay time.Duration, lastErr string) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.Pool.Exec(queryCtx,
		`UPDATE settlement_outbox
		 SET attempts = attempts + 1,
		     next_attempt_at = now() + make_interval(secs => $2),
		     last_error = $3
		 WHERE id = $1`,
		id, delay.Seconds(), lastErr)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row failed: %w", err)
	}
	return nil
}

// PendingCount reports rows not yet published.
func (r *PostgresRepository) PendingCount(ctx context.Context) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int64
	err := r.Pool.QueryRow(queryCtx,
		`SELECT COUNT(*) FROM settlement_outbox WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox rows: %w", err)
	}
	return n, nil
}
