package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes classified by the store.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// Store persists ledger entries and settlement outbox rows in PostgreSQL.
// Entries are append-only: nothing ever updates or deletes a row in
// ledger_entries, and balances are always derived by aggregation.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Connect builds a pool from a connection string and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStore(pool), nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		account_id UUID NOT NULL,
		tx_id UUID NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
		ON ledger_entries (account_id, id DESC);`,

	`CREATE TABLE IF NOT EXISTS settlement_outbox (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		tx_id UUID NOT NULL UNIQUE,
		account_id UUID NOT NULL,
		outcome TEXT NOT NULL CHECK (outcome IN ('approved', 'rejected')),
		balance_cents BIGINT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'published')),
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE INDEX IF NOT EXISTS idx_settlement_outbox_pending
		ON settlement_outbox (next_attempt_at) WHERE status = 'pending';`,
}

// Migrate creates the ledger schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Apply runs the validate-then-append step for one transaction request as a
// single atomic unit scoped to the account: it takes a per-account advisory
// lock, checks the idempotency gate, derives the balance, appends the entry
// (approved withdrawals and all deposits) and records the settlement outbox
// row, all in one database transaction. Rejected outcomes write an outbox row
// but no entry.
//
// Returns ErrDuplicateTransaction when the tx_id has already been settled,
// whether by an earlier delivery or by a concurrent one that raced ahead.
func (s *Store) Apply(ctx context.Context, req TransactionRequest) (Settlement, error) {
	const maxRetries = 3

	var settlement Settlement
	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		settlement, err = s.applyOnce(ctx, req)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) &&
				(pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
				if attempt == maxRetries-1 {
					return Settlement{}, fmt.Errorf("failed to apply transaction after %d retries: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return Settlement{}, err
		}
		break
	}

	return settlement, nil
}

func (s *Store) applyOnce(ctx context.Context, req TransactionRequest) (Settlement, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.Pool.Acquire(queryCtx)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	// Serialize validate-then-append per account. There is no account row to
	// lock FOR UPDATE, so an advisory lock scoped to the transaction stands in.
	_, err = tx.Exec(queryCtx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
		req.AccountID)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to lock account: %w", err)
	}

	// Idempotency gate: one settlement per tx_id, approved or rejected alike.
	var settled bool
	err = tx.QueryRow(queryCtx,
		`SELECT EXISTS(SELECT 1 FROM settlement_outbox WHERE tx_id = $1)`,
		req.TxID).Scan(&settled)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if settled {
		return Settlement{}, ErrDuplicateTransaction
	}

	balance, err := balanceOfTx(queryCtx, tx, req.AccountID)
	if err != nil {
		return Settlement{}, err
	}

	settlement := Settlement{
		TxID:      req.TxID,
		AccountID: req.AccountID,
		Outcome:   OutcomeApproved,
		AppliedAt: time.Now().UTC(),
	}

	if req.Kind == KindWithdraw && balance < req.AmountCents {
		settlement.Outcome = OutcomeRejected
		settlement.BalanceCents = balance
	} else {
		tag, err := tx.Exec(queryCtx,
			`INSERT INTO ledger_entries (account_id, tx_id, kind, amount_cents)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tx_id) DO NOTHING`,
			req.AccountID, req.TxID, string(req.EntryKind()), req.AmountCents)
		if err != nil {
			return Settlement{}, fmt.Errorf("failed to append entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent delivery of the same tx_id raced ahead.
			return Settlement{}, ErrDuplicateTransaction
		}
		settlement.BalanceCents = balance + Entry{Kind: req.EntryKind(), AmountCents: req.AmountCents}.Signed()
	}

	tag, err := tx.Exec(queryCtx,
		`INSERT INTO settlement_outbox (tx_id, account_id, outcome, balance_cents, applied_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tx_id) DO NOTHING`,
		settlement.TxID, settlement.AccountID, settlement.Outcome,
		settlement.BalanceCents, settlement.AppliedAt)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to record settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Settlement{}, ErrDuplicateTransaction
	}

	if err := tx.Commit(queryCtx); err != nil {
		return Settlement{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return settlement, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balanceOfTx(ctx context.Context, q queryRower, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = 'credit' THEN amount_cents ELSE -amount_cents END), 0)
		 FROM ledger_entries
		 WHERE account_id = $1`,
		accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate balance: %w", err)
	}
	return balance, nil
}

// BalanceOf derives the current balance from the entry history. An account
// with no entries has balance zero; that is not an error.
func (s *Store) BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return balanceOfTx(queryCtx, s.Pool, accountID)
}

// EntriesOf returns the account's entries, newest first, bounded by limit.
func (s *Store) EntriesOf(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx,
		`SELECT id, account_id, tx_id, kind, amount_cents, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TxID, &kind, &e.AmountCents, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	return entries, nil
}

// HasTransaction reports whether the tx_id has been settled. Rejected
// transactions leave no entry, so the settlement outbox is the authority.
func (s *Store) HasTransaction(ctx context.Context, txID uuid.UUID) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var exists bool
	err := s.Pool.QueryRow(queryCtx,
		`SELECT EXISTS(SELECT 1 FROM settlement_outbox WHERE tx_id = $1)`,
		txID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.Pool.Close()
}
