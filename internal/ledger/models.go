package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Request kinds as they appear on the wire.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
)

// EntryKind is the signed direction of a ledger entry.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// Settlement outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

var (
	ErrInvalidRequest       = errors.New("invalid transaction request")
	ErrDuplicateTransaction = errors.New("transaction already settled")
)

// TransactionRequest is the inbound message consumed from the transactions
// queue. RequestedAt is client-supplied and advisory only; ordering is decided
// by the store.
type TransactionRequest struct {
	TxID        uuid.UUID `json:"tx_id"`
	AccountID   uuid.UUID `json:"account_id"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	RequestedAt string    `json:"requested_at"`
}

// Validate checks the fields the schema validator cannot express.
func (r TransactionRequest) Validate() error {
	if r.TxID == uuid.Nil {
		return errors.New("tx_id is required")
	}
	if r.AccountID == uuid.Nil {
		return errors.New("account_id is required")
	}
	if r.Kind != KindDeposit && r.Kind != KindWithdraw {
		return errors.New("kind must be deposit or withdraw")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be positive")
	}
	return nil
}

// EntryKind maps the request kind onto the entry direction.
func (r TransactionRequest) EntryKind() EntryKind {
	if r.Kind == KindDeposit {
		return EntryCredit
	}
	return EntryDebit
}

// Entry is an immutable ledger fact. ID is the store-assigned sequence number,
// used for internal ordering only. TxID is unique across all entries.
type Entry struct {
	ID          int64     `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	TxID        uuid.UUID `json:"tx_id"`
	Kind        EntryKind `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signed returns the entry's contribution to the account balance.
func (e Entry) Signed() int64 {
	if e.Kind == EntryCredit {
		return e.AmountCents
	}
	return -e.AmountCents
}

// Settlement is the outcome of one transaction request: exactly one exists per
// tx_id that ever entered the processor, approved or rejected alike.
// BalanceCents is the account balance after the transaction's effect (or the
// unchanged balance when rejected).
type Settlement struct {
	TxID         uuid.UUID `json:"tx_id"`
	AccountID    uuid.UUID `json:"account_id"`
	Outcome      string    `json:"outcome"`
	BalanceCents int64     `json:"balance_cents"`
	AppliedAt    time.Time `json:"applied_at"`
}
