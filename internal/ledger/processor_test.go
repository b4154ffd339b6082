package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	applied    []TransactionRequest
	settlement Settlement
	err        error
}

func (f *fakeStore) Apply(ctx context.Context, req TransactionRequest) (Settlement, error) {
	f.applied = append(f.applied, req)
	if f.err != nil {
		return Settlement{}, f.err
	}
	return f.settlement, nil
}

type fakeAuditor struct {
	payloads []string
}

func (f *fakeAuditor) Append(payload string) {
	f.payloads = append(f.payloads, payload)
}

func depositRequest(amount int64) TransactionRequest {
	return TransactionRequest{
		TxID:        uuid.New(),
		AccountID:   uuid.New(),
		Kind:        KindDeposit,
		AmountCents: amount,
		RequestedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func TestProcessApproved(t *testing.T) {
	req := depositRequest(500)
	store := &fakeStore{settlement: Settlement{
		TxID:         req.TxID,
		AccountID:    req.AccountID,
		Outcome:      OutcomeApproved,
		BalanceCents: 500,
		AppliedAt:    time.Now().UTC(),
	}}
	auditor := &fakeAuditor{}

	p := NewProcessor(store, auditor, nil)
	res, err := p.Process(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, OutcomeApproved, res.Settlement.Outcome)
	assert.Equal(t, int64(500), res.Settlement.BalanceCents)
	require.Len(t, store.applied, 1)
	assert.Equal(t, req.TxID, store.applied[0].TxID)
	require.Len(t, auditor.payloads, 1)
	assert.Contains(t, auditor.payloads[0], req.TxID.String())
	assert.Contains(t, auditor.payloads[0], "outcome=approved")
}

func TestProcessRejectedIsNotAnError(t *testing.T) {
	req := TransactionRequest{
		TxID:        uuid.New(),
		AccountID:   uuid.New(),
		Kind:        KindWithdraw,
		AmountCents: 700,
	}
	store := &fakeStore{settlement: Settlement{
		TxID:         req.TxID,
		AccountID:    req.AccountID,
		Outcome:      OutcomeRejected,
		BalanceCents: 500,
	}}

	p := NewProcessor(store, nil, nil)
	res, err := p.Process(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Settlement.Outcome)
	assert.Equal(t, int64(500), res.Settlement.BalanceCents)
}

func TestProcessDuplicateShortCircuits(t *testing.T) {
	store := &fakeStore{err: ErrDuplicateTransaction}
	auditor := &fakeAuditor{}

	p := NewProcessor(store, auditor, nil)
	res, err := p.Process(context.Background(), depositRequest(100))

	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, auditor.payloads, "a duplicate must not be re-audited")
}

func TestProcessStorageFailureIsRetryable(t *testing.T) {
	storeErr := errors.New("connection refused")
	store := &fakeStore{err: storeErr}

	p := NewProcessor(store, nil, nil)
	_, err := p.Process(context.Background(), depositRequest(100))

	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}

func TestProcessInvalidRequest(t *testing.T) {
	cases := []struct {
		name string
		req  TransactionRequest
	}{
		{"missing tx_id", TransactionRequest{AccountID: uuid.New(), Kind: KindDeposit, AmountCents: 1}},
		{"missing account_id", TransactionRequest{TxID: uuid.New(), Kind: KindDeposit, AmountCents: 1}},
		{"unknown kind", TransactionRequest{TxID: uuid.New(), AccountID: uuid.New(), Kind: "transfer", AmountCents: 1}},
		{"negative amount", TransactionRequest{TxID: uuid.New(), AccountID: uuid.New(), Kind: KindDeposit, AmountCents: -1}},
		{"zero amount", TransactionRequest{TxID: uuid.New(), AccountID: uuid.New(), Kind: KindDeposit, AmountCents: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			p := NewProcessor(store, nil, nil)

			_, err := p.Process(context.Background(), tc.req)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, store.applied, "invalid requests must not reach the store")
		})
	}
}

func TestEntrySigned(t *testing.T) {
	assert.Equal(t, int64(500), Entry{Kind: EntryCredit, AmountCents: 500}.Signed())
	assert.Equal(t, int64(-300), Entry{Kind: EntryDebit, AmountCents: 300}.Signed())
}

func TestRequestEntryKind(t *testing.T) {
	assert.Equal(t, EntryCredit, TransactionRequest{Kind: KindDeposit}.EntryKind())
	assert.Equal(t, EntryDebit, TransactionRequest{Kind: KindWithdraw}.EntryKind())
}
