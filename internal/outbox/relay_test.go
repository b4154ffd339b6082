package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/microbank-ledger/internal/ledger"
)

type fakeRepo struct {
	due       []Event
	claimErr  error
	published []int64
	failed    []int64
	delays    []time.Duration
}

func (f *fakeRepo) ClaimDue(ctx context.Context, limit int) ([]Event, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.due) {
		limit = len(f.due)
	}
	batch := f.due[:limit]
	f.due = f.due[limit:]
	return batch, nil
}

func (f *fakeRepo) MarkPublished(ctx context.Context, id int64) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id int64, delay time.Duration, lastErr string) error {
	f.failed = append(f.failed, id)
	f.delays = append(f.delays, delay)
	return nil
}

type fakePublisher struct {
	sent []ledger.Settlement
	errs map[uuid.UUID]error
}

func (f *fakePublisher) Publish(ctx context.Context, s ledger.Settlement) error {
	if err := f.errs[s.TxID]; err != nil {
		return err
	}
	f.sent = append(f.sent, s)
	return nil
}

func event(id int64, attempts int) Event {
	return Event{
		ID:       id,
		Attempts: attempts,
		Settlement: ledger.Settlement{
			TxID:         uuid.New(),
			AccountID:    uuid.New(),
			Outcome:      ledger.OutcomeApproved,
			BalanceCents: 100,
			AppliedAt:    time.Now().UTC(),
		},
	}
}

func TestDrainOncePublishesAndMarks(t *testing.T) {
	repo := &fakeRepo{due: []Event{event(1, 0), event(2, 0)}}
	pub := &fakePublisher{}

	relay := NewRelay(repo, pub, nil, Config{})
	delivered := relay.DrainOnce(context.Background())

	assert.Equal(t, 2, delivered)
	assert.Len(t, pub.sent, 2)
	assert.Equal(t, []int64{1, 2}, repo.published)
	assert.Empty(t, repo.failed)
}

func TestDrainOnceReschedulesFailures(t *testing.T) {
	good := event(1, 0)
	bad := event(2, 3)
	repo := &fakeRepo{due: []Event{good, bad}}
	pub := &fakePublisher{errs: map[uuid.UUID]error{
		bad.Settlement.TxID: errors.New("broker nacked"),
	}}

	relay := NewRelay(repo, pub, nil, Config{BackoffBase: time.Second, BackoffMax: 30 * time.Second})
	delivered := relay.DrainOnce(context.Background())

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []int64{1}, repo.published)
	assert.Equal(t, []int64{2}, repo.failed)
	require.Len(t, repo.delays, 1)
	assert.Equal(t, 8*time.Second, repo.delays[0], "third retry backs off 2^3 seconds")
}

func TestDrainOnceClaimFailure(t *testing.T) {
	repo := &fakeRepo{claimErr: errors.New("connection refused")}
	pub := &fakePublisher{}

	relay := NewRelay(repo, pub, nil, Config{})
	delivered := relay.DrainOnce(context.Background())

	assert.Zero(t, delivered)
	assert.Empty(t, pub.sent)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	pub := &fakePublisher{}
	relay := NewRelay(repo, pub, nil, Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(base, max, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 16*time.Second, backoffDelay(base, max, 4))
	assert.Equal(t, max, backoffDelay(base, max, 10))
	assert.Equal(t, max, backoffDelay(base, max, 63), "large attempt counts must not overflow")
}
