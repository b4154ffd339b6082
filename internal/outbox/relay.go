package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/microbank-ledger/internal/ledger"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_outbox_published_total",
		Help: "Settlement events delivered to the bus",
	})

	publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_outbox_publish_failures_total",
		Help: "Settlement publish attempts that failed and were rescheduled",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_outbox_pending",
		Help: "Settlement events awaiting delivery",
	})
)

// Repository is the outbox storage contract the relay drains.
type Repository interface {
	ClaimDue(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, delay time.Duration, lastErr string) error
}

// Publisher delivers one settlement event to the bus. A returned error means
// the delivery was not acknowledged; it is never swallowed.
type Publisher interface {
	Publish(ctx context.Context, settlement ledger.Settlement) error
}

// Config tunes the relay loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Relay periodically claims due settlement events and publishes them.
type Relay struct {
	repo      Repository
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
}

func NewRelay(repo Repository, publisher Publisher, logger *slog.Logger, cfg Config) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	return &Relay{repo: repo, publisher: publisher, logger: logger, cfg: cfg}
}

// Run drains the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		"poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)

	for {
		r.DrainOnce(ctx)
		r.updatePendingGauge(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and publishes each event, marking the row
// published on acknowledgment or rescheduling it with exponential backoff on
// failure. Returns the number of events delivered.
func (r *Relay) DrainOnce(ctx context.Context) int {
	events, err := r.repo.ClaimDue(ctx, r.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to claim outbox batch", "error", err)
		}
		return 0
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return delivered
		}

		if err := r.publisher.Publish(ctx, ev.Settlement); err != nil {
			publishFailuresTotal.Inc()
			delay := backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffMax, ev.Attempts)
			r.logger.Error("settlement publish failed",
				"tx_id", ev.Settlement.TxID,
				"attempts", ev.Attempts+1,
				"retry_in", delay,
				"error", err,
			)
			if markErr := r.repo.MarkFailed(ctx, ev.ID, delay, err.Error()); markErr != nil {
				r.logger.Error("failed to reschedule outbox row", "id", ev.ID, "error", markErr)
			}
			continue
		}

		if err := r.repo.MarkPublished(ctx, ev.ID); err != nil {
			// The event went out but the row stayed pending; the claim lease
			// will expire and the event will be re-published. Consumers
			// deduplicate on tx_id.
			r.logger.Error("failed to mark outbox row published", "id", ev.ID, "error", err)
			continue
		}

		publishedTotal.Inc()
		delivered++
	}

	return delivered
}

// pendingCounter is implemented by repositories that can report backlog size.
type pendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

func (r *Relay) updatePendingGauge(ctx context.Context) {
	pc, ok := r.repo.(pendingCounter)
	if !ok || ctx.Err() != nil {
		return
	}
	if n, err := pc.PendingCount(ctx); err == nil {
		pendingGauge.Set(float64(n))
	}
}

// backoffDelay grows the retry delay exponentially with the attempt count,
// capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
