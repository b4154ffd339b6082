// Package intake consumes transaction requests from the transactions queue
// and feeds them to the processing engine. Delivery is at-least-once: the
// consumer acks only after the outcome is durable, dead-letters malformed
// messages, and requeues on infrastructure failure.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/microbank-ledger/internal/ledger"
)

// TransactionRequestSchema rejects structurally malformed messages before
// decoding. Field-level rules the schema cannot express (nil UUIDs, kind
// semantics) live in ledger.TransactionRequest.Validate.
const TransactionRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tx_id", "account_id", "kind", "amount_cents"],
  "properties": {
    "tx_id": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
    },
    "account_id": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
    },
    "kind": {
      "type": "string",
      "enum": ["deposit", "withdraw"]
    },
    "amount_cents": {
      "type": "integer",
      "minimum": 1
    },
    "requested_at": {
      "type": "string"
    }
  }
}`

// ErrDeliveryChannelClosed is returned by Run when the broker closes the
// delivery stream while the consumer was still meant to be running.
var ErrDeliveryChannelClosed = errors.New("delivery channel closed by broker")

var intakeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_intake_messages_total",
	Help: "Consumed transaction messages by terminal disposition",
}, []string{"result"})

const (
	resultProcessed    = "processed"
	resultDuplicate    = "duplicate"
	resultDeadLettered = "dead_lettered"
	resultRequeued     = "requeued"
)

// Channel is the slice of an AMQP channel the consumer needs. *amqp.Channel
// satisfies it.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Processor settles one transaction request.
type Processor interface {
	Process(ctx context.Context, req ledger.TransactionRequest) (ledger.Result, error)
}

// Validator reports whether a raw message conforms to the wire contract.
type Validator interface {
	Validate(doc []byte) error
}

// Config tunes the consumer. Zero values fall back to defaults.
type Config struct {
	Queue       string
	DLXExchange string
	DLQName     string
	Workers     int
	Prefetch    int
	MaxAttempts int
	RetryBase   time.Duration
}

func (c *Config) normalize() {
	if c.Queue == "" {
		c.Queue = "ledger.transactions"
	}
	if c.DLXExchange == "" {
		c.DLXExchange = c.Queue + ".dlx"
	}
	if c.DLQName == "" {
		c.DLQName = c.Queue + ".dlq"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
}

// Consumer drains the transactions queue with a fixed worker pool.
type Consumer struct {
	ch        Channel
	processor Processor
	validator Validator
	logger    *slog.Logger
	cfg       Config
}

// NewConsumer declares the queue topology and sets the prefetch window. The
// transactions queue dead-letters rejected messages to the DLX, whose queue is
// declared here too so poison messages are never lost.
func NewConsumer(ch Channel, processor Processor, validator Validator, logger *slog.Logger, cfg Config) (*Consumer, error) {
	if ch == nil {
		return nil, errors.New("amqp channel is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()

	if err := ch.ExchangeDeclare(cfg.DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.DLQName, "", cfg.DLXExchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": cfg.DLXExchange,
	}); err != nil {
		return nil, fmt.Errorf("failed to declare transactions queue: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	return &Consumer{
		ch:        ch,
		processor: processor,
		validator: validator,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Run consumes until ctx is cancelled, then closes the channel and waits for
// in-flight workers to finish their current delivery.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.cfg.Queue, err)
	}

	go func() {
		<-ctx.Done()
		_ = c.ch.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, d)
			}
		}()
	}
	wg.Wait()

	// The delivery stream ended. If nobody asked for a stop, the broker
	// dropped us; a clean exit here would hide the outage from the
	// supervisor.
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrDeliveryChannelClosed
}

// handle settles one delivery and decides its fate: malformed or invalid
// messages go to the dead-letter queue, infrastructure failures are retried in
// process and finally requeued, everything else is acked.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if err := c.validator.Validate(d.Body); err != nil {
		c.deadLetter(d, fmt.Errorf("message failed schema validation: %w", err))
		return
	}

	var req ledger.TransactionRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.deadLetter(d, fmt.Errorf("message failed to decode: %w", err))
		return
	}

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		result, err := c.processor.Process(ctx, req)
		if errors.Is(err, ledger.ErrInvalidRequest) {
			c.deadLetter(d, err)
			return
		}
		if err == nil {
			if result.Duplicate {
				intakeMessages.WithLabelValues(resultDuplicate).Inc()
			} else {
				intakeMessages.WithLabelValues(resultProcessed).Inc()
			}
			if err := d.Ack(false); err != nil {
				c.logger.Error("failed to ack delivery", "tx_id", req.TxID, "error", err)
			}
			return
		}

		c.logger.Warn("transaction attempt failed",
			"tx_id", req.TxID,
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err,
		)

		if attempt+1 < c.cfg.MaxAttempts && !sleepCtx(ctx, retryDelay(c.cfg.RetryBase, attempt)) {
			break
		}
	}

	// Exhausted in-process retries: hand the message back to the broker. The
	// idempotency gate makes the eventual redelivery safe.
	intakeMessages.WithLabelValues(resultRequeued).Inc()
	if err := d.Nack(false, true); err != nil {
		c.logger.Error("failed to requeue delivery", "tx_id", req.TxID, "error", err)
	}
}

func (c *Consumer) deadLetter(d amqp.Delivery, cause error) {
	intakeMessages.WithLabelValues(resultDeadLettered).Inc()
	c.logger.Error("message dead-lettered", "error", cause)
	if err := d.Reject(false); err != nil {
		c.logger.Error("failed to reject delivery", "error", err)
	}
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < 5*time.Second; i++ {
		delay *= 2
	}
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
