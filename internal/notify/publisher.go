// Package notify delivers settlement events to the settlement exchange with
// publisher confirms, so an unacknowledged delivery surfaces as an error
// instead of disappearing.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/microbank-ledger/internal/ledger"
)

var (
	ErrPublishNacked  = errors.New("settlement was nacked by broker")
	ErrConfirmTimeout = errors.New("settlement confirmation timed out")
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// Channel is the slice of an AMQP channel the publisher needs. *amqp.Channel
// satisfies it.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes settlement events on a dedicated confirm-mode channel.
// Publishes are serialized and confirmations are matched by delivery tag, so
// a confirmation that arrives after its publish timed out can never be
// attributed to a later message.
type Publisher struct {
	ch             Channel
	exchange       string
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	mu             sync.Mutex

	// tag counts publishes on the channel; confirm-mode delivery tags start
	// at 1 and increment per publish.
	tag uint64
}

// NewPublisher declares the settlement exchange and puts the channel in
// confirm mode. The channel must be dedicated to this publisher.
func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("amqp channel is required")
	}
	if exchange == "" {
		return nil, errors.New("settlement exchange name is required")
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare settlement exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable confirm mode: %w", err)
	}

	return &Publisher{
		ch:             ch,
		exchange:       exchange,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		confirmTimeout: DefaultConfirmTimeout,
	}, nil
}

// Publish sends one settlement event and waits for the broker confirmation.
// The message is persistent, keyed by tx_id, and routed by outcome
// (settlement.approved / settlement.rejected).
func (p *Publisher) Publish(ctx context.Context, settlement ledger.Settlement) error {
	body, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("failed to encode settlement %s: %w", settlement.TxID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, "settlement."+settlement.Outcome, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    settlement.TxID.String(),
			Timestamp:    settlement.AppliedAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish settlement %s: %w", settlement.TxID, err)
	}

	p.tag++
	expected := p.tag

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirmation, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("settlement %s: confirmation channel closed: %w", settlement.TxID, ErrConfirmTimeout)
			}
			// A stale confirmation for a publish that already timed out.
			// Discard it; reporting it as this message's ack would let the
			// relay mark an unconfirmed settlement published.
			if confirmation.DeliveryTag < expected {
				continue
			}
			if confirmation.DeliveryTag != expected {
				return fmt.Errorf("settlement %s: confirmation tag %d does not match publish tag %d: %w",
					settlement.TxID, confirmation.DeliveryTag, expected, ErrConfirmTimeout)
			}
			if !confirmation.Ack {
				return fmt.Errorf("settlement %s: %w", settlement.TxID, ErrPublishNacked)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("settlement %s: %w", settlement.TxID, ErrConfirmTimeout)
		case <-ctx.Done():
			return fmt.Errorf("settlement %s: %w", settlement.TxID, ctx.Err())
		}
	}
}

// Close releases the underlying channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
