package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Settled transactions by outcome",
	}, []string{"outcome"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_duplicate_deliveries_total",
		Help: "Deliveries short-circuited by the idempotency gate",
	})
)

// Applier is the slice of the store the processor writes through.
type Applier interface {
	Apply(ctx context.Context, req TransactionRequest) (Settlement, error)
}

// Auditor records settled outcomes on a tamper-evident chain.
type Auditor interface {
	Append(payload string)
}

// Result is the outcome of one processing attempt. Duplicate means the tx_id
// was already settled and nothing was written or re-emitted; Settlement is
// zero in that case.
type Result struct {
	Settlement Settlement
	Duplicate  bool
}

// Processor is the transaction-processing engine. It holds no mutable state
// of its own; any number of instances may run concurrently against a shared
// store.
type Processor struct {
	store   Applier
	auditor Auditor
	logger  *slog.Logger
}

func NewProcessor(store Applier, auditor Auditor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, auditor: auditor, logger: logger}
}

// Process settles one transaction request. Validation rejection is a definite
// outcome, never an error; errors returned here are retryable infrastructure
// failures and the caller owns re-delivery, which is safe because nothing was
// committed.
func (p *Processor) Process(ctx context.Context, req TransactionRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	settlement, err := p.store.Apply(ctx, req)
	if errors.Is(err, ErrDuplicateTransaction) {
		duplicatesTotal.Inc()
		p.logger.Warn("duplicate delivery skipped", "tx_id", req.TxID, "account_id", req.AccountID)
		return Result{Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to settle transaction %s: %w", req.TxID, err)
	}

	settlementsTotal.WithLabelValues(settlement.Outcome).Inc()
	if p.auditor != nil {
		p.auditor.Append(fmt.Sprintf("tx_id=%s account_id=%s outcome=%s balance_cents=%d",
			settlement.TxID, settlement.AccountID, settlement.Outcome, settlement.BalanceCents))
	}

	p.logger.Info("transaction settled",
		"tx_id", settlement.TxID,
		"account_id", settlement.AccountID,
		"kind", req.Kind,
		"outcome", settlement.Outcome,
		"balance_cents", settlement.BalanceCents,
	)

	return Result{Settlement: settlement}, nil
}
