package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/example/microbank-ledger/internal/api"
	"github.com/example/microbank-ledger/internal/config"
	"github.com/example/microbank-ledger/internal/intake"
	"github.com/example/microbank-ledger/internal/ledger"
	"github.com/example/microbank-ledger/internal/notify"
	"github.com/example/microbank-ledger/internal/outbox"
	"github.com/example/microbank-ledger/internal/security"
	"github.com/example/microbank-ledger/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ledger exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(rootCtx); err != nil {
		return err
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumeCh, err := conn.Channel()
	if err != nil {
		return err
	}
	publishCh, err := conn.Channel()
	if err != nil {
		return err
	}

	auditor, closeAudit, err := newAuditor(cfg.AuditSink)
	if err != nil {
		return err
	}
	defer closeAudit()

	processor := ledger.NewProcessor(store, auditor, logger)

	validator, err := security.NewJSONSchemaValidator(intake.TransactionRequestSchema)
	if err != nil {
		return err
	}

	consumer, err := intake.NewConsumer(consumeCh, processor, validator, logger, intake.Config{
		Queue:       cfg.TransactionsQueue,
		Workers:     cfg.IntakeWorkers,
		Prefetch:    cfg.IntakePrefetch,
		MaxAttempts: cfg.IntakeMaxAttempts,
	})
	if err != nil {
		return err
	}

	publisher, err := notify.NewPublisher(publishCh, cfg.SettlementsExchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	relay := outbox.NewRelay(outbox.NewPostgresRepository(store.Pool), publisher, logger, outbox.Config{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	})

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "ledger_query",
			Capacity:   20,
			RefillRate: 10,
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Dependencies{
			Logger:      logger,
			Store:       store,
			RateLimiter: rateLimiter,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The relay outlives intake on shutdown so settlements written by the
	// final deliveries still go out.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(relayCtx)
	}()

	intakeErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		intakeErr <- consumer.Run(rootCtx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("query surface listening", "addr", cfg.HTTPAddr)
		httpErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-intakeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// One last drain so settlements written by the final deliveries go out.
	relay.DrainOnce(shutdownCtx)
	stopRelay()
	wg.Wait()

	return runErr
}

func newAuditor(sink string) (*audit.ChainLogger, func(), error) {
	if sink == "" {
		return audit.NewChainLogger(nil), func() {}, nil
	}

	f, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewChainLogger(f), func() { _ = f.Close() }, nil
}
