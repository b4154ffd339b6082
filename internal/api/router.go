// Package api exposes the read-only query surface: balances and entry
// history, derived from the ledger on every request. It accepts no writes;
// transactions enter exclusively through the queue.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/microbank-ledger/internal/ledger"
	"github.com/example/microbank-ledger/internal/security"
)

// Reader is the read contract of the ledger store.
type Reader interface {
	BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error)
	EntriesOf(ctx context.Context, accountID uuid.UUID, limit int) ([]ledger.Entry, error)
	HasTransaction(ctx context.Context, txID uuid.UUID) (bool, error)
}

type Dependencies struct {
	Logger      *slog.Logger
	Store       Reader
	RateLimiter *security.RedisTokenBucket
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(RequestMetrics)
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/balances/{accountID}", handleBalance(deps))
		r.Get("/entries/{accountID}", handleEntries(deps))
		r.Get("/transactions/{txID}", handleTransaction(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
