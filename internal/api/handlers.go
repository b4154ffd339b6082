package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/microbank-ledger/internal/ledger"
	"github.com/example/microbank-ledger/internal/security"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

type balanceResponse struct {
	AccountID    uuid.UUID `json:"account_id"`
	BalanceCents int64     `json:"balance_cents"`
}

type entriesResponse struct {
	AccountID uuid.UUID      `json:"account_id"`
	Entries   []ledger.Entry `json:"entries"`
}

type transactionResponse struct {
	TxID    uuid.UUID `json:"tx_id"`
	Settled bool      `json:"settled"`
}

// handleBalance derives the balance from the entries at read time. A store
// failure is a retryable 503, never a partial or stale figure.
func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}

		balance, err := deps.Store.BalanceOf(r.Context(), accountID)
		if err != nil {
			deps.Logger.Error("balance query failed", "account_id", accountID, "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}

		writeJSON(w, r, http.StatusOK, balanceResponse{AccountID: accountID, BalanceCents: balance})
	}
}

// handleEntries lists an account's entries newest first. Unknown accounts are
// indistinguishable from empty ones and return an empty list.
func handleEntries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_account_id")
			return
		}

		limit := defaultEntryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 || limit > maxEntryLimit {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
		}

		entries, err := deps.Store.EntriesOf(r.Context(), accountID, limit)
		if err != nil {
			deps.Logger.Error("entries query failed", "account_id", accountID, "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}

		writeJSON(w, r, http.StatusOK, entriesResponse{AccountID: accountID, Entries: entries})
	}
}

// handleTransaction reports whether a tx_id has been settled, so producers can
// reconcile without replaying the queue.
func handleTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txID, err := uuid.Parse(chi.URLParam(r, "txID"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_tx_id")
			return
		}

		settled, err := deps.Store.HasTransaction(r.Context(), txID)
		if err != nil {
			deps.Logger.Error("transaction query failed", "tx_id", txID, "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
		if !settled {
			security.WriteJSONError(w, r, http.StatusNotFound, "transaction_not_found")
			return
		}

		writeJSON(w, r, http.StatusOK, transactionResponse{TxID: txID, Settled: true})
	}
}
