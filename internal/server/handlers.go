package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxCommandBody = 64 << 10

// Querier is the read side of the API.
type Querier interface {
	GetMarkets(ctx context.Context) (*query.MarketsResponse, error)
	GetMarket(ctx context.Context, id string) (*query.MarketResponse, error)
	GetAccount(ctx context.Context, id string) (*query.AccountResponse, error)
	GetShortfall(ctx context.Context, limit int) (*query.ShortfallResponse, error)
	GetWalletBalance(ctx context.Context, account, asset string) (decimal.Decimal, error)
	GetJournalHistory(ctx context.Context, account string, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Submitter accepts commands for the core.
type Submitter interface {
	Submit(ctx context.Context, eventType string, data []byte) (event.Event, error)
}

// SubmitResponse acknowledges a command. Acceptance means the command is
// durably queued, not that it was applied.
type SubmitResponse struct {
	Accepted       bool   `json:"accepted"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type apiHandlers struct {
	query   Querier
	ingest  Submitter
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (a *apiHandlers) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/commands/{type}", a.submitCommand},
		{http.MethodGet, "/v1/markets", a.listMarkets},
		{http.MethodGet, "/v1/markets/{id}", a.getMarket},
		{http.MethodGet, "/v1/accounts/{id}", a.getAccount},
		{http.MethodGet, "/v1/accounts/{id}/wallet/{asset}", a.getWallet},
		{http.MethodGet, "/v1/accounts/{id}/journal", a.listJournal},
		{http.MethodGet, "/v1/shortfall", a.listShortfall},
		{http.MethodGet, "/v1/admin/integrity", a.verifyIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return err
		}
	}
	return nil
}

func (a *apiHandlers) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if a.ingest == nil {
		a.fail(w, "submit", http.StatusServiceUnavailable, errors.New("ingest disabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		a.fail(w, "submit", http.StatusBadRequest, err)
		return
	}
	evt, err := a.ingest.Submit(r.Context(), params["type"], body)
	switch {
	case errors.Is(err, event.ErrUnknownEventType):
		a.fail(w, "submit", http.StatusNotFound, err)
		return
	case errors.Is(err, event.ErrMalformed):
		a.fail(w, "submit", http.StatusBadRequest, err)
		return
	case err != nil:
		a.fail(w, "submit", http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Accepted:       true,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
	})
}

func (a *apiHandlers) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := a.query.GetMarkets(r.Context())
	a.respond(w, "markets", resp, err)
}

func (a *apiHandlers) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.query.GetMarket(r.Context(), params["id"])
	a.respond(w, "market", resp, err)
}

func (a *apiHandlers) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.query.GetAccount(r.Context(), params["id"])
	a.respond(w, "account", resp, err)
}

func (a *apiHandlers) getWallet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	balance, err := a.query.GetWalletBalance(r.Context(), params["id"], params["asset"])
	a.respond(w, "wallet", map[string]string{
		"account": params["id"],
		"asset":   params["asset"],
		"balance": balance.String(),
	}, err)
}

func (a *apiHandlers) listJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, after, err := pageParams(r)
	if err != nil {
		a.fail(w, "journal", http.StatusBadRequest, err)
		return
	}
	entries, err := a.query.GetJournalHistory(r.Context(), params["id"], limit, after)
	a.respond(w, "journal", map[string]any{"journals": entries}, err)
}

func (a *apiHandlers) listShortfall(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _, err := pageParams(r)
	if err != nil {
		a.fail(w, "shortfall", http.StatusBadRequest, err)
		return
	}
	resp, err := a.query.GetShortfall(r.Context(), limit)
	a.respond(w, "shortfall", resp, err)
}

func (a *apiHandlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.query.VerifyIntegrity(r.Context())
	a.respond(w, "integrity", report, err)
}

func (a *apiHandlers) respond(w http.ResponseWriter, endpoint string, body any, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		a.fail(w, endpoint, http.StatusNotFound, err)
	case errors.Is(err, query.ErrInvalidInput):
		a.fail(w, endpoint, http.StatusBadRequest, err)
	case err != nil:
		a.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		a.fail(w, endpoint, http.StatusInternalServerError, errors.New("internal error"))
	default:
		writeJSON(w, http.StatusOK, body)
	}
}

func (a *apiHandlers) fail(w http.ResponseWriter, endpoint string, code int, err error) {
	if a.metrics != nil {
		a.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func pageParams(r *http.Request) (limit int, after *int64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, nil, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, nil, errors.New("after must be an integer")
		}
		after = &seq
	}
	return limit, after, nil
}
