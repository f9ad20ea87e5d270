package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/service"
	"github.com/shopspring/decimal"
)

// TradeService is the part of the service layer that buys, quotes and
// reports holdings.
type TradeService interface {
	BuyShares(ctx context.Context, marketID string, req amm.TradeRequest) (service.BuyResult, error)
	Quote(ctx context.Context, marketID string, outcome domain.Outcome, amount decimal.Decimal) (amm.QuoteResult, error)
	ListTrades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error)
	GetPosition(ctx context.Context, marketID, actor string) (domain.Position, error)
}

// TradeHandler serves trading endpoints.
type TradeHandler struct {
	trades TradeService
	dedup  *Dedup
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. A nil dedup ignores the
// Idempotency-Key header.
func NewTradeHandler(trades TradeService, dedup *Dedup, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, dedup: dedup, logger: logger.With(slog.String("handler", "trades"))}
}

type buyRequest struct {
	Outcome      string           `json:"outcome"`
	Amount       decimal.Decimal  `json:"usd_amount"`
	MinSharesOut *decimal.Decimal `json:"min_shares_out,omitempty"`
	// Actor lets an admin trade on behalf of another account.
	Actor string `json:"actor,omitempty"`
}

// Buy spends usd_amount on shares of one outcome. A repeated
// Idempotency-Key from the same actor is rejected with 409.
// POST /api/markets/{id}/trades
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	p := principal(r)
	actor := p.Actor
	if req.Actor != "" && req.Actor != actor {
		if !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "only admins may trade for another actor")
			return
		}
		actor = req.Actor
	}

	tr := amm.TradeRequest{
		Outcome: parseOutcome(req.Outcome),
		Amount:  req.Amount,
		Actor:   actor,
	}
	if req.MinSharesOut != nil {
		tr.MinSharesOut = *req.MinSharesOut
	}

	marketID := r.PathValue("id")
	var dedupKey string
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && h.dedup != nil {
		dedupKey = actor + "|" + marketID + "|" + key
		if h.dedup.IsDuplicate(dedupKey) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate idempotency key", Code: "already_exists", MarketID: marketID})
			return
		}
	}

	res, err := h.trades.BuyShares(r.Context(), marketID, tr)
	if err != nil {
		if dedupKey != "" && rejectedBeforeCommit(err) {
			h.dedup.Forget(dedupKey)
		}
		writeServiceError(w, r, h.logger, "buy", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type quoteRequest struct {
	Outcome string          `json:"outcome"`
	Amount  decimal.Decimal `json:"usd_amount"`
}

// Quote previews a buy without committing it.
// POST /api/markets/{id}/quote
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	q, err := h.trades.Quote(r.Context(), r.PathValue("id"), parseOutcome(req.Outcome), req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListTrades returns a market's trades, newest first.
// GET /api/markets/{id}/trades?limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	trades, err := h.trades.ListTrades(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Limit: opts.Limit, Offset: opts.Offset})
}

// GetPosition returns an actor's shares in a market. Traders may only
// read their own position.
// GET /api/markets/{id}/positions/{actor}
func (h *TradeHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	actor := r.PathValue("actor")
	if p := principal(r); !p.IsAdmin() && p.Actor != actor {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another actor's position")
		return
	}
	pos, err := h.trades.GetPosition(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// parseOutcome normalises case; the engine rejects anything but YES or NO.
// rejectedBeforeCommit reports whether err guarantees no trade was
// written, so the same Idempotency-Key may be retried. Any other failure
// may have come after the commit and keeps the key reserved.
func rejectedBeforeCommit(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrState) ||
		errors.Is(err, domain.ErrInvariantViolation) ||
		errors.Is(err, domain.ErrConcurrencyTimeout) ||
		errors.Is(err, domain.ErrNotFound)
}

func parseOutcome(s string) domain.Outcome {
	return domain.Outcome(strings.ToUpper(strings.TrimSpace(s)))
}
