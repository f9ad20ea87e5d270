package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/service"
	"github.com/shopspring/decimal"
)

// MarketService defines the methods that the market handler requires from the
// service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, req amm.NewMarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status *domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	GetMarketPrice(ctx context.Context, id string) (service.MarketPrice, error)
	GetForecast(ctx context.Context, id string) (amm.Forecast, error)
	GetPriceHistory(ctx context.Context, id string, limit int) ([]amm.HistoryPoint, error)
	CloseMarket(ctx context.Context, id, actor string) (domain.Market, error)
	ResolveMarket(ctx context.Context, id string, outcome domain.Outcome, actor string) (domain.Market, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "markets")),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets newest first, optionally filtered by status.
// GET /api/markets?status=OPEN&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var status *domain.MarketStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := domain.ParseMarketStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		status = &st
	}

	markets, err := h.markets.ListMarkets(r.Context(), status, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

type createMarketRequest struct {
	Question         string          `json:"question"`
	Description      string          `json:"description"`
	ExpiresAt        time.Time       `json:"expires_at"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
}

// CreateMarket opens a new market seeded with the requested liquidity.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), amm.NewMarketRequest{
		Question:         req.Question,
		Description:      req.Description,
		ExpiresAt:        req.ExpiresAt,
		InitialLiquidity: req.InitialLiquidity,
		CreatedBy:        principal(r).Actor,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	w.Header().Set("Location", "/api/markets/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice returns the implied YES/NO prices and recent volume.
// GET /api/markets/{id}/price
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.GetMarketPrice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetForecast returns the probability and its confidence.
// GET /api/markets/{id}/forecast
func (h *MarketHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	f, err := h.markets.GetForecast(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get forecast", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type historyResponse struct {
	MarketID string             `json:"market_id"`
	Points   []amm.HistoryPoint `json:"points"`
}

// GetHistory returns the probability after each recent trade.
// GET /api/markets/{id}/history?limit=200
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r.URL.Query().Get("limit"), 200, 1, 5000)

	points, err := h.markets.GetPriceHistory(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "get history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{MarketID: id, Points: points})
}

// CloseMarket stops trading on a market.
// POST /api/markets/{id}/close
func (h *MarketHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.CloseMarket(r.Context(), r.PathValue("id"), principal(r).Actor)
	if err != nil {
		writeServiceError(w, r, h.logger, "close market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

// ResolveMarket records the winning outcome of a closed market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	m, err := h.markets.ResolveMarket(r.Context(), r.PathValue("id"), parseOutcome(req.Outcome), principal(r).Actor)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
