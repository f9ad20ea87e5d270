package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/clock"
	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/server/handler"
	"github.com/alanyoungcy/polyamm/internal/server/middleware"
	"github.com/alanyoungcy/polyamm/internal/service"
	"github.com/alanyoungcy/polyamm/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type apiFixture struct {
	h     http.Handler
	clock *clock.Fake
	admin string
	alice string
	bob   string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := amm.New(amm.DefaultParams())
	require.NoError(t, err)

	db := memory.NewDB()
	clk := clock.NewFake(start)
	svc := service.NewMarketService(service.Deps{
		Engine:  engine,
		Markets: memory.NewMarketStore(db),
		Trades:  memory.NewTradeStore(db),
		Audit:   memory.NewAuditStore(db),
		Prices:  memory.NewPriceCache(),
		Bus:     memory.NewBus(0),
		Clock:   clk,
		Logger:  logger,
	})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "polyamm",
		APIKey: "ops-key",
	})
	token := func(sub string) string {
		tok, err := auth.Issue(sub, middleware.RoleTrader, 24*time.Hour)
		require.NoError(t, err)
		return tok
	}

	srv := NewServer(Config{Port: 8000}, Handlers{
		Health:  handler.NewHealthHandler(svc, nil, logger),
		Markets: handler.NewMarketHandler(svc, logger),
		Trades:  handler.NewTradeHandler(svc, handler.NewDedup(time.Minute), logger),
	}, Options{Auth: auth, Limiter: memory.NewRateLimiter()}, logger)

	return &apiFixture{h: srv.Handler(), clock: clk, admin: "ops-key", alice: token("alice"), bob: token("bob")}
}

func (f *apiFixture) do(t *testing.T, method, path, cred string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	switch cred {
	case "":
	case f.admin:
		req.Header.Set("X-API-Key", cred)
	default:
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (f *apiFixture) createMarket(t *testing.T) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/api/markets", f.admin, map[string]any{
		"question":          "Will the bridge open by June?",
		"expires_at":        start.Add(72 * time.Hour),
		"initial_liquidity": "1000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func dec(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "decimal fields travel as strings, got %T", v)
	return decimal.RequireFromString(s)
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPI(t)
	rec, body := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t)
	rec, _ := f.do(t, http.MethodGet, "/api/markets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/markets", f.alice, map[string]any{"question": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "traders cannot create markets")
}

func TestCreateBuyAndRead(t *testing.T) {
	f := newAPI(t)
	id := f.createMarket(t)

	rec, body := f.do(t, http.MethodGet, "/api/markets/"+id+"/price", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, dec(t, body["yes_price"]).Equal(decimal.RequireFromString("0.5")))

	rec, body = f.do(t, http.MethodPost, "/api/markets/"+id+"/quote", f.alice, map[string]any{
		"outcome": "yes", "usd_amount": "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, dec(t, body["shares_out"]).Equal(decimal.RequireFromString("183.333333")))

	rec, body = f.do(t, http.MethodPost, "/api/markets/"+id+"/trades", f.alice, map[string]any{
		"outcome": "YES", "usd_amount": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trade := body["trade"].(map[string]any)
	assert.Equal(t, "alice", trade["actor"])
	assert.True(t, dec(t, trade["shares_received"]).Equal(decimal.RequireFromString("183.333333")))

	rec, body = f.do(t, http.MethodGet, "/api/markets/"+id+"/trades", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trades"], 1)

	rec, body = f.do(t, http.MethodGet, "/api/markets/"+id+"/history", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["points"], 2)

	rec, body = f.do(t, http.MethodGet, "/api/markets/"+id+"/forecast", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, dec(t, body["probability"]).GreaterThan(decimal.RequireFromString("0.5")))

	rec, _ = f.do(t, http.MethodGet, "/api/markets/"+id+"/positions/alice", f.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/markets/"+id+"/positions/alice", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, dec(t, body["yes_shares"]).Equal(decimal.RequireFromString("183.333333")))
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	id := f.createMarket(t)

	tests := []struct {
		name   string
		method string
		path   string
		cred   string
		body   any
		status int
		code   string
	}{
		{"unknown market", http.MethodGet, "/api/markets/nope", f.alice, nil, http.StatusNotFound, "not_found"},
		{"zero amount", http.MethodPost, "/api/markets/" + id + "/trades", f.alice,
			map[string]any{"outcome": "YES", "usd_amount": "0"}, http.StatusBadRequest, "validation_error"},
		{"bad outcome", http.MethodPost, "/api/markets/" + id + "/trades", f.alice,
			map[string]any{"outcome": "MAYBE", "usd_amount": "5"}, http.StatusBadRequest, "validation_error"},
		{"unknown field", http.MethodPost, "/api/markets/" + id + "/trades", f.alice,
			map[string]any{"outcome": "YES", "amount": "5"}, http.StatusBadRequest, "validation_error"},
		{"bad status filter", http.MethodGet, "/api/markets?status=PENDING", f.alice, nil, http.StatusBadRequest, "validation_error"},
		{"resolve open market", http.MethodPost, "/api/markets/" + id + "/resolve", f.admin,
			map[string]any{"outcome": "YES"}, http.StatusConflict, "state_error"},
		{"trade for someone else", http.MethodPost, "/api/markets/" + id + "/trades", f.alice,
			map[string]any{"outcome": "YES", "usd_amount": "5", "actor": "bob"}, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, tt.method, tt.path, tt.cred, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)
	id := f.createMarket(t)

	rec, _ := f.do(t, http.MethodPost, "/api/markets/"+id+"/trades", f.bob, map[string]any{
		"outcome": "NO", "usd_amount": "50",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/markets/"+id+"/close", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.MarketStatusClosed), body["status"])

	rec, body = f.do(t, http.MethodPost, "/api/markets/"+id+"/trades", f.bob, map[string]any{
		"outcome": "NO", "usd_amount": "50",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state_error", body["code"])
	assert.Equal(t, id, body["market_id"])
	assert.Equal(t, string(domain.MarketStatusClosed), body["market_status"])

	rec, body = f.do(t, http.MethodPost, "/api/markets/"+id+"/resolve", f.admin, map[string]any{"outcome": "no"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.MarketStatusResolved), body["status"])

	rec, body = f.do(t, http.MethodGet, "/api/markets/"+id+"/positions/bob", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["payout"])

	rec, body = f.do(t, http.MethodGet, "/api/markets?status=RESOLVED", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["markets"], 1)

	rec, body = f.do(t, http.MethodGet, "/api/markets?status=open", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["markets"], 0)
}

func TestExpiredMarketReadsAsClosed(t *testing.T) {
	f := newAPI(t)
	id := f.createMarket(t)
	f.clock.Advance(73 * time.Hour)

	rec, body := f.do(t, http.MethodGet, "/api/markets/"+id, f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.MarketStatusClosed), body["status"])

	rec, body = f.do(t, http.MethodGet, "/api/markets?status=CLOSED", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["markets"], 1)
}

func TestBuyIdempotencyKey(t *testing.T) {
	f := newAPI(t)
	id := f.createMarket(t)

	buy := func(key string, amount string) *httptest.ResponseRecorder {
		raw, err := json.Marshal(map[string]any{"outcome": "yes", "usd_amount": amount})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/markets/"+id+"/trades", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+f.alice)
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusCreated, buy("k1", "10").Code)
	rec := buy("k1", "10")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already_exists")

	// A buy rejected by validation releases its key.
	assert.Equal(t, http.StatusBadRequest, buy("k2", "-1").Code)
	assert.Equal(t, http.StatusCreated, buy("k2", "5").Code)

	rec, body := f.do(t, http.MethodGet, "/api/markets/"+id+"/trades", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trades"], 2)
}
