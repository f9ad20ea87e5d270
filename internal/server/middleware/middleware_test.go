package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	_, _ = io.WriteString(w, p.Actor+"/"+p.Role)
}

func newAuth() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "polyamm",
		APIKey:        "ops-key",
		AdminSubjects: []string{"carol"},
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthResolvesPrincipal(t *testing.T) {
	a := newAuth()
	h := Auth(a, "/api/health")(http.HandlerFunc(echoPrincipal))

	alice, err := a.Issue("alice", "", time.Hour)
	require.NoError(t, err)
	carol, err := a.Issue("carol", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
		status int
		body   string
	}{
		{"bearer trader", "Authorization", "Bearer " + alice, http.StatusOK, "alice/trader"},
		{"admin subject", "Authorization", "Bearer " + carol, http.StatusOK, "carol/admin"},
		{"api key", "X-API-Key", "ops-key", http.StatusOK, "operator/admin"},
		{"garbage token", "Authorization", "Bearer nope", http.StatusUnauthorized, ""},
		{"missing", "", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "public path")
}

func TestAuthRejectsExpiredAndForeignTokens(t *testing.T) {
	a := newAuth()
	issuedAt := time.Now().Add(-2 * time.Hour)
	a.now = func() time.Time { return issuedAt }
	expired, err := a.Issue("alice", RoleTrader, time.Hour)
	require.NoError(t, err)
	a.now = time.Now

	other := NewAuthenticator(AuthConfig{Secret: []byte("another-secret-another-secret-00"), Issuer: "polyamm"})
	foreign, err := other.Issue("mallory", RoleAdmin, time.Hour)
	require.NoError(t, err)

	for _, tok := range []string{expired, foreign} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		_, err := a.Authenticate(req)
		assert.Error(t, err)
	}
}

func TestAuthWebsocketQueryToken(t *testing.T) {
	a := newAuth()
	tok, err := a.Issue("dave", "", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	p, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "dave", p.Actor)

	plain := httptest.NewRequest(http.MethodGet, "/api/markets?token="+tok, nil)
	_, err = a.Authenticate(plain)
	assert.Error(t, err, "query tokens are only read on upgrades")
}

func TestAuthDisabled(t *testing.T) {
	h := Auth(nil)(http.HandlerFunc(echoPrincipal))
	req := httptest.NewRequest(http.MethodPost, "/api/markets", nil)
	req.Header.Set("X-Actor", "local")
	assert.Equal(t, "local/admin", serve(h, req).Body.String())
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin, echoPrincipal)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	trader := req.WithContext(WithPrincipal(req.Context(), Principal{Actor: "a", Role: RoleTrader}))
	assert.Equal(t, http.StatusForbidden, serve(h, trader).Code)

	admin := req.WithContext(WithPrincipal(req.Context(), Principal{Actor: "b", Role: RoleAdmin}))
	assert.Equal(t, http.StatusOK, serve(h, admin).Code)
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	h := RateLimit(memory.NewRateLimiter(), 2, time.Minute, logger)(ok)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		last = serve(h, req)
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "30", last.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.1")
	assert.Equal(t, http.StatusOK, serve(h, other).Code)
}

func TestLoggingAssignsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	serve(h, req)
	assert.Equal(t, "abc", seen)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Empty(t, serve(h, req).Header().Get("Access-Control-Allow-Origin"))
}
