package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/amm"
	"github.com/alanyoungcy/polyamm/internal/config"
	"github.com/alanyoungcy/polyamm/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEngineParamsMatchDefaults(t *testing.T) {
	cfg := config.Defaults()
	got := EngineParams(cfg.Engine)
	want := amm.DefaultParams()

	assert.Equal(t, want.Scale, got.Scale)
	assert.True(t, want.MinimumReserve.Equal(got.MinimumReserve))
	assert.True(t, want.MaxTradeNotional.Equal(got.MaxTradeNotional))
	assert.True(t, want.Confidence.Floor.Equal(got.Confidence.Floor))
	assert.True(t, want.Confidence.VolumeHalf.Equal(got.Confidence.VolumeHalf))
	assert.NoError(t, got.Validate())
}

func TestWireMemoryBackend(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, quiet())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.MarketStore{}, deps.MarketStore)
	assert.IsType(t, &memory.Bus{}, deps.SignalBus)
	assert.IsType(t, &memory.PriceCache{}, deps.PriceCache)
	assert.IsType(t, &memory.RateLimiter{}, deps.RateLimiter)
	assert.Nil(t, deps.MarketCache)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Checks)
}

func TestNewAuthenticator(t *testing.T) {
	auth, err := newAuthenticator(config.AuthConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, auth)

	_, err = newAuthenticator(config.AuthConfig{Enabled: true, JWTSecret: "short"})
	assert.Error(t, err)

	tok, err := IssueToken(config.AuthConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Issuer:    "polyamm",
	}, "alice", "trader", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestRunFullModeStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 0
	cfg.Auth.Enabled = false
	cfg.Pipeline.SweepInterval.Duration = 10 * time.Millisecond

	a := New(&cfg, quiet())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
