package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyamm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidateWithAPIKey(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.APIKey = "operator-key"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeTOML(t, `
mode = "api"

[engine]
scale = 4
minimum_reserve = "0.5"
max_trade_usd = 2500
lock_timeout = "250ms"

[storage]
backend = "postgres"

[postgres]
dsn = "postgres://amm@db/amm"

[auth]
api_key = "from-file"
`)
	t.Chdir(t.TempDir())
	t.Setenv("POLYAMM_AUTH_API_KEY", "from-env")
	t.Setenv("POLYAMM_ENGINE_LARGE_TRADE_USD", "777.25")
	t.Setenv("POLYAMM_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, 4, cfg.Engine.Scale)
	assert.True(t, decimal.RequireFromString("0.5").Equal(cfg.Engine.MinimumReserve))
	assert.True(t, decimal.NewFromInt(2500).Equal(cfg.Engine.MaxTradeUSD))
	assert.True(t, decimal.RequireFromString("777.25").Equal(cfg.Engine.LargeTradeUSD))
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.LockTimeout.Duration)
	assert.Equal(t, "from-env", cfg.Auth.APIKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Pipeline.SweepInterval.Duration)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTOML(t, "[engine]\nscael = 4\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.scael")
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POLYAMM_SERVER_PORT", "eighty")
	t.Setenv("POLYAMM_ENGINE_MAX_TRADE_USD", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLYAMM_SERVER_PORT")
	assert.Contains(t, err.Error(), "POLYAMM_ENGINE_MAX_TRADE_USD")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Engine.Scale = 40
	cfg.Engine.ConfidenceFloor = decimal.RequireFromString("0.2")
	cfg.Storage.Backend = "sqlite"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"engine: scale must be 0-18",
		"must equal 1, got 1.15",
		`storage: unknown backend "sqlite"`,
		"server: port must be 1-65535",
		"auth: set jwt_secret",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateWorkerNeedsSharedStore(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.Enabled = false
	cfg.Mode = "worker"
	assert.ErrorContains(t, cfg.Validate(), "worker mode needs a shared backend")

	cfg.Storage.Backend = "postgres"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg"
	cfg.Auth.JWTSecret = "jwt"
	cfg.Auth.APIKey = "key"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Auth.JWTSecret)
	assert.Equal(t, "***", out.Auth.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.S3.SecretKey)
	assert.Equal(t, "pg", cfg.Postgres.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "market_created", cfg.Notify.Events[0])
}
