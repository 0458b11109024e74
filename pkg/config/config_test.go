package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Meshline-Labs/satline/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SATLINE_WALLET_URL", "")
	t.Setenv("SATLINE_DEFAULT_BUDGET_MSATS", "")
	t.Setenv("SATLINE_PROFILES_DIR", "")

	cfg := config.Load()

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Contains(t, cfg.WalletURL, "localhost")
	assert.Equal(t, int64(100_000_000), cfg.DefaultBudgetMsats)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/satline")
	t.Setenv("SATLINE_WALLET_URL", "http://wallet:9737")
	t.Setenv("SATLINE_REDIS_ADDR", "redis:6379")
	t.Setenv("SATLINE_DEFAULT_BUDGET_MSATS", "250000000")
	t.Setenv("SATLINE_PROFILE", "default")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/satline", cfg.DatabaseURL)
	assert.Equal(t, "http://wallet:9737", cfg.WalletURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, int64(250_000_000), cfg.DefaultBudgetMsats)
	assert.Equal(t, "default", cfg.ProfileCode)
}

// TestLoad_BadBudget verifies that an unparseable budget falls back to the
// default instead of failing the boot.
func TestLoad_BadBudget(t *testing.T) {
	t.Setenv("SATLINE_DEFAULT_BUDGET_MSATS", "not-a-number")
	assert.Equal(t, int64(100_000_000), config.Load().DefaultBudgetMsats)

	t.Setenv("SATLINE_DEFAULT_BUDGET_MSATS", "-5")
	assert.Equal(t, int64(100_000_000), config.Load().DefaultBudgetMsats)
}
