package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10.0, cfg.Budget.DefaultDailyLimit)
	assert.Equal(t, 100.0, cfg.Budget.DefaultMonthlyLimit)
	assert.Equal(t, 2*time.Second, cfg.Budget.StoreTimeout)
	assert.Equal(t, 168*time.Hour, cfg.Budget.StatsWindow)
	assert.False(t, cfg.Budget.MonthlyRollover.Enabled)
	assert.Equal(t, "0 0 1 * *", cfg.Budget.MonthlyRollover.Schedule)
	assert.Equal(t, ModelRate{Input: 0.01, Output: 0.03}, cfg.Pricing.Fallback)
	assert.Equal(t, []string{"header", "api_key", "default"}, cfg.Identity.Resolvers)
	assert.Equal(t, "default_user", cfg.Identity.DefaultUser)
	assert.Equal(t, "llmbudget:", cfg.Redis.KeyPrefix)
	assert.Same(t, cfg, Get())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  driver: sqlite
  url: "file:budget.db"
budget:
  default_daily_limit: 2.5
  timezone: Europe/Berlin
  monthly_rollover:
    enabled: true
pricing:
  models:
    my-model:
      input: 0.001
      output: 0.002
identity:
  resolvers: [header, default]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	t.Setenv("LLMBUDGET_MASTER_KEY", "sk-env")
	t.Setenv("BUDGET_DEFAULT_MONTHLY_LIMIT", "42")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:budget.db", cfg.Database.URL)
	assert.Equal(t, 2.5, cfg.Budget.DefaultDailyLimit)
	assert.Equal(t, 42.0, cfg.Budget.DefaultMonthlyLimit)
	assert.True(t, cfg.Budget.MonthlyRollover.Enabled)
	assert.Equal(t, ModelRate{Input: 0.001, Output: 0.002}, cfg.Pricing.Models["my-model"])
	assert.Equal(t, []string{"header", "default"}, cfg.Identity.Resolvers)
	assert.Equal(t, "sk-env", cfg.Auth.MasterKey)
	assert.Equal(t, "debug", cfg.Logging.Level)

	loc, err := cfg.Budget.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("budget: [unclosed"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Database.Driver = "memory"
		return c
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative daily limit", func(c *Config) { c.Budget.DefaultDailyLimit = -1 }},
		{"negative monthly limit", func(c *Config) { c.Budget.DefaultMonthlyLimit = -1 }},
		{"negative fallback", func(c *Config) { c.Pricing.Fallback.Output = -0.1 }},
		{"bad timezone", func(c *Config) { c.Budget.Timezone = "Mars/Olympus" }},
		{"bad driver", func(c *Config) { c.Database.Driver = "mongodb" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
