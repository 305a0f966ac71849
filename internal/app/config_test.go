package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("CSRF_SECRET", "c5rf")
	t.Setenv("RBAC_PENDING_TIMEOUT", "2s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 2*time.Second, cfg.RBACPendingTimeout)
	assert.Equal(t, 10*time.Second, cfg.RBACFetchTimeout)
	assert.Equal(t, 2*time.Second, cfg.RBACRetryFailedAfter)
	assert.Equal(t, 30*time.Minute, cfg.RBACSessionIdle)
	assert.Equal(t, "/auth/login", cfg.LoginPath)
	assert.Equal(t, 512, cfg.PartnerCacheSize)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("CSRF_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			SessionSecret:        "s",
			CSRFSecret:           "c",
			RBACPendingTimeout:   time.Second,
			RBACFetchTimeout:     time.Second,
			RBACRetryFailedAfter: time.Second,
			RBACSessionIdle:      time.Hour,
			PartnerCacheSize:     1,
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"missing session secret": func(c *Config) { c.SessionSecret = "" },
		"missing csrf secret":    func(c *Config) { c.CSRFSecret = "" },
		"zero pending timeout":   func(c *Config) { c.RBACPendingTimeout = 0 },
		"negative fetch timeout": func(c *Config) { c.RBACFetchTimeout = -time.Second },
		"empty partner cache":    func(c *Config) { c.PartnerCacheSize = 0 },
		"zero retry backoff":     func(c *Config) { c.RBACRetryFailedAfter = 0 },
		"tiny session idle":      func(c *Config) { c.RBACSessionIdle = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsProductionNilSafe(t *testing.T) {
	var cfg *Config
	assert.False(t, cfg.IsProduction())
	assert.True(t, (&Config{AppEnv: "production"}).IsProduction())
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "production", LogFormat: "json"}, &buf)
	logger.Debug("hidden")
	logger.Info("ready", "port", 8080)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ready", line["msg"])
	assert.Equal(t, "repairhub", line["service"])
	assert.Equal(t, "production", line["env"])
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())

	t.Setenv(TestModeEnv, "")
	RefreshTestMode()
	assert.False(t, InTestMode())
}
