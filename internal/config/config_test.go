package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secure = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", secure)
	t.Setenv("INTERNAL_SECRET", secure)
	t.Setenv("PANEL_HTTP_TIMEOUT", "10s")
	t.Setenv("TRIAL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8005", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Panel.HTTPTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Panel.LockTTL)
	assert.Equal(t, 10*time.Minute, cfg.Reconciler.MaxDuration)
	assert.True(t, cfg.Trial.Enabled)
	assert.Empty(t, cfg.Redis.URL)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			JWT:            JWTConfig{SecretKey: secure},
			InternalSecret: secure,
			Panel:          PanelConfig{HTTPTimeout: 30 * time.Second, LockTTL: 2 * time.Minute},
			Reconciler:     ReconcilerConfig{MaxDuration: 10 * time.Minute},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"insecure jwt", func(c *Config) { c.JWT.SecretKey = "your-secret-key-change-in-production" }, "JWT_SECRET_KEY"},
		{"short jwt", func(c *Config) { c.JWT.SecretKey = "short" }, "JWT_SECRET_KEY"},
		{"empty internal secret", func(c *Config) { c.InternalSecret = "" }, "INTERNAL_SECRET"},
		{"lock shorter than http timeout", func(c *Config) { c.Panel.LockTTL = time.Second }, "PROVISIONING_LOCK_TTL"},
		{"no ceiling", func(c *Config) { c.Reconciler.MaxDuration = 0 }, "RECONCILER_MAX_DURATION"},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDSN_EscapesPassword(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "svc", Password: "p@ss/word", DBName: "saas", SSLMode: "require"}
	assert.Equal(t, "postgres://svc:p%40ss%2Fword@db:5432/saas?sslmode=require", c.DSN())
}
