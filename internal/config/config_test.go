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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "log", cfg.NotifySink)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 168*time.Hour, cfg.OverdueAfter)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nNOTIFY_SINK=redis\nOVERDUE_SCHEDULE=@daily\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("NOTIFY_SINK")
		os.Unsetenv("OVERDUE_SCHEDULE")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis", cfg.NotifySink)
	assert.Equal(t, "@daily", cfg.OverdueSchedule)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{StoreDriver: "memory", NotifySink: "log", RetryAttempts: 3}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"postgres without url": func(c *Config) { c.StoreDriver = "postgres" },
		"unknown driver":       func(c *Config) { c.StoreDriver = "sqlite" },
		"webhook without url":  func(c *Config) { c.NotifySink = "webhook" },
		"unknown sink":         func(c *Config) { c.NotifySink = "smtp" },
		"no retries":           func(c *Config) { c.RetryAttempts = 0 },
		"hash without salt":    func(c *Config) { c.AdminKeyHash = "abc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
