package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // 避免读取仓库中的 .env
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50051, cfg.GRPCPort)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, []string{"processing", "on-hold", "completed"}, cfg.ActiveOrderStatuses)
	assert.False(t, cfg.VerifyCards)
	assert.Equal(t, 200*time.Millisecond, cfg.StockRetryDelay())
	assert.Equal(t, filepath.Join("giftcard", "secret.key"),
		filepath.Join(filepath.Base(filepath.Dir(cfg.SecretKeyFile)), filepath.Base(cfg.SecretKeyFile)))
	assert.Contains(t, cfg.DSN(), "dbname=giftcard")
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GRPC_PORT", "6000")
	t.Setenv("DB_DSN", "sqlite://cards.db")
	t.Setenv("SECRET_KEY_FILE", "/run/secrets/giftcard.key")
	t.Setenv("ACTIVE_ORDER_STATUSES", "processing, completed")
	t.Setenv("VERIFY_CARDS", "true")
	t.Setenv("STOCK_RETRY_DELAY_MS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.GRPCPort)
	assert.Equal(t, "sqlite://cards.db", cfg.DSN())
	assert.Equal(t, "/run/secrets/giftcard.key", cfg.SecretKeyFile)
	assert.Equal(t, []string{"processing", "completed"}, cfg.ActiveOrderStatuses)
	assert.True(t, cfg.VerifyCards)
	assert.Zero(t, cfg.StockRetryDelay())
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SECRET_KEY_FILE", "/tmp/k")
	t.Setenv("HTTP_PORT", "eighty")

	_, err := Load()
	assert.Error(t, err)
}
