package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("TURNSTILE_JWT_SECRET", "s3cret")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 16, cfg.BatchConcurrency)
	assert.Equal(t, 10*time.Second, cfg.ItemTimeout)
	assert.Equal(t, 500, cfg.MaxBatch)
	assert.Equal(t, 10, cfg.PollAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.OccupancyTTL)
	assert.Equal(t, 72*time.Hour, cfg.LedgerRetention)
	assert.Nil(t, cfg.CORSOrigins)
}

func TestLoadServer_Overrides(t *testing.T) {
	t.Setenv("TURNSTILE_JWT_SECRET", "s3cret")
	t.Setenv("TURNSTILE_BATCH_CONCURRENCY", "4")
	t.Setenv("TURNSTILE_ITEM_TIMEOUT", "3s")
	t.Setenv("TURNSTILE_CORS_ORIGINS", "http://a.test, http://b.test,")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.Equal(t, 3*time.Second, cfg.ItemTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoadServer_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad int", map[string]string{"TURNSTILE_JWT_SECRET": "x", "TURNSTILE_MAX_BATCH": "many"}},
		{"bad duration", map[string]string{"TURNSTILE_JWT_SECRET": "x", "TURNSTILE_ITEM_TIMEOUT": "soon"}},
		{"postgres without url", map[string]string{"TURNSTILE_JWT_SECRET": "x", "TURNSTILE_DB_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"TURNSTILE_JWT_SECRET": "x", "TURNSTILE_DB_DRIVER": "mongo"}},
		{"bad timezone", map[string]string{"TURNSTILE_JWT_SECRET": "x", "TURNSTILE_TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TURNSTILE_JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadServer()
			assert.Error(t, err)
		})
	}
}

func TestLoadStorage_IgnoresSecret(t *testing.T) {
	t.Setenv("TURNSTILE_JWT_SECRET", "")
	t.Setenv("TURNSTILE_DB_DRIVER", "sqlite")
	t.Setenv("TURNSTILE_DB_PATH", "gate.db")

	cfg, err := LoadStorage()
	require.NoError(t, err)
	assert.Equal(t, "gate.db", cfg.DBPath)

	t.Setenv("TURNSTILE_DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err = LoadStorage()
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("TURNSTILE_SERVER_URL", "https://gate.example.com/")
	t.Setenv("TURNSTILE_DEVICE_ID", "scanner-7")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://gate.example.com", cfg.ServerURL)
	assert.Equal(t, "scanner-7", cfg.DeviceID)
	assert.Equal(t, 10*time.Second, cfg.ReplayWindow)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDebounce)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TURNSTILE_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("TURNSTILE_TEST_DOTENV", "")
	os.Unsetenv("TURNSTILE_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TURNSTILE_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
