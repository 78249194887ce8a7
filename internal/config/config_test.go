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
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "./db/migrations", cfg.MigrationsDir)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, "opsdesk:changes", cfg.ChangesChannel)
	assert.Equal(t, []string{"unassigned"}, cfg.Assignees)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.MeiliURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("PARSER_ASSIGNEES", " ana, ben ,, cy ")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "90s")
	t.Setenv("LOG_FORMAT", "TEXT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, []string{"ana", "ben", "cy"}, cfg.Assignees)
	assert.Equal(t, 90*time.Second, cfg.ConnMaxIdleTime)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")

	_, err := Load()
	assert.ErrorContains(t, err, "STORE_DRIVER")
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("api_addr = \":7000\"\nparser_model = \"gemini-2.5-pro\"\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("OPSDESK_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "gemini-2.5-pro", cfg.ParserModel)
}
