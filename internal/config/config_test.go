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
	// Point the YAML lookups at nothing so only defaults apply.
	t.Setenv("CONFIG_PATH", "/nonexistent/api.yaml")
	t.Setenv("DATABASE_CONFIG_PATH", "/nonexistent/database.yaml")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 10000, cfg.MaxWSConnections)
	assert.Equal(t, "*", cfg.CORSAllowedOrigins)
	assert.Equal(t, 20, cfg.DBMaxConnections())
	assert.Contains(t, cfg.DatabaseURL(), "postgres://")
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Empty(t, cfg.PushServiceURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/nonexistent/api.yaml")
	t.Setenv("DATABASE_CONFIG_PATH", "/nonexistent/database.yaml")
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://app:secret@db:5432/chat")
	t.Setenv("DB_MAX_CONNECTIONS", "7")
	t.Setenv("MAX_WS_CONNECTIONS", "100")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("PUSH_SERVICE_URL", "http://push:8085")
	t.Setenv("DEV_TOKENS", "tok:u1")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "postgres://app:secret@db:5432/chat", cfg.DatabaseURL())
	assert.Equal(t, 7, cfg.DBMaxConnections())
	assert.Equal(t, 100, cfg.MaxWSConnections)
	assert.Equal(t, "https://app.example.com", cfg.CORSAllowedOrigins)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "http://push:8085", cfg.PushServiceURL)
	assert.Equal(t, "tok:u1", cfg.DevTokens)
}

func TestLoadYAMLThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	appYAML := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(appYAML, []byte("server_addr: \":7070\"\nmax_ws_connections: 50\nlog_level: debug\n"), 0o644))
	dbYAML := filepath.Join(dir, "database.yaml")
	require.NoError(t, os.WriteFile(dbYAML, []byte("database_url: postgres://yaml:pw@host:5432/db\ndb_max_connections: 3\n"), 0o644))

	t.Setenv("CONFIG_PATH", appYAML)
	t.Setenv("DATABASE_CONFIG_PATH", dbYAML)

	cfg := Load()
	assert.Equal(t, ":7070", cfg.ServerAddr)
	assert.Equal(t, 50, cfg.MaxWSConnections)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://yaml:pw@host:5432/db", cfg.DatabaseURL())
	assert.Equal(t, 3, cfg.DBMaxConnections())

	// Environment variables take precedence over the YAML values.
	t.Setenv("SERVER_ADDR", ":6060")
	t.Setenv("DB_MAX_CONNECTIONS", "9")
	cfg = Load()
	assert.Equal(t, ":6060", cfg.ServerAddr)
	assert.Equal(t, 9, cfg.DBMaxConnections())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "value")
	assert.Equal(t, "value", envStr("CFG_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", envStr("CFG_TEST_MISSING", "fallback"))

	t.Setenv("CFG_TEST_INT", "42")
	assert.Equal(t, 42, envInt("CFG_TEST_INT", 1))
	t.Setenv("CFG_TEST_INT", "not-a-number")
	assert.Equal(t, 1, envInt("CFG_TEST_INT", 1))
	assert.Equal(t, 1, envInt("CFG_TEST_INT_MISSING", 1))
}
