package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoadDefaultsInDevelopment(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL", "SERVER_NAME", "ROOM_VERSION", "PEER_WHITELIST", "PEER_SECRETS")

	cfg := Load()
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Equal(t, "6", cfg.RoomVersion)
	assert.True(t, cfg.FetchEnable)
	assert.Nil(t, cfg.PeerWhitelist)
	assert.Nil(t, cfg.PeerSecrets)
}

func TestLoadParsesPeerWhitelist(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL", "PEER_WHITELIST")
	require.NoError(t, os.Setenv("PEER_WHITELIST", "a.example.org, b.example.org,"))

	cfg := Load()
	assert.Equal(t, []string{"a.example.org", "b.example.org"}, cfg.PeerWhitelist)
}

func TestLoadParsesPeerSecrets(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL", "PEER_SECRETS")
	require.NoError(t, os.Setenv("PEER_SECRETS", "a.example.org=s1, b.example.org=s2, malformed"))

	cfg := Load()
	assert.Equal(t, map[string]string{"a.example.org": "s1", "b.example.org": "s2"}, cfg.PeerSecrets)
}

func TestLoadPanicsInProductionWithoutDatabaseURL(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL")
	require.NoError(t, os.Setenv("ENV", "production"))
	require.NoError(t, os.Setenv("REDIS_URL", "redis://localhost:6379"))

	assert.Panics(t, func() { Load() })
}

func TestLoadPanicsInProductionWithoutRedisURL(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL")
	require.NoError(t, os.Setenv("ENV", "production"))
	require.NoError(t, os.Setenv("DATABASE_URL", "postgres://localhost/db"))

	assert.Panics(t, func() { Load() })
}

func TestLoadSucceedsInProductionWithBothURLs(t *testing.T) {
	clearEnv(t, "ENV", "DATABASE_URL", "REDIS_URL")
	require.NoError(t, os.Setenv("ENV", "production"))
	require.NoError(t, os.Setenv("DATABASE_URL", "postgres://localhost/db"))
	require.NoError(t, os.Setenv("REDIS_URL", "redis://localhost:6379"))

	assert.NotPanics(t, func() { Load() })
}

func TestGetEnvIntFallsBackOnUnparseable(t *testing.T) {
	clearEnv(t, "EVAL_BATCH_LIMIT")
	require.NoError(t, os.Setenv("EVAL_BATCH_LIMIT", "not-a-number"))
	assert.Equal(t, 128, getEnvInt("EVAL_BATCH_LIMIT", 128))
}
