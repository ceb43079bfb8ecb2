package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the event evaluation and fetch core.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string // used when DatabaseURL is empty
	RedisURL    string

	// ServerName is this process's local origin (Matrix server name).
	// Only one local origin is supported per process.
	ServerName string

	// RoomVersion is the default room version applied to evals that
	// don't carry one already (used by event-id-shape conformance).
	RoomVersion string

	// Eval options (see internal/eval.Options for the per-call bundle;
	// these are process-wide defaults).
	EvalBatchLimit int
	EvalFailFast   bool

	// Fetch unit options (§6 of spec.md).
	FetchEnable        bool
	FetchTimeout       time.Duration
	FetchRequestsMax   int
	FetchCheckEventID  bool
	FetchCheckConforms bool
	FetchCheckSig      bool

	// Key cache TTL.
	KeyCacheTTL time.Duration

	// Rate limiting / peer discipline (reused from the teacher's
	// whitelist/auto-block knobs, retargeted at federation peers).
	PeerWhitelist    []string
	AutoBlockEnabled bool

	// SigningKeySeed is a base64-encoded Ed25519 seed this process
	// signs its own injected events with. Empty means generate an
	// ephemeral key at startup (fine for development; a restart then
	// invalidates every key this process ever signed).
	SigningKeySeed string
	SigningKeyID   string

	// PeerSecrets maps server name to a plaintext shared secret, for
	// registering test-harness mock peers (see internal/federation's
	// bcrypt-backed peer authentication). Real federation peers are
	// never listed here.
	PeerSecrets map[string]string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8008"),
		Env:                getEnv("ENV", "development"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/construct.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		ServerName:         getEnv("SERVER_NAME", "localhost"),
		RoomVersion:        getEnv("ROOM_VERSION", "6"),
		EvalBatchLimit:     getEnvInt("EVAL_BATCH_LIMIT", 128),
		EvalFailFast:       getEnv("EVAL_FAIL_FAST", "false") == "true",
		FetchEnable:        getEnv("FETCH_ENABLE", "true") == "true",
		FetchTimeout:       getEnvSeconds("FETCH_TIMEOUT_SECONDS", 5),
		FetchRequestsMax:   getEnvInt("FETCH_REQUESTS_MAX", 256),
		FetchCheckEventID:  getEnv("FETCH_CHECK_EVENT_ID", "true") == "true",
		FetchCheckConforms: getEnv("FETCH_CHECK_CONFORMS", "false") == "true",
		FetchCheckSig:      getEnv("FETCH_CHECK_SIGNATURE", "true") == "true",
		KeyCacheTTL:        getEnvSeconds("KEY_CACHE_TTL_SECONDS", 86400),
		AutoBlockEnabled:   getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		SigningKeySeed:     os.Getenv("SIGNING_KEY_SEED"),
		SigningKeyID:       getEnv("SIGNING_KEY_ID", "ed25519:auto"),
	}

	// Parse whitelist (comma-separated server names or CIDRs)
	if whitelist := os.Getenv("PEER_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.PeerWhitelist = append(cfg.PeerWhitelist, entry)
			}
		}
	}

	// Parse mock-peer secrets: "serverA=secretA,serverB=secretB".
	if secrets := os.Getenv("PEER_SECRETS"); secrets != "" {
		cfg.PeerSecrets = make(map[string]string)
		for _, entry := range strings.Split(secrets, ",") {
			entry = strings.TrimSpace(entry)
			name, secret, ok := strings.Cut(entry, "=")
			if !ok || name == "" || secret == "" {
				continue
			}
			cfg.PeerSecrets[name] = secret
		}
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
