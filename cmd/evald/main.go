package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mmmika/construct/internal/api"
	"github.com/mmmika/construct/internal/api/handlers"
	"github.com/mmmika/construct/internal/auth"
	"github.com/mmmika/construct/internal/config"
	"github.com/mmmika/construct/internal/crypto"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/eval"
	"github.com/mmmika/construct/internal/federation"
	"github.com/mmmika/construct/internal/fetch"
	"github.com/mmmika/construct/internal/keys"
	"github.com/mmmika/construct/internal/registry"
	"github.com/mmmika/construct/internal/sched"
	"github.com/mmmika/construct/internal/stateres"
	"github.com/mmmika/construct/internal/storage"
)

// zlogAdapter satisfies fetch.Logger over a zerolog.Logger, keeping
// internal/fetch free of a direct zerolog dependency.
type zlogAdapter struct {
	logger zerolog.Logger
}

func (a zlogAdapter) Warnf(format string, args ...any)  { a.logger.Warn().Msgf(format, args...) }
func (a zlogAdapter) Debugf(format string, args ...any) { a.logger.Debug().Msgf(format, args...) }

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	var columnar storage.Columnar
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()
		columnar = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sl, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sl.Close()
		columnar = sl
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	}

	if err := columnar.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("connected to Redis")
	}

	pool := federation.New(cfg.ServerName, redisClient, logger)

	for serverName, secret := range cfg.PeerSecrets {
		hash, err := federation.HashPeerSecret(secret)
		if err != nil {
			logger.Fatal().Err(err).Str("server_name", serverName).Msg("failed to hash peer secret")
		}
		pool.SetPeerSecret(serverName, hash)
		logger.Info().Str("server_name", serverName).Msg("registered mock peer secret")
	}

	keyFetcher := federation.KeyFetcher{Pool: pool, Decode: federation.DecodeServerKeys}
	var keyCache *keys.Cache
	if redisClient != nil {
		keyCache = keys.NewRedis(redisClient, keyFetcher, cfg.KeyCacheTTL)
	} else {
		keyCache = keys.NewMemory(keyFetcher, cfg.KeyCacheTTL)
	}

	signer, err := crypto.NewServerSigner(cfg.ServerName, cfg.SigningKeyID, cfg.SigningKeySeed)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server signing key")
	}
	logger.Info().Str("key_id", signer.KeyID).Msg("server signing key ready")
	keyCache.Put(ctx, keys.Entry{
		ServerName: cfg.ServerName,
		KeyID:      signer.KeyID,
		PublicKey:  signer.PublicKey(),
		ValidUntil: time.Now().Add(365 * 24 * time.Hour),
	})

	runlevel := sched.NewRunlevel(sched.LevelStart)

	fetchOpts := fetch.DefaultOptions()
	fetchOpts.Enable = cfg.FetchEnable
	fetchOpts.Timeout = cfg.FetchTimeout
	fetchOpts.RequestsMax = cfg.FetchRequestsMax
	fetchOpts.CheckEventID = cfg.FetchCheckEventID
	fetchOpts.CheckConforms = cfg.FetchCheckConforms
	fetchOpts.CheckSignature = cfg.FetchCheckSig
	fetchOpts.RoomVersion = cfg.RoomVersion

	fetchUnit := fetch.New(fetchOpts, pool, keyCache, fetch.HTTPTransport{}, columnar, columnar, zlogAdapter{logger}, runlevel)
	if redisClient != nil {
		fetchUnit.SetRedis(redisClient)
	}

	reg := registry.New()

	evalOpts := eval.DefaultOptions()
	evalOpts.RoomVersion = cfg.RoomVersion
	evalOpts.Limit = cfg.EvalBatchLimit
	evalOpts.FailFast = cfg.EvalFailFast

	deps := eval.Deps{
		Registry: reg,
		Storage:  columnar,
		Fetcher:  fetchUnit,
		Keys:     keyCache,
		Auth:     auth.NewReference(),
		Resolver: stateres.NewReference(),
		Notify: func(roomID string, e *event.Event) {
			logger.Debug().Str("room_id", roomID).Str("event_id", e.EventID).Str("type", e.Type).Msg("event committed")
		},
	}

	h := handlers.New(deps, reg, runlevel, logger, cfg.ServerName, evalOpts)
	h.Signer = signer
	h.Pool = pool

	router := api.NewRouter(logger, h)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runlevel.Set(sched.LevelRun)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("server_name", cfg.ServerName).
			Str("env", cfg.Env).
			Msg("starting event evaluation core")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	runlevel.Set(sched.LevelQuit)
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
