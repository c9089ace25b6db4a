package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/api"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/blob"
	"github.com/cloudzz-dev/cldzshop/internal/server/chat"
	"github.com/cloudzz-dev/cldzshop/internal/server/config"
	"github.com/cloudzz-dev/cldzshop/internal/server/logging"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
	"github.com/cloudzz-dev/cldzshop/internal/server/memory"
	"github.com/cloudzz-dev/cldzshop/internal/server/ratelimit"
	"github.com/cloudzz-dev/cldzshop/internal/server/realtime"
	"github.com/cloudzz-dev/cldzshop/internal/server/storage"
	"github.com/cloudzz-dev/cldzshop/internal/server/storefront"
	"github.com/cloudzz-dev/cldzshop/internal/server/ws"
)

func main() {
	inMemory := flag.Bool("memory", false, "keep all data in process (development only)")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blob.New(cfg.BlobDir, cfg.PublicURL)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("blob store")
	}

	var client *backend.Client
	if *inMemory {
		client = memory.New().Client()
		logger.Warn().Msg("using in-memory backend, data is lost on exit")
	} else {
		var closeBackend func()
		client, closeBackend = openBackend(ctx, cfg, logger)
		defer closeBackend()
	}
	client.Blobs = blobs

	clock := clockwork.NewRealClock()
	authSvc := auth.NewService(client.Sessions, client.Directory, cfg.SessionTTL, clock, logger)
	limiter := ratelimit.New(cfg.MaxConnectionsPerIP, cfg.AuthAttemptsPerMin, clock)
	go limiter.Run(ctx)

	hub := ws.NewHub(authSvc, limiter, chat.Deps{
		Client:        client,
		Clock:         clock,
		TypingTimeout: cfg.TypingTimeout,
		Logger:        logger,
	}, logger)
	go hub.Run(ctx)

	router := api.NewRouter(api.Deps{
		Logger:     logger,
		Auth:       authSvc,
		Storefront: storefront.NewService(client, media.NewUploader(blobs, clock), logger),
		Hub:        hub,
		Limiter:    limiter,
		Objects:    blobs.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int("max_connections_per_ip", cfg.MaxConnectionsPerIP).
			Int("auth_attempts_per_min", cfg.AuthAttemptsPerMin).
			Msg("starting cldzshop server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server stopped")
}

// openBackend connects Postgres, its insert feed and the presence
// store. Without REDIS_URL presence stays in process, which only works
// for a single server.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend.Client, func()) {
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set; use -memory for a throwaway backend")
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("connected to PostgreSQL")

	feed, err := realtime.NewPGFeed(cfg.DatabaseURL, store, realtime.NewBroker(0), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("message feed")
	}

	var presence backend.Presence
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		presence = realtime.NewRedisPresence(rdb, logger)
		logger.Info().Msg("connected to Redis")
	} else {
		presence = realtime.NewLocalPresence()
		logger.Warn().Msg("REDIS_URL not set, typing presence is local to this process")
	}

	client := &backend.Client{
		Sessions:      store,
		Directory:     store,
		Conversations: store,
		Messages:      store,
		Feed:          feed,
		Presence:      presence,
		Posts:         store,
		Catalog:       store,
		Follows:       store,
	}
	return client, func() {
		feed.Close()
		if rdb != nil {
			rdb.Close()
		}
		store.Close()
	}
}
