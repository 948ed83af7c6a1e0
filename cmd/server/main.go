package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"tiendalotes/backend/internal/cache"
	"tiendalotes/backend/internal/config"
	"tiendalotes/backend/internal/httpapi"
	"tiendalotes/backend/internal/lock"
	"tiendalotes/backend/internal/logging"
	"tiendalotes/backend/internal/service"
	"tiendalotes/backend/internal/store"
	"tiendalotes/backend/internal/store/memory"
	pgstore "tiendalotes/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogPretty)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("schema migration failed")
			}
			log.Info().Msg("schema migrated")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Str("repository", "postgres").Msg("repository ready")
	} else {
		repo = memory.NewSeeded()
		log.Info().Str("repository", "memory").Msg("repository ready")
	}

	opts := service.Options{
		MaxFulfillAttempts: cfg.FulfillMaxAttempts,
		RetryBackoff:       cfg.FulfillRetryBackoff,
		CacheTTL:           cfg.ValuationCacheTTL,
		LockTTL:            cfg.OrderLockTTL,
	}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		valuationCache := cache.NewRedisValuationCache(client)
		if err := valuationCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache and process-local order locks")
			_ = client.Close()
		} else {
			opts.Cache = valuationCache
			opts.Locker = lock.NewRedisLocker(client)
			closers = append(closers, client.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache and locks: redis")
		}
	} else {
		log.Info().Msg("cache: noop, order locks: process-local")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.ExpiringLotsDays)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("lot costing backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func validateConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.FulfillRetryBackoff*time.Duration(cfg.FulfillMaxAttempts) > cfg.OrderLockTTL {
		return fmt.Errorf("FULFILL_RETRY_BACKOFF_MS x FULFILL_MAX_ATTEMPTS must stay below ORDER_LOCK_TTL_SECONDS")
	}
	return nil
}
