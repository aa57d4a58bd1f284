package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tagscout/internal/api"
	"tagscout/internal/browser"
	"tagscout/internal/cache"
	"tagscout/internal/config"
	"tagscout/internal/monitoring"
	"tagscout/internal/relay"
	"tagscout/internal/state"
	"tagscout/internal/storage"
	"tagscout/internal/tracker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("unable to connect to postgres", zap.Error(err))
	}
	defer pgStore.Close()
	logger.Info("postgres connection pool established")

	redisStore := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.SessionTTL())
	if err := redisStore.Ping(ctx); err != nil {
		logger.Fatal("unable to connect to redis", zap.Error(err))
	}
	defer redisStore.Close()
	logger.Info("redis connection established")

	metrics := monitoring.NewMetrics()

	detections := cache.NewStore(logger,
		cache.WithBackend(pgStore),
		cache.WithMaxAge(cfg.CacheMaxAge()),
		cache.WithMaxDomains(cfg.CacheMaxDomains),
	)
	if err := detections.Restore(ctx); err != nil {
		logger.Warn("could not restore detection cache", zap.Error(err))
	}

	states := state.NewStore(logger, state.WithBackend(redisStore))
	if err := states.Restore(ctx); err != nil {
		logger.Warn("could not restore session state", zap.Error(err))
	}

	bus := relay.NewBus(logger)
	defer bus.Close()
	broker := relay.NewBroker(logger, cfg.BrokerTimeout())

	tr := tracker.New(detections, states, bus, metrics, logger)

	session, err := browser.NewSession(cfg, bus, broker, tr, states, metrics, logger)
	if err != nil {
		logger.Fatal("failed to start browser session", zap.Error(err))
	}
	defer session.Close()

	server := api.NewServer(cfg, tr, detections, states, broker, session, pgStore, redisStore, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
