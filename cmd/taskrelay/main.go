package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	trhttp "github.com/relaykit/taskrelay/internal/adapter/http"
	trnats "github.com/relaykit/taskrelay/internal/adapter/nats"
	"github.com/relaykit/taskrelay/internal/adapter/postgres"
	"github.com/relaykit/taskrelay/internal/adapter/ristretto"
	"github.com/relaykit/taskrelay/internal/adapter/telegram"
	"github.com/relaykit/taskrelay/internal/config"
	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/logger"
	"github.com/relaykit/taskrelay/internal/resilience"
	"github.com/relaykit/taskrelay/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"poll_interval", cfg.Dispatcher.PollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := trnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	recipientCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer recipientCache.Close()

	// --- Services ---

	policy := delivery.Policy{
		BaseDelay:   cfg.Dispatcher.BaseDelay,
		MaxDelay:    cfg.Dispatcher.MaxDelay,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		RetryWindow: cfg.Dispatcher.RetryWindow,
	}

	store := postgres.NewStore(pool, policy)
	ingest := service.NewIngest(store, log)
	selector := service.NewSelector(store, recipientCache, cfg.Cache.RecipientTTL, log)
	sender := telegram.NewSender(cfg.Telegram)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	dispatcher := service.NewDispatcher(store, selector, sender, breaker, policy, cfg.Dispatcher.ClaimTTL, log)

	unsubscribe, err := ingest.StartInboxSubscriber(ctx, queue)
	if err != nil {
		return fmt.Errorf("inbox subscriber: %w", err)
	}
	defer unsubscribe()

	// --- HTTP ---

	handlers := trhttp.NewHandlers(ingest, store, policy, pool.Ping)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	trhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := dispatcher.Run(gctx, cfg.Dispatcher.PollInterval, cfg.Dispatcher.BatchLimit)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
