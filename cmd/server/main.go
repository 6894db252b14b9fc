package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/feed"
	"github.com/xtrntr/papertrade/internal/memstore"
	"github.com/xtrntr/papertrade/internal/pricing"
	"github.com/xtrntr/papertrade/internal/relay"
	"golang.org/x/sync/errgroup"
)

// store is what the server needs from either backend
type store interface {
	exchange.Store
	auth.UserStore
}

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	prices := pricing.NewService(
		pricing.NewCache(rdb, cfg.Pricing.TTL),
		pricing.NewFinnhubSource(cfg.Finnhub.RESTURL, cfg.Finnhub.APIKey),
		cfg.Pricing.Freshness,
		logger.With("component", "pricing"),
	)
	pending := pricing.NewSymbolRegistry(rdb)

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TradesTopic)
		logger.Info("publishing trades to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.TradesTopic)
	}

	ex := exchange.NewExchange(st, prices, pending, publisher, logger.With("component", "exchange"))
	scanner := exchange.NewScanner(ex, cfg.Scanner.Interval, logger.With("component", "scanner"))

	rl := relay.New(relay.NewRegistry(), prices, logger.With("component", "relay"),
		relay.WithTickObserver(scanner.Nudge))
	reconciler := relay.NewReconciler(rl, pending, cfg.Relay.ReconcileInterval, logger.With("component", "reconciler"))

	var upstream *feed.Client
	if cfg.Finnhub.APIKey != "" {
		upstream = feed.NewClient(feed.Config{URL: cfg.Finnhub.WSURL, Token: cfg.Finnhub.APIKey},
			rl.OnUpstreamTick, rl.UpstreamSymbols, logger.With("component", "feed"))
		rl.SetUpstream(upstream)
	} else {
		logger.Warn("finnhub.api_key not set; live prices disabled")
	}

	authService := auth.NewAuthService(st, auth.Config{
		Secret:         []byte(cfg.Auth.JWTSecret),
		TokenTTL:       cfg.Auth.TokenTTL,
		InitialBalance: cfg.Accounts.InitialBalance,
	})
	handler := api.NewHandler(ex, authService, logger.With("component", "api"))
	stream := api.NewPriceStream(rl, cfg.Relay.QueueSize, logger.With("component", "stream"))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, stream),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if upstream != nil {
		g.Go(func() error { return upstream.Run(gctx) })
	}

	err = g.Wait()
	ex.Wait()
	if cerr := publisher.Close(); cerr != nil {
		logger.Warn("failed to close trade publisher", "error", cerr)
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Migrations != "" {
		migration, err := os.ReadFile(cfg.Store.Migrations)
		if err != nil {
			database.Close(ctx)
			return nil, nil, fmt.Errorf("failed to read migration: %w", err)
		}
		if err := database.Migrate(ctx, string(migration)); err != nil {
			database.Close(ctx)
			return nil, nil, err
		}
	}
	return database, func() { database.Close(context.Background()) }, nil
}
