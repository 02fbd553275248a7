package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tradewatch/alert-service/internal/alerts"
	"github.com/tradewatch/alert-service/internal/api"
	"github.com/tradewatch/alert-service/internal/cache"
	"github.com/tradewatch/alert-service/internal/config"
	"github.com/tradewatch/alert-service/internal/database"
	"github.com/tradewatch/alert-service/internal/hub"
	"github.com/tradewatch/alert-service/internal/kafka"
	"github.com/tradewatch/alert-service/internal/models"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.Database.MigrationsPath); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	// Redis is optional: without it the market-data endpoint and
	// cross-instance invalidation are disabled, alerts still flow.
	redisCache, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, tick cache disabled")
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	// Kafka
	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic)
	defer producer.Close()

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TicksTopic, cfg.Kafka.GroupID, logger)

	// Subscription hub, fed by the tick consumer
	subscriptionHub := hub.New(consumer, logger)

	// Alert generator
	generator := alerts.New(db, subscriptionHub, producer, cfg.Engine.RulesCacheTTL, logger)
	if err := generator.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start alert generator")
	}
	defer generator.Stop()

	if redisCache != nil {
		redisCache.SubscribeRulesInvalidated(ctx, generator.InvalidateCache)
	}

	// Watchlist symbols are monitored from the start.
	symbols, err := db.GetActiveWatchlistSymbols()
	if err != nil {
		logger.WithError(err).Fatal("failed to load watchlist")
	}
	if len(symbols) > 0 {
		if err := consumer.Subscribe(symbols); err != nil {
			logger.WithError(err).Error("failed to register watchlist symbols")
		}
		logger.WithField("symbols", len(symbols)).Info("watchlist symbols registered")
	}

	consumer.OnTick(func(ctx context.Context, symbol string, snapshot models.MarketSnapshot) {
		generator.OnTick(ctx, symbol, snapshot)
		subscriptionHub.BroadcastToSymbol(symbol, hub.Envelope{
			Type: hub.MessageTypeMarketData,
			Data: snapshot,
		})
		if redisCache != nil {
			if err := redisCache.SetLatestTick(ctx, symbol, snapshot); err != nil {
				logger.WithError(err).WithField("symbol", symbol).Error("failed to cache tick")
			}
		}
	})

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("tick consumer stopped")
		}
	}()

	// HTTP server
	handler := api.NewHandler(db, generator, subscriptionHub, consumer, redisCache, logger)
	router := api.SetupRoutes(handler, hub.ServeWS(subscriptionHub, logger))

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown failed")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}
