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

	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/eventbus"
	"github.com/mamadbah2/chanway/internal/eventbus/amqp"
	"github.com/mamadbah2/chanway/internal/metrics"
	"github.com/mamadbah2/chanway/internal/repository"
	"github.com/mamadbah2/chanway/internal/repository/mongodb"
	"github.com/mamadbah2/chanway/internal/repository/sqlite"
	"github.com/mamadbah2/chanway/internal/scheduler"
	"github.com/mamadbah2/chanway/internal/secrets"
	"github.com/mamadbah2/chanway/internal/server/handlers"
	"github.com/mamadbah2/chanway/internal/server/router"
	"github.com/mamadbah2/chanway/internal/service/dispatcher"
	"github.com/mamadbah2/chanway/internal/service/instances"
	"github.com/mamadbah2/chanway/internal/service/webhooks"
	"github.com/mamadbah2/chanway/pkg/clients/instagram"
	"github.com/mamadbah2/chanway/pkg/clients/telegram"
	"github.com/mamadbah2/chanway/pkg/clients/whatsapp"
	"github.com/mamadbah2/chanway/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.Server.LogLevel))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)

	store, err := openStore(context.Background(), cfg.Store)
	if err != nil {
		baseLogger.Fatal("failed to init instance store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			baseLogger.Error("failed to close instance store", zap.Error(err))
		}
	}()

	promMetrics := metrics.New()

	broker, err := openBroker(cfg.Bus, promMetrics, baseLogger)
	if err != nil {
		baseLogger.Fatal("failed to init event bus", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
	}
	bus := eventbus.New(broker, cfg.Bus.Source, promMetrics, baseLogger)
	defer func() {
		if err := bus.Close(); err != nil {
			baseLogger.Error("failed to close event bus", zap.Error(err))
		}
	}()

	if cfg.Secrets.Key == "" {
		baseLogger.Warn("SECRETS_KEY missing, telegram instances and tenant api keys are unavailable")
	}
	codec := secrets.NewCodec(cfg.Secrets.Key)
	integrations := repository.NewSealedIntegrations(store, codec)

	telegramClient := telegram.NewClient(cfg.Telegram)
	providers := instances.Providers{
		WhatsApp:  whatsapp.NewClient(cfg.Evolution, integrations),
		Instagram: instagram.NewClient(cfg.Instagram, integrations),
		Telegram:  telegramClient,
	}

	registry := instances.NewService(instances.Options{
		PublicBaseURL:         cfg.Server.PublicBaseURL,
		TelegramWebhookSecret: cfg.Webhooks.TelegramSecret,
	}, store, providers, codec, instances.NewQRCache(cfg.QRCache.TTL), baseLogger)

	webhookSvc := webhooks.NewService(cfg.Webhooks, registry, telegramClient, bus, promMetrics, baseLogger)

	outbound := dispatcher.New(registry, providers, bus, baseLogger)
	if err := outbound.Start(context.Background()); err != nil {
		baseLogger.Fatal("failed to start outbound dispatcher", zap.Error(err))
	}
	defer outbound.Stop()

	if cfg.Reconcile.Enabled {
		sched := scheduler.NewScheduler(cfg.Reconcile, registry, promMetrics, baseLogger)
		if err := sched.Start(); err != nil {
			baseLogger.Fatal("failed to start scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	engine := router.New(
		handlers.NewWebhookHandler(webhookSvc, baseLogger),
		handlers.NewInstanceHandler(registry, outbound, integrations, baseLogger),
		handlers.NewMediaHandler(registry, telegramClient, baseLogger),
		promMetrics.Handler(),
		logger.Named(baseLogger, "router"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		baseLogger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	case "mongodb":
		return mongodb.NewMongoDBRepository(ctx, cfg.MongoURI, cfg.MongoDB)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

func openBroker(cfg config.BusConfig, m *metrics.Metrics, logger *zap.Logger) (eventbus.Broker, error) {
	switch cfg.Driver {
	case "memory":
		return eventbus.NewMemoryBroker(256, func(channel string) {
			m.EventDropped(channel, eventbus.DropSlowSubscriber)
		}), nil
	case "amqp":
		return amqp.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
	}
	return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
}
