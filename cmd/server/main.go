package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	sdkotel "go.opentelemetry.io/otel"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/common/otel"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/dlq"
	"pricewave.io/engine/internal/http/handler"
	"pricewave.io/engine/internal/http/middleware"
	httprouter "pricewave.io/engine/internal/http/router"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/outbox"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/reconcile"
	"pricewave.io/engine/internal/replay"
	"pricewave.io/engine/internal/service"
	"pricewave.io/engine/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "engine api starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.RedisStream)

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.RedisStream, nil)
	defer producer.Close()

	recorder, err := metrics.New(sdkotel.GetMeterProvider(), "pricewave")
	if err != nil {
		slog.ErrorContext(ctx, "failed to create metrics recorder", "error", err)
		os.Exit(1)
	}

	stores := store.NewStores(database.Pool())
	txRunner := store.NewTxRunner(database)

	ledgerSvc := ledger.New(stores, txRunner, cfg.Outbox, nil)

	registry := outbox.NewRegistry()
	if cfg.EventWebhook.URL != "" {
		registry.Register(outbox.NewWebhookSubscriber(cfg.EventWebhook))
		slog.InfoContext(ctx, "event webhook subscriber registered", "url", cfg.EventWebhook.URL)
	}

	connectors := connector.NewRegistry()
	for channel, baseURL := range cfg.Connectors.Endpoints {
		conn := connector.NewRESTConnector(connector.RESTConfig{
			Channel: channel,
			BaseURL: baseURL,
			APIKey:  cfg.Connectors.APIKeys[channel],
			Timeout: cfg.Connectors.Timeout,
		})
		if err := connectors.Register(conn); err != nil {
			slog.ErrorContext(ctx, "failed to register connector", "channel", channel, "error", err)
			os.Exit(1)
		}
	}
	slog.InfoContext(ctx, "connectors registered", "channels", connectors.Channels())

	runSvc := service.NewRunService(stores, txRunner, producer, nil)
	dlqSvc := dlq.New(stores, txRunner, ledgerSvc, producer, recorder, cfg.DLQ, nil)
	// The dispatcher loop runs in the worker; the API only borrows its
	// dead-letter recovery path.
	dispatcher := outbox.NewDispatcher(stores, txRunner, ledgerSvc, registry, recorder, cfg.Outbox, nil)
	reconcileSvc := reconcile.New(stores, txRunner, ledgerSvc, connectors, producer, recorder, cfg.Reconciliation, nil)
	replaySvc := replay.New(stores, ledgerSvc, registry, nil)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, httprouter.Handlers{
		Runs:   handler.NewRunHandler(runSvc, dlqSvc, reconcileSvc),
		Events: handler.NewEventHandler(replaySvc),
		DLQ:    handler.NewDLQHandler(dlqSvc, dispatcher),
	}, httprouter.RouterConfig{
		AdminAPIKey: cfg.AdminAPIKey,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

const banner = `
██████╗ ██████╗ ██╗ ██████╗███████╗██╗    ██╗ █████╗ ██╗   ██╗███████╗
██╔══██╗██╔══██╗██║██╔════╝██╔════╝██║    ██║██╔══██╗██║   ██║██╔════╝
██████╔╝██████╔╝██║██║     █████╗  ██║ █╗ ██║███████║██║   ██║█████╗
██╔═══╝ ██╔══██╗██║██║     ██╔══╝  ██║███╗██║██╔══██║╚██╗ ██╔╝██╔══╝
██║     ██║  ██║██║╚██████╗███████╗╚███╔███╔╝██║  ██║ ╚████╔╝ ███████╗
╚═╝     ╚═╝  ╚═╝╚═╝ ╚═════╝╚══════╝ ╚══╝╚══╝ ╚═╝  ╚═╝  ╚═══╝  ╚══════╝
`
