package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	sdkotel "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"pricewave.io/engine/common/id"
	"pricewave.io/engine/common/logger"
	"pricewave.io/engine/common/otel"
	"pricewave.io/engine/core/config"
	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/connector"
	"pricewave.io/engine/internal/ledger"
	"pricewave.io/engine/internal/metrics"
	"pricewave.io/engine/internal/outbox"
	"pricewave.io/engine/internal/queue"
	"pricewave.io/engine/internal/reconcile"
	"pricewave.io/engine/internal/runner"
	"pricewave.io/engine/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "engine worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.RedisGroup,
		"consumer_name", cfg.Queue.RedisConsumer)

	// Different node id than the server so snowflake ids never collide.
	if err := id.Init(2); err != nil {
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.RedisStream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.RedisStream,
		Group:        cfg.Queue.RedisGroup,
		Consumer:     cfg.Queue.RedisConsumer,
		DLQStream:    cfg.Queue.RedisDLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.RedisStream, nil)

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

	dispatcher := outbox.NewDispatcher(stores, txRunner, ledgerSvc, registry, recorder, cfg.Outbox, nil)

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

	reconcileSvc := reconcile.New(stores, txRunner, ledgerSvc, connectors, producer, recorder, cfg.Reconciliation, nil)
	delayer := reconcile.NewDelayer(reconcileSvc, cfg.Runner.ReconciliationDelay, cfg.Reconciliation.AutoRetry, nil)

	backoffOpts := backoff.Options{
		BaseDelay:  cfg.Backoff.BaseDelay,
		MaxDelay:   cfg.Backoff.MaxDelay,
		Multiplier: cfg.Backoff.Multiplier,
		Jitter:     cfg.Backoff.Jitter,
	}

	processor := runner.NewProcessor(stores, ledgerSvc, connectors, recorder, delayer, cfg.Runner, backoffOpts, nil)

	worker := runner.NewWorker(consumer, processor, runner.WorkerConfig{
		MaxAttempts: 3,
	})

	reclaimer := runner.NewReclaimer(redisClient, runner.ReclaimerConfig{
		Stream:    cfg.Queue.RedisStream,
		Group:     cfg.Queue.RedisGroup,
		Consumer:  cfg.Queue.RedisConsumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, processor.ProcessRun)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		reclaimer.Run(groupCtx)
		return nil
	})

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Reclaimer and dispatcher stop quickly; the worker may be mid-run.
	reclaimer.Stop()
	dispatcher.Stop()
	worker.Stop()

	// Pending reconciliation timers are canceled, not awaited.
	delayer.Close()

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-done:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
██████╗ ██████╗ ██╗ ██████╗███████╗██╗    ██╗ █████╗ ██╗   ██╗███████╗
██╔══██╗██╔══██╗██║██╔════╝██╔════╝██║    ██║██╔══██╗██║   ██║██╔════╝
██████╔╝██████╔╝██║██║     █████╗  ██║ █╗ ██║███████║██║   ██║█████╗
██╔═══╝ ██╔══██╗██║██║     ██╔══╝  ██║███╗██║██╔══██║╚██╗ ██╔╝██╔══╝
██║     ██║  ██║██║╚██████╗███████╗╚███╔███╔╝██║  ██║ ╚████╔╝ ███████╗
╚═╝     ╚═╝  ╚═╝╚═╝ ╚═════╝╚══════╝ ╚══╝╚══╝ ╚═╝  ╚═╝  ╚═══╝  ╚══════╝
`
