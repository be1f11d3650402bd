package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RunMessage asks a worker to execute one price run.
type RunMessage struct {
	RunID     int64
	ProjectID int64
	TenantID  string
	TraceID   *string
	Attempt   int
}

type Producer interface {
	Enqueue(ctx context.Context, msg RunMessage) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, msg RunMessage) error {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	fields := map[string]any{
		"run_id":     msg.RunID,
		"project_id": msg.ProjectID,
		"tenant_id":  msg.TenantID,
		"attempt":    attempt,
	}

	if msg.TraceID != nil && *msg.TraceID != "" {
		fields["trace_id"] = *msg.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued price run", "run_id", msg.RunID, "project_id", msg.ProjectID, "attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
