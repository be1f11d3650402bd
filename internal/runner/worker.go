package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricewave.io/engine/internal/queue"
)

type WorkerConfig struct {
	MaxAttempts int
}

// Worker drains the run stream and hands each message to the processor.
// Failed messages are requeued until MaxAttempts, then parked on the queue
// DLQ stream.
type Worker struct {
	consumer  *queue.RedisConsumer
	processor *Processor
	cfg       WorkerConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewWorker(consumer *queue.RedisConsumer, processor *Processor, cfg WorkerConfig) *Worker {
	return &Worker{
		consumer:  consumer,
		processor: processor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "run worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "run worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"run_id", msg.RunID)
			w.handleFailedMessage(ctx, msg, err)
			continue
		}

		if err := w.consumer.Ack(ctx, msg); err != nil {
			// Message will be reclaimed, reprocessing a finished run is safe
			slog.WarnContext(ctx, "failed to ACK message",
				"error", err,
				"message_id", msg.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"run_id", msg.RunID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processor.ProcessRun(ctx, msg)
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"run_id", msg.RunID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"run_id", msg.RunID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
