package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/model"
)

type outboxStore struct {
	db db.DBTX
}

func newOutboxStore(dbtx db.DBTX) OutboxStore {
	return &outboxStore{db: dbtx}
}

const outboxColumns = `id, event_log_id, status, retry_count, max_retries, next_retry_at, processed_at, last_error, created_at, updated_at`

func (s *outboxStore) Create(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO outbox_entries (id, event_log_id, status, retry_count, max_retries, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+outboxColumns,
		entry.ID, entry.EventLogID, entry.Status, entry.RetryCount, entry.MaxRetries,
		toNullableTimestamp(entry.NextRetryAt),
	)
	created, err := scanOutboxEntry(row)
	if err != nil {
		return nil, fmt.Errorf("creating outbox entry: %w", err)
	}
	return created, nil
}

func (s *outboxStore) GetByID(ctx context.Context, id int64) (*model.OutboxEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE id = $1`,
		id,
	)
	entry, err := scanOutboxEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *outboxStore) ListDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		model.OutboxStatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *outboxStore) MarkProcessing(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, model.OutboxStatusProcessing)
}

func (s *outboxStore) MarkCompleted(ctx context.Context, id int64, processedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, processed_at = $3, updated_at = now()
		WHERE id = $1`,
		id, model.OutboxStatusCompleted, processedAt,
	)
	if err != nil {
		return fmt.Errorf("marking outbox entry completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *outboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		id, model.OutboxStatusFailed, lastError,
	)
	if err != nil {
		return fmt.Errorf("marking outbox entry failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *outboxStore) ScheduleRetry(ctx context.Context, id int64, retryCount int32, nextRetryAt time.Time, lastError string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1`,
		id, model.OutboxStatusPending, retryCount, nextRetryAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("scheduling outbox retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *outboxStore) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < $3`,
		model.OutboxStatusPending, model.OutboxStatusProcessing, before,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stale processing entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *outboxStore) CountByStatus(ctx context.Context, status model.OutboxStatus) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_entries WHERE status = $1`,
		status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting outbox entries: %w", err)
	}
	return count, nil
}

func (s *outboxStore) setStatus(ctx context.Context, id int64, status model.OutboxStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("updating outbox status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOutboxEntry(row pgx.Row) (*model.OutboxEntry, error) {
	var entry model.OutboxEntry
	err := row.Scan(
		&entry.ID, &entry.EventLogID, &entry.Status, &entry.RetryCount, &entry.MaxRetries,
		&entry.NextRetryAt, &entry.ProcessedAt, &entry.LastError,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
