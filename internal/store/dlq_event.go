package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/model"
)

type dlqEventStore struct {
	db db.DBTX
}

func newDlqEventStore(dbtx db.DBTX) DlqEventStore {
	return &dlqEventStore{db: dbtx}
}

const dlqEventColumns = `id, event_log_id, outbox_entry_id, failure_reason, retry_count, created_at`

func (s *dlqEventStore) Create(ctx context.Context, event *model.DlqEvent) (*model.DlqEvent, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO dlq_events (id, event_log_id, outbox_entry_id, failure_reason, retry_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+dlqEventColumns,
		event.ID, event.EventLogID, event.OutboxEntryID, event.FailureReason, event.RetryCount,
	)
	created, err := scanDlqEvent(row)
	if err != nil {
		return nil, fmt.Errorf("creating dlq event: %w", err)
	}
	return created, nil
}

func (s *dlqEventStore) GetByID(ctx context.Context, id int64) (*model.DlqEvent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+dlqEventColumns+`
		FROM dlq_events
		WHERE id = $1`,
		id,
	)
	event, err := scanDlqEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

func (s *dlqEventStore) List(ctx context.Context, limit int32) ([]model.DlqEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+dlqEventColumns+`
		FROM dlq_events
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dlq events: %w", err)
	}
	defer rows.Close()

	var events []model.DlqEvent
	for rows.Next() {
		event, err := scanDlqEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (s *dlqEventStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM dlq_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting dlq event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDlqEvent(row pgx.Row) (*model.DlqEvent, error) {
	var event model.DlqEvent
	err := row.Scan(
		&event.ID, &event.EventLogID, &event.OutboxEntryID,
		&event.FailureReason, &event.RetryCount, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
