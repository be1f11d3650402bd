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

type runStore struct {
	db db.DBTX
}

func newRunStore(dbtx db.DBTX) RunStore {
	return &runStore{db: dbtx}
}

const runColumns = `id, tenant_id, project_id, rule_id, status, queued_at, finished_at`

func (s *runStore) Create(ctx context.Context, run *model.Run) (*model.Run, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO price_runs (id, tenant_id, project_id, rule_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+runColumns,
		run.ID, run.TenantID, run.ProjectID, run.RuleID, run.Status,
	)
	created, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return created, nil
}

func (s *runStore) GetByID(ctx context.Context, id int64) (*model.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM price_runs
		WHERE id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *runStore) MarkFinished(ctx context.Context, id int64, status model.RunStatus, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE price_runs
		SET status = $2, finished_at = $3
		WHERE id = $1`,
		id, status, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *runStore) SetQueued(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE price_runs
		SET status = $2, finished_at = NULL
		WHERE id = $1`,
		id, model.RunStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("re-queueing run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	err := row.Scan(
		&run.ID, &run.TenantID, &run.ProjectID, &run.RuleID,
		&run.Status, &run.QueuedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
