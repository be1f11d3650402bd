package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/model"
)

type targetStore struct {
	db db.DBTX
}

func newTargetStore(dbtx db.DBTX) TargetStore {
	return &targetStore{db: dbtx}
}

const targetColumns = `id, run_id, product_id, channel, external_id, variant_id, price_cents, currency,
	status, attempts, error_message, error_code, last_attempt, before_json, after_json`

func (s *targetStore) CreateBatch(ctx context.Context, targets []model.Target) error {
	for i := range targets {
		t := &targets[i]
		_, err := s.db.Exec(ctx, `
			INSERT INTO run_targets (id, run_id, product_id, channel, external_id, variant_id, price_cents, currency, status, before_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.RunID, t.ProductID, t.Channel, t.ExternalID, t.VariantID,
			t.PriceCents, t.Currency, t.Status, nullableJSON(t.BeforeJSON),
		)
		if err != nil {
			return fmt.Errorf("creating target %d: %w", t.ID, err)
		}
	}
	return nil
}

func (s *targetStore) GetByID(ctx context.Context, id int64) (*model.Target, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE id = $1`,
		id,
	)
	target, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return target, nil
}

func (s *targetStore) ListByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE run_id = $1
		ORDER BY id ASC`,
		runID,
	)
}

func (s *targetStore) ListQueuedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE run_id = $1 AND status = 'QUEUED'
		ORDER BY id ASC`,
		runID,
	)
}

func (s *targetStore) ListAppliedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE run_id = $1 AND status = 'APPLIED'
		ORDER BY id ASC`,
		runID,
	)
}

func (s *targetStore) ClaimQueued(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE run_targets
		SET status = 'APPLYING'
		WHERE id = $1 AND status = 'QUEUED'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("claiming target: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *targetStore) MarkApplied(ctx context.Context, id int64, afterJSON json.RawMessage, attempts int32, lastAttempt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE run_targets
		SET status = 'APPLIED', after_json = $2, attempts = $3, last_attempt = $4,
			error_message = NULL, error_code = NULL
		WHERE id = $1`,
		id, nullableJSON(afterJSON), attempts, lastAttempt,
	)
	if err != nil {
		return fmt.Errorf("marking target applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *targetStore) MarkFailed(ctx context.Context, id int64, errMsg string, errCode *string, attempts int32, lastAttempt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE run_targets
		SET status = 'FAILED', error_message = $2, error_code = $3, attempts = $4, last_attempt = $5
		WHERE id = $1`,
		id, errMsg, errCode, attempts, lastAttempt,
	)
	if err != nil {
		return fmt.Errorf("marking target failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *targetStore) ResetToQueued(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}

	var errMsg *string
	if reason != "" {
		errMsg = &reason
	}

	_, err := s.db.Exec(ctx, `
		UPDATE run_targets
		SET status = 'QUEUED', attempts = 0, error_message = $2, error_code = NULL, after_json = NULL
		WHERE id = ANY($1)`,
		ids, errMsg,
	)
	if err != nil {
		return fmt.Errorf("resetting targets to queued: %w", err)
	}
	return nil
}

func (s *targetStore) ListFailedByProject(ctx context.Context, projectID int64, limit int32) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets t
		WHERE t.status = 'FAILED'
		  AND t.run_id IN (SELECT id FROM price_runs WHERE project_id = $1)
		ORDER BY t.last_attempt ASC NULLS FIRST
		LIMIT $2`,
		projectID, limit,
	)
}

func (s *targetStore) ListFailedByRun(ctx context.Context, runID int64) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE run_id = $1 AND status = 'FAILED'
		ORDER BY id ASC`,
		runID,
	)
}

func (s *targetStore) ListStaleFailed(ctx context.Context, before time.Time, limit int32) ([]model.Target, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM run_targets
		WHERE status = 'FAILED' AND last_attempt IS NOT NULL AND last_attempt < $1
		ORDER BY last_attempt ASC
		LIMIT $2`,
		before, limit,
	)
}

func (s *targetStore) DeleteFailedOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM run_targets
		WHERE status = 'FAILED' AND last_attempt IS NOT NULL AND last_attempt < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("purging old failed targets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *targetStore) list(ctx context.Context, query string, args ...any) ([]model.Target, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *target)
	}
	return targets, rows.Err()
}

func scanTarget(row pgx.Row) (*model.Target, error) {
	var t model.Target
	err := row.Scan(
		&t.ID, &t.RunID, &t.ProductID, &t.Channel, &t.ExternalID, &t.VariantID,
		&t.PriceCents, &t.Currency, &t.Status, &t.Attempts,
		&t.ErrorMessage, &t.ErrorCode, &t.LastAttempt, &t.BeforeJSON, &t.AfterJSON,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
