package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"pricewave.io/engine/core/db"
	"pricewave.io/engine/internal/model"
)

type eventLogStore struct {
	db db.DBTX
}

func newEventLogStore(dbtx db.DBTX) EventLogStore {
	return &eventLogStore{db: dbtx}
}

const eventLogColumns = `id, event_key, tenant_id, project_id, event_type, payload, metadata, correlation_id, version, created_at`

func (s *eventLogStore) Insert(ctx context.Context, entry *model.EventLogEntry) (*model.EventLogEntry, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO event_log (id, event_key, tenant_id, project_id, event_type, payload, metadata, correlation_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (event_key, tenant_id) DO NOTHING
		RETURNING `+eventLogColumns,
		entry.ID, entry.EventKey, entry.TenantID, entry.ProjectID,
		entry.EventType, []byte(entry.Payload), nullableJSON(entry.Metadata), entry.CorrelationID,
	)

	inserted, err := scanEventLog(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting event log: %w", err)
	}

	// Conflict: return the existing row untouched.
	existing, err := s.getByKey(ctx, entry.EventKey, entry.TenantID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *eventLogStore) getByKey(ctx context.Context, eventKey, tenantID string) (*model.EventLogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+eventLogColumns+`
		FROM event_log
		WHERE event_key = $1 AND tenant_id = $2`,
		eventKey, tenantID,
	)
	entry, err := scanEventLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *eventLogStore) GetByID(ctx context.Context, id int64) (*model.EventLogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+eventLogColumns+`
		FROM event_log
		WHERE id = $1`,
		id,
	)
	entry, err := scanEventLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *eventLogStore) ListForReplay(ctx context.Context, filter ReplayFilter) ([]model.EventLogEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + eventLogColumns + ` FROM event_log WHERE tenant_id = $1`)
	args := []any{filter.TenantID}

	if len(filter.EventTypes) > 0 {
		args = append(args, filter.EventTypes)
		fmt.Fprintf(&query, ` AND event_type = ANY($%d)`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		fmt.Fprintf(&query, ` AND created_at >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		fmt.Fprintf(&query, ` AND created_at <= $%d`, len(args))
	}
	if filter.CorrelationID != nil {
		args = append(args, *filter.CorrelationID)
		fmt.Fprintf(&query, ` AND correlation_id = $%d`, len(args))
	}

	// Ascending creation order is a replay correctness requirement.
	query.WriteString(` ORDER BY created_at ASC, id ASC`)

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	fmt.Fprintf(&query, ` LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing events for replay: %w", err)
	}
	defer rows.Close()

	return collectEventLogs(rows)
}

func (s *eventLogStore) ListByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventLogColumns+`
		FROM event_log
		WHERE tenant_id = $1 AND correlation_id = $2
		ORDER BY created_at ASC, id ASC`,
		tenantID, correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events by correlation: %w", err)
	}
	defer rows.Close()

	return collectEventLogs(rows)
}

func (s *eventLogStore) CountByType(ctx context.Context, tenantID string) ([]EventTypeCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_type, COUNT(*)
		FROM event_log
		WHERE tenant_id = $1
		GROUP BY event_type
		ORDER BY event_type`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting events by type: %w", err)
	}
	defer rows.Close()

	var counts []EventTypeCount
	for rows.Next() {
		var c EventTypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *eventLogStore) FindDuplicateKeys(ctx context.Context, tenantID string) ([]DuplicateKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_key, tenant_id, COUNT(*)
		FROM event_log
		WHERE tenant_id = $1
		GROUP BY event_key, tenant_id
		HAVING COUNT(*) > 1`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding duplicate event keys: %w", err)
	}
	defer rows.Close()

	var dupes []DuplicateKey
	for rows.Next() {
		var d DuplicateKey
		if err := rows.Scan(&d.EventKey, &d.TenantID, &d.Count); err != nil {
			return nil, err
		}
		dupes = append(dupes, d)
	}
	return dupes, rows.Err()
}

func scanEventLog(row pgx.Row) (*model.EventLogEntry, error) {
	var entry model.EventLogEntry
	err := row.Scan(
		&entry.ID, &entry.EventKey, &entry.TenantID, &entry.ProjectID,
		&entry.EventType, &entry.Payload, &entry.Metadata, &entry.CorrelationID,
		&entry.Version, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectEventLogs(rows pgx.Rows) ([]model.EventLogEntry, error) {
	var entries []model.EventLogEntry
	for rows.Next() {
		entry, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
