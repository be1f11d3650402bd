package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"pricewave.io/engine/core/db"
)

// Stores bundles all entity stores over a shared database handle.
type Stores struct {
	eventLogs EventLogStore
	outbox    OutboxStore
	dlqEvents DlqEventStore
	runs      RunStore
	targets   TargetStore
}

// NewStores builds the store set over a pool or transaction handle.
func NewStores(dbtx db.DBTX) *Stores {
	return &Stores{
		eventLogs: newEventLogStore(dbtx),
		outbox:    newOutboxStore(dbtx),
		dlqEvents: newDlqEventStore(dbtx),
		runs:      newRunStore(dbtx),
		targets:   newTargetStore(dbtx),
	}
}

func (s *Stores) EventLogs() EventLogStore { return s.eventLogs }
func (s *Stores) Outbox() OutboxStore      { return s.outbox }
func (s *Stores) DlqEvents() DlqEventStore { return s.dlqEvents }
func (s *Stores) Runs() RunStore           { return s.runs }
func (s *Stores) Targets() TargetStore     { return s.targets }

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores Provider) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(NewStores(tx))
	})
}

func toNullableTimestamp(value *time.Time) pgtype.Timestamptz {
	if value == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{
		Time:  *value,
		Valid: true,
	}
}

func toTimePointer(value pgtype.Timestamptz) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
