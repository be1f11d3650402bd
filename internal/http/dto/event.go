package dto

import (
	"time"

	"pricewave.io/engine/internal/store"
)

type ReplayRequest struct {
	TenantID      string     `json:"tenant_id" binding:"required"`
	EventTypes    []string   `json:"event_types,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	CorrelationID *string    `json:"correlation_id,omitempty"`
	Limit         int32      `json:"limit,omitempty"`
}

func (r ReplayRequest) ToFilter() store.ReplayFilter {
	return store.ReplayFilter{
		TenantID:      r.TenantID,
		EventTypes:    r.EventTypes,
		From:          r.From,
		To:            r.To,
		CorrelationID: r.CorrelationID,
		Limit:         r.Limit,
	}
}
