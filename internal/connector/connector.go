// Package connector abstracts the outbound price channels (storefronts,
// marketplaces, feeds). The run worker only ever talks to a PriceConnector;
// channel-specific clients live behind this interface.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pricewave.io/engine/internal/model"
)

// ApplyRequest carries everything a channel needs to set one price.
type ApplyRequest struct {
	ExternalID string
	VariantID  *string
	PriceCents int64
	Currency   string
}

// PriceConnector is implemented once per sales channel. ApplyPrice must be
// idempotent with respect to the requested price: re-applying the same value
// is a no-op on the channel side. Failures should be returned as
// backoff.Error values so the worker can classify them.
type PriceConnector interface {
	Channel() string
	ApplyPrice(ctx context.Context, req ApplyRequest) (*model.PriceSnapshot, error)
	FetchPrice(ctx context.Context, externalID string, variantID *string) (*model.PriceSnapshot, error)
	Healthy(ctx context.Context) error
}

// Registry resolves connectors by channel name. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]PriceConnector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]PriceConnector)}
}

func (r *Registry) Register(c PriceConnector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Channel()
	if name == "" {
		return fmt.Errorf("connector has empty channel name")
	}
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %q already registered", name)
	}
	r.connectors[name] = c
	return nil
}

func (r *Registry) Get(channel string) (PriceConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[channel]
	if !ok {
		return nil, fmt.Errorf("no connector registered for channel %q", channel)
	}
	return c, nil
}

// Channels returns the registered channel names sorted for stable output.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
