package users

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tickstock/relay/internal/bus"
)

// watchlistKey is the hash the reference-data sync job maintains on the bus:
// one field per user id, value is the JSON subscription.
const watchlistKey = "users:watchlists"

// busSubscription is the stored subscription shape.
type busSubscription struct {
	Symbols       []string `json:"symbols"`
	PatternTypes  []string `json:"pattern_types,omitempty"`
	ConfidenceMin float64  `json:"confidence_min,omitempty"`
}

// BusStore reads watchlists from the bus hash mirrored out of the relational
// reference store. Unreadable entries are skipped, not fatal.
type BusStore struct {
	bus *bus.Client
}

// NewBusStore creates a watchlist source over the shared bus client.
func NewBusStore(busClient *bus.Client) *BusStore {
	return &BusStore{bus: busClient}
}

// Watchlists implements ReferenceStore.
func (s *BusStore) Watchlists(ctx context.Context) (map[string]Subscription, error) {
	fields, err := s.bus.HGetAll(ctx, watchlistKey)
	if err != nil {
		return nil, fmt.Errorf("load watchlists: %w", err)
	}

	out := make(map[string]Subscription, len(fields))
	for userID, raw := range fields {
		var sub busSubscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			continue
		}
		out[userID] = Subscription{
			Symbols:       sub.Symbols,
			PatternTypes:  sub.PatternTypes,
			ConfidenceMin: sub.ConfidenceMin,
		}
	}
	return out, nil
}
