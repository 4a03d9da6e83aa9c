// Package users resolves which users should receive a detected pattern,
// backed by an in-memory snapshot of per-user watchlists refreshed from the
// reference store.
package users

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/monitoring"
)

// Subscription is one user's alert rules. PatternTypes and ConfidenceMin are
// optional refinements; when absent the rules reduce to symbol membership.
type Subscription struct {
	Symbols       []string
	PatternTypes  []string
	ConfidenceMin float64
}

// ReferenceStore is the read-only source of watchlist data. The relational
// store behind it is an external collaborator.
type ReferenceStore interface {
	Watchlists(ctx context.Context) (map[string]Subscription, error)
}

// snapshot is the immutable compiled form swapped atomically on refresh.
type snapshot struct {
	users map[string]compiled
}

type compiled struct {
	symbols       map[string]struct{}
	patternTypes  map[string]struct{} // nil = any
	confidenceMin float64
}

// Filter answers users_for lookups from the current snapshot. Readers never
// lock against the refresh task: the snapshot is copy-on-refresh.
type Filter struct {
	store   ReferenceStore
	logger  zerolog.Logger
	refresh time.Duration

	current atomic.Pointer[snapshot]
	loaded  atomic.Bool
}

// NewFilter creates a user filter. Call Refresh (or StartRefreshLoop) before
// the first lookup; until then the filter fails open.
func NewFilter(store ReferenceStore, refresh time.Duration, logger zerolog.Logger) *Filter {
	if refresh == 0 {
		refresh = 5 * time.Minute
	}
	return &Filter{
		store:   store,
		logger:  logger.With().Str("component", "user_filter").Logger(),
		refresh: refresh,
	}
}

// UsersFor returns the sorted set of user ids whose subscription matches the
// given pattern. An empty result with no snapshot loaded means the caller
// should fall back to broadcast (the filter fails open).
func (f *Filter) UsersFor(symbol, patternType string, confidence float64) []string {
	snap := f.current.Load()
	if snap == nil {
		return nil
	}

	var out []string
	for userID, rules := range snap.users {
		if _, ok := rules.symbols[symbol]; !ok {
			continue
		}
		if rules.patternTypes != nil {
			if _, ok := rules.patternTypes[patternType]; !ok {
				continue
			}
		}
		if confidence < rules.confidenceMin {
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Loaded reports whether at least one refresh has succeeded.
func (f *Filter) Loaded() bool {
	return f.loaded.Load()
}

// Refresh reloads the snapshot from the reference store. A failed load keeps
// the previous snapshot in place.
func (f *Filter) Refresh(ctx context.Context) error {
	watchlists, err := f.store.Watchlists(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Watchlist refresh failed, keeping previous snapshot")
		return err
	}

	snap := &snapshot{users: make(map[string]compiled, len(watchlists))}
	for userID, sub := range watchlists {
		c := compiled{
			symbols:       make(map[string]struct{}, len(sub.Symbols)),
			confidenceMin: sub.ConfidenceMin,
		}
		for _, s := range sub.Symbols {
			c.symbols[s] = struct{}{}
		}
		if len(sub.PatternTypes) > 0 {
			c.patternTypes = make(map[string]struct{}, len(sub.PatternTypes))
			for _, p := range sub.PatternTypes {
				c.patternTypes[p] = struct{}{}
			}
		}
		snap.users[userID] = c
	}

	f.current.Store(snap)
	f.loaded.Store(true)
	f.logger.Debug().Int("users", len(snap.users)).Msg("Watchlist snapshot refreshed")
	return nil
}

// StartRefreshLoop refreshes the snapshot immediately and then on the fixed
// interval until ctx is cancelled.
func (f *Filter) StartRefreshLoop(ctx context.Context) {
	if err := f.Refresh(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("Initial watchlist load failed, filter fails open")
	}

	go func() {
		defer monitoring.RecoverPanic(f.logger, "watchlistRefreshLoop", nil)

		ticker := time.NewTicker(f.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = f.Refresh(ctx)
			}
		}
	}()
}

// Invalidate forces an eager refresh, used when a watchlist_update event
// arrives on the dashboard channel.
func (f *Filter) Invalidate(ctx context.Context) {
	_ = f.Refresh(ctx)
}
