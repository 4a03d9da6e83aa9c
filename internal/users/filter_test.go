package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a scripted ReferenceStore.
type fakeStore struct {
	watchlists map[string]Subscription
	err        error
	calls      int
}

func (f *fakeStore) Watchlists(ctx context.Context) (map[string]Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.watchlists, nil
}

func TestUsersForSymbolMembership(t *testing.T) {
	store := &fakeStore{watchlists: map[string]Subscription{
		"u1": {Symbols: []string{"AAPL", "TSLA"}},
		"u2": {Symbols: []string{"AAPL"}},
		"u3": {Symbols: []string{"MSFT"}},
	}}
	f := NewFilter(store, time.Minute, zerolog.Nop())
	require.NoError(t, f.Refresh(context.Background()))

	assert.Equal(t, []string{"u1", "u2"}, f.UsersFor("AAPL", "Bull_Flag", 0.9))
	assert.Equal(t, []string{"u3"}, f.UsersFor("MSFT", "Doji", 0.5))
	assert.Empty(t, f.UsersFor("NVDA", "Doji", 0.5))
}

func TestUsersForPatternTypeAndConfidenceRules(t *testing.T) {
	store := &fakeStore{watchlists: map[string]Subscription{
		"picky":   {Symbols: []string{"AAPL"}, PatternTypes: []string{"Bull_Flag"}, ConfidenceMin: 0.8},
		"relaxed": {Symbols: []string{"AAPL"}},
	}}
	f := NewFilter(store, time.Minute, zerolog.Nop())
	require.NoError(t, f.Refresh(context.Background()))

	// Both match the preferred pattern above the floor.
	assert.Equal(t, []string{"picky", "relaxed"}, f.UsersFor("AAPL", "Bull_Flag", 0.85))
	// Wrong pattern type excludes the picky user.
	assert.Equal(t, []string{"relaxed"}, f.UsersFor("AAPL", "Doji", 0.85))
	// Below the picky user's floor. Floor is inclusive.
	assert.Equal(t, []string{"relaxed"}, f.UsersFor("AAPL", "Bull_Flag", 0.79))
	assert.Equal(t, []string{"picky", "relaxed"}, f.UsersFor("AAPL", "Bull_Flag", 0.8))
}

func TestFilterFailsOpenBeforeFirstLoad(t *testing.T) {
	f := NewFilter(&fakeStore{}, time.Minute, zerolog.Nop())
	assert.False(t, f.Loaded())
	assert.Nil(t, f.UsersFor("AAPL", "Bull_Flag", 0.9))
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	store := &fakeStore{watchlists: map[string]Subscription{
		"u1": {Symbols: []string{"AAPL"}},
	}}
	f := NewFilter(store, time.Minute, zerolog.Nop())
	require.NoError(t, f.Refresh(context.Background()))
	require.True(t, f.Loaded())

	store.err = errors.New("reference store down")
	require.Error(t, f.Refresh(context.Background()))

	// Old snapshot still answers.
	assert.True(t, f.Loaded())
	assert.Equal(t, []string{"u1"}, f.UsersFor("AAPL", "Doji", 0.9))
}

func TestInvalidateForcesEagerRefresh(t *testing.T) {
	store := &fakeStore{watchlists: map[string]Subscription{}}
	f := NewFilter(store, time.Hour, zerolog.Nop())
	require.NoError(t, f.Refresh(context.Background()))
	before := store.calls

	store.watchlists = map[string]Subscription{"u9": {Symbols: []string{"NVDA"}}}
	f.Invalidate(context.Background())

	assert.Equal(t, before+1, store.calls)
	assert.Equal(t, []string{"u9"}, f.UsersFor("NVDA", "Doji", 0.5))
}
