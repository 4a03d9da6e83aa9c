package scan

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickstock/relay/internal/bus"
	"github.com/tickstock/relay/internal/pattern"
)

const engineTestNow = int64(1700000600)

func newTestEngine(t *testing.T) (*Engine, *pattern.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := bus.NewClient(bus.Config{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cache := pattern.NewCache(client, pattern.CacheConfig{}, zerolog.Nop())
	e := NewEngine(cache, 100*time.Millisecond, zerolog.Nop())
	e.now = func() time.Time { return time.Unix(engineTestNow, 0) }
	return e, cache
}

func storeRecord(t *testing.T, cache *pattern.Cache, rec *pattern.Record) {
	t.Helper()
	require.NoError(t, cache.ProcessEvent(context.Background(), pattern.ActionDetected, rec))
}

func engineRecord(symbol, patternType string, confidence float64, indicators map[string]float64) *pattern.Record {
	return &pattern.Record{
		Symbol:       symbol,
		PatternType:  patternType,
		Confidence:   confidence,
		CurrentPrice: 150.25,
		PriceChange:  2.3,
		DetectedAt:   1700000000,
		ExpiresAt:    1700003600,
		Indicators:   indicators,
		SourceTier:   pattern.TierDaily,
	}
}

func TestScanReturnsDisplayShape(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 0.85, nil))

	min := 0.8
	resp, err := e.Scan(context.Background(), Filters{
		Symbols:       []string{"AAPL"},
		ConfidenceMin: &min,
	})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)

	p := resp.Patterns[0]
	assert.Equal(t, "AAPL", p.Symbol)
	assert.Equal(t, "BullFlag", p.Pattern)
	assert.Equal(t, 0.85, p.Conf)
	assert.Equal(t, "$150.25", p.Price)
	assert.Equal(t, "+2.3%", p.Chg)
	assert.False(t, resp.CacheInfo.Cached)
	assert.Equal(t, 1, resp.Pagination.Total)
	assert.Equal(t, 1, resp.Pagination.Pages)
}

func TestScanSuppressesExpiredRecords(t *testing.T) {
	e, cache := newTestEngine(t)
	live := engineRecord("LIVE", "Bull_Flag", 0.9, nil)
	dead := engineRecord("DEAD", "Bull_Flag", 0.9, nil)
	dead.ExpiresAt = float64(engineTestNow - 10)
	storeRecord(t, cache, live)
	storeRecord(t, cache, dead)

	resp, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "LIVE", resp.Patterns[0].Symbol)
}

func TestScanCacheHitFlipsCachedFlagOnly(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 0.85, nil))

	first, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	require.False(t, first.CacheInfo.Cached)

	second, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	assert.True(t, second.CacheInfo.Cached)
	// Repeat hits return the stored body byte for byte apart from the flag.
	assert.Equal(t, first.Patterns, second.Patterns)
	assert.Equal(t, first.Pagination, second.Pagination)
	assert.Equal(t, first.CacheInfo.QueryTimeMS, second.CacheInfo.QueryTimeMS)

	third, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestScanConfidenceMinBoundaryInclusive(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 1.0, nil))

	min := 1.0
	resp, err := e.Scan(context.Background(), Filters{ConfidenceMin: &min})
	require.NoError(t, err)
	assert.Len(t, resp.Patterns, 1)
}

func TestScanRSIDegenerateRangeUsesDefault(t *testing.T) {
	e, cache := newTestEngine(t)
	// No rsi indicator: the default 50 must satisfy [50,50].
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 0.9, nil))
	// Explicit rsi outside the range is excluded.
	outside := engineRecord("TSLA", "Bull_Flag", 0.9, map[string]float64{pattern.IndicatorRSI: 51})
	storeRecord(t, cache, outside)

	resp, err := e.Scan(context.Background(), Filters{RSIRange: &[2]float64{50, 50}})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "AAPL", resp.Patterns[0].Symbol)
}

func TestScanIndicatorFilters(t *testing.T) {
	e, cache := newTestEngine(t)
	strong := engineRecord("STRN", "Bull_Flag", 0.9, map[string]float64{
		pattern.IndicatorRelStrength: 1.8,
		pattern.IndicatorRelVolume:   2.5,
	})
	weak := engineRecord("WEAK", "Bull_Flag", 0.9, map[string]float64{
		pattern.IndicatorRelStrength: 0.9,
		pattern.IndicatorRelVolume:   0.8,
	})
	storeRecord(t, cache, strong)
	storeRecord(t, cache, weak)

	resp, err := e.Scan(context.Background(), Filters{RSMin: 1.5, VolMin: 2.0})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "STRN", resp.Patterns[0].Symbol)
}

func TestScanPatternTypeFilter(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 0.9, nil))
	storeRecord(t, cache, engineRecord("AAPL", "Doji", 0.9, nil))

	resp, err := e.Scan(context.Background(), Filters{PatternTypes: []string{"Doji"}})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "Doji", resp.Patterns[0].Pattern)
}

func TestScanSortBySymbolAsc(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("TSLA", "Bull_Flag", 0.9, nil))
	storeRecord(t, cache, engineRecord("AAPL", "Bull_Flag", 0.7, nil))
	storeRecord(t, cache, engineRecord("MSFT", "Bull_Flag", 0.8, nil))

	resp, err := e.Scan(context.Background(), Filters{SortBy: SortSymbol, SortOrder: OrderAsc})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 3)
	assert.Equal(t, "AAPL", resp.Patterns[0].Symbol)
	assert.Equal(t, "MSFT", resp.Patterns[1].Symbol)
	assert.Equal(t, "TSLA", resp.Patterns[2].Symbol)
}

func TestScanConfidenceDescIsIndexOrder(t *testing.T) {
	e, cache := newTestEngine(t)
	storeRecord(t, cache, engineRecord("LOW", "Bull_Flag", 0.6, nil))
	storeRecord(t, cache, engineRecord("HIGH", "Bull_Flag", 0.95, nil))
	storeRecord(t, cache, engineRecord("MID", "Bull_Flag", 0.8, nil))

	resp, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 3)
	assert.Equal(t, "HIGH", resp.Patterns[0].Symbol)
	assert.Equal(t, "MID", resp.Patterns[1].Symbol)
	assert.Equal(t, "LOW", resp.Patterns[2].Symbol)
}

func TestScanPagination(t *testing.T) {
	e, cache := newTestEngine(t)
	for i := 0; i < 31; i++ {
		rec := engineRecord("SYM"+string(rune('A'+i%26))+string(rune('A'+i/26)), "Bull_Flag", 0.9, nil)
		rec.DetectedAt = float64(1700000000 + i)
		storeRecord(t, cache, rec)
	}

	page1, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Len(t, page1.Patterns, 30)
	assert.Equal(t, 31, page1.Pagination.Total)
	assert.Equal(t, 2, page1.Pagination.Pages)

	page2, err := e.Scan(context.Background(), Filters{Page: 2})
	require.NoError(t, err)
	assert.Len(t, page2.Patterns, 1)

	// Past the last page: empty slice, same totals.
	page9, err := e.Scan(context.Background(), Filters{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page9.Patterns)
	assert.Equal(t, 31, page9.Pagination.Total)
}

func TestScanEmptyCache(t *testing.T) {
	e, _ := newTestEngine(t)

	resp, err := e.Scan(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Empty(t, resp.Patterns)
	assert.Equal(t, 0, resp.Pagination.Total)
	assert.Equal(t, 0, resp.Pagination.Pages)
}

func TestScanContractErrorDoesNotTouchCache(t *testing.T) {
	e, _ := newTestEngine(t)
	bad := -0.1
	_, err := e.Scan(context.Background(), Filters{ConfidenceMin: &bad})
	assert.Error(t, err)
}
