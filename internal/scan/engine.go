package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/monitoring"
	"github.com/tickstock/relay/internal/pattern"
)

// Response is the scan HTTP contract output shape.
type Response struct {
	Patterns   []pattern.Display `json:"patterns"`
	Pagination Pagination        `json:"pagination"`
	CacheInfo  CacheInfo         `json:"cache_info"`
}

// Pagination describes the slice of survivors returned.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// CacheInfo reports whether the response came from the response cache.
type CacheInfo struct {
	Cached      bool    `json:"cached"`
	QueryTimeMS float64 `json:"query_time_ms"`
	Partial     bool    `json:"partial,omitempty"`
}

// Engine answers scan queries out of the pattern cache.
type Engine struct {
	cache  *pattern.Cache
	logger zerolog.Logger
	budget time.Duration

	now func() time.Time
}

// NewEngine creates a scan engine. budget is the wall-clock limit per scan;
// exceeding it returns partial results with a warning flag.
func NewEngine(cache *pattern.Cache, budget time.Duration, logger zerolog.Logger) *Engine {
	if budget == 0 {
		budget = 100 * time.Millisecond
	}
	return &Engine{
		cache:  cache,
		logger: logger.With().Str("component", "scan").Logger(),
		budget: budget,
		now:    time.Now,
	}
}

// Scan runs one filtered/sorted/paginated query. The response-cache hit path
// returns the stored payload with cache_info.cached flipped to true.
func (e *Engine) Scan(ctx context.Context, filters Filters) (*Response, error) {
	n, err := filters.Normalize()
	if err != nil {
		return nil, err
	}

	start := e.now()
	defer func() {
		monitoring.ScanDuration.Observe(e.now().Sub(start).Seconds())
	}()

	key := n.CacheKey()
	if payload, hit, err := e.cache.GetResponse(ctx, key); err == nil && hit {
		var resp Response
		if err := json.Unmarshal(payload, &resp); err == nil {
			resp.CacheInfo.Cached = true
			return &resp, nil
		}
		// Corrupt cached payload falls through to a fresh scan.
		e.logger.Warn().Str("key", key).Msg("Discarding corrupt response cache entry")
	}

	resp, err := e.execute(ctx, n, start)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(resp); err == nil {
		if err := e.cache.StoreResponse(ctx, key, payload); err != nil {
			e.logger.Warn().Err(err).Msg("Response cache store failed")
		}
	}
	return resp, nil
}

// execute walks the confidence index, loads and filters candidates, sorts
// and paginates the survivors.
func (e *Engine) execute(ctx context.Context, n Normalized, start time.Time) (*Response, error) {
	// The confidence index drives every scan: when sorting by confidence
	// the walk order is the final order; otherwise it is just the
	// confidence_min pre-filter.
	desc := n.SortBy == SortConfidence && n.SortOrder == OrderDesc
	ids, err := e.cache.IDsByConfidence(ctx, n.ConfidenceMin, desc)
	if err != nil {
		return nil, fmt.Errorf("index walk: %w", err)
	}

	now := e.now()
	partial := false
	survivors := make([]*pattern.Record, 0, len(ids))

	for _, id := range ids {
		if e.now().Sub(start) > e.budget {
			partial = true
			monitoring.ScanBudgetExceeded.Inc()
			e.logger.Warn().
				Int("examined", len(survivors)).
				Dur("budget", e.budget).
				Msg("Scan budget exceeded, returning partial results")
			break
		}

		rec, found, err := e.cache.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			// Expired between index walk and load.
			continue
		}
		if !e.admit(rec, n, now) {
			continue
		}
		survivors = append(survivors, rec)
	}

	// Confidence sorts inherit the index walk order; everything else is a
	// stable sort over the survivors.
	if n.SortBy != SortConfidence {
		sortRecords(survivors, n.SortBy, n.SortOrder)
	}

	total := len(survivors)
	pages := 0
	if total > 0 {
		pages = int(math.Ceil(float64(total) / float64(n.PerPage)))
	}
	lo := (n.Page - 1) * n.PerPage
	hi := lo + n.PerPage
	if lo > total {
		lo = total
	}
	if hi > total {
		hi = total
	}

	display := make([]pattern.Display, 0, hi-lo)
	for _, rec := range survivors[lo:hi] {
		display = append(display, rec.Display(now))
	}

	return &Response{
		Patterns: display,
		Pagination: Pagination{
			Page:    n.Page,
			PerPage: n.PerPage,
			Total:   total,
			Pages:   pages,
		},
		CacheInfo: CacheInfo{
			Cached:      false,
			QueryTimeMS: float64(e.now().Sub(start).Microseconds()) / 1000.0,
			Partial:     partial,
		},
	}, nil
}

// admit applies the residual filters to a loaded record.
func (e *Engine) admit(rec *pattern.Record, n Normalized, now time.Time) bool {
	if rec.Expired(now) {
		return false
	}
	if rec.Confidence < n.ConfidenceMin {
		return false
	}
	if n.Symbols != nil {
		if _, ok := n.Symbols[rec.Symbol]; !ok {
			return false
		}
	}
	if n.PatternTypes != nil {
		if _, ok := n.PatternTypes[rec.PatternType]; !ok {
			return false
		}
	}
	if rec.Indicator(pattern.IndicatorRelStrength, 1.0) < n.RSMin {
		return false
	}
	if rec.Indicator(pattern.IndicatorRelVolume, 1.0) < n.VolMin {
		return false
	}
	rsi := rec.Indicator(pattern.IndicatorRSI, 50)
	if rsi < n.RSILo || rsi > n.RSIHi {
		return false
	}
	return true
}

// sortRecords stable-sorts survivors by the chosen key. Ties retain index
// order, which is keyed by id and therefore deterministic.
func sortRecords(recs []*pattern.Record, sortBy, order string) {
	less := func(a, b *pattern.Record) bool { return a.DetectedAt < b.DetectedAt }
	switch sortBy {
	case SortSymbol:
		less = func(a, b *pattern.Record) bool { return a.Symbol < b.Symbol }
	case SortRS:
		less = func(a, b *pattern.Record) bool {
			return a.Indicator(pattern.IndicatorRelStrength, 1.0) < b.Indicator(pattern.IndicatorRelStrength, 1.0)
		}
	case SortVolume:
		less = func(a, b *pattern.Record) bool {
			return a.Indicator(pattern.IndicatorRelVolume, 1.0) < b.Indicator(pattern.IndicatorRelVolume, 1.0)
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if order == OrderDesc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}
