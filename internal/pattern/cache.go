package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/bus"
	"github.com/tickstock/relay/internal/monitoring"
)

// Bus key layout owned by the cache. No other component writes these keys.
const (
	recordKeyPrefix  = "patterns:"
	confidenceIndex  = "indexes:confidence"
	timeIndex        = "indexes:time"
	symbolIndex      = "indexes:symbol"
	patternTypeIndex = "indexes:pattern_type"
	responsePrefix   = "api_cache:scan:"
)

// Event kinds accepted by the write path.
const (
	ActionDetected = "pattern_detected"
	ActionUpdated  = "pattern_updated"
	ActionExpired  = "pattern_expired"
)

// CacheConfig holds cache TTLs and the cleanup cadence.
type CacheConfig struct {
	PatternTTL      time.Duration // record hash + backstop TTL (default 1h)
	IndexTTL        time.Duration // index key TTL, refreshed on every write
	ResponseTTL     time.Duration // scan response cache TTL (default 30s)
	CleanupInterval time.Duration // expiry sweep cadence (default 60s)
}

func (c *CacheConfig) applyDefaults() {
	if c.PatternTTL == 0 {
		c.PatternTTL = time.Hour
	}
	if c.IndexTTL == 0 {
		c.IndexTTL = time.Hour
	}
	if c.ResponseTTL == 0 {
		c.ResponseTTL = 30 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
}

// Stats are the cache's monotonic counters. Reset only at process start.
type Stats struct {
	EventsProcessed int64
	CacheHits       int64
	CacheMisses     int64
	RecordsCleaned  int64
	WriteFailures   int64
}

// HitRatio is hits/(hits+misses), defined as 1.0 before any requests.
func (s *Stats) HitRatio() float64 {
	total := atomic.LoadInt64(&s.CacheHits) + atomic.LoadInt64(&s.CacheMisses)
	if total == 0 {
		return 1.0
	}
	return float64(atomic.LoadInt64(&s.CacheHits)) / float64(total)
}

// Cache stores pattern records and their secondary indexes on the bus.
// Writes are batched transactions so a concurrent scan never observes a
// partially-written record.
type Cache struct {
	bus    *bus.Client
	logger zerolog.Logger
	cfg    CacheConfig
	stats  Stats

	now func() time.Time
}

// NewCache creates a pattern cache over the shared bus client.
func NewCache(busClient *bus.Client, cfg CacheConfig, logger zerolog.Logger) *Cache {
	cfg.applyDefaults()
	return &Cache{
		bus:    busClient,
		logger: logger.With().Str("component", "pattern_cache").Logger(),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Stats returns a pointer to the live counters.
func (c *Cache) Stats() *Stats {
	return &c.stats
}

// ProcessEvent applies one classified event to the cache. Unknown kinds are
// rejected. Write failures are logged and counted but not retried: the
// upstream produces a continuous stream and a stale write is worse than a
// missed one.
func (c *Cache) ProcessEvent(ctx context.Context, kind string, rec *Record) error {
	switch kind {
	case ActionDetected, ActionUpdated:
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record: %w", err)
		}
		if err := c.store(ctx, rec); err != nil {
			atomic.AddInt64(&c.stats.WriteFailures, 1)
			c.logger.Error().Err(err).Str("id", rec.ID()).Msg("Pattern cache write failed, event dropped")
			return err
		}
		monitoring.PatternEventsProcessed.WithLabelValues(kind).Inc()
	case ActionExpired:
		if err := c.Remove(ctx, rec.ID()); err != nil {
			atomic.AddInt64(&c.stats.WriteFailures, 1)
			c.logger.Error().Err(err).Str("id", rec.ID()).Msg("Pattern cache remove failed")
			return err
		}
		monitoring.PatternEventsProcessed.WithLabelValues(kind).Inc()
	default:
		return fmt.Errorf("unsupported cache event kind %q", kind)
	}

	atomic.AddInt64(&c.stats.EventsProcessed, 1)

	// Live freshness wins over cache economy: any write flushes the
	// response cache.
	if err := c.InvalidateResponses(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Response cache invalidation failed")
	}
	return nil
}

// store writes the record hash and all four index entries in one batched bus
// operation, refreshing every TTL involved.
func (c *Cache) store(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	id := rec.ID()
	cachedAt := fmt.Sprintf("%d", c.now().Unix())

	return c.bus.TxPipelined(ctx, "pattern_store", func(pipe redis.Pipeliner) error {
		key := recordKeyPrefix + id
		pipe.HSet(ctx, key, map[string]any{"data": string(data), "cached_at": cachedAt})
		pipe.Expire(ctx, key, c.cfg.PatternTTL)

		pipe.ZAdd(ctx, confidenceIndex, redis.Z{Score: rec.Confidence, Member: id})
		pipe.ZAdd(ctx, timeIndex, redis.Z{Score: rec.DetectedAt, Member: id})
		pipe.ZAdd(ctx, symbolIndex, redis.Z{Score: rec.DetectedAt, Member: rec.Symbol + ":" + id})
		pipe.ZAdd(ctx, patternTypeIndex, redis.Z{Score: rec.DetectedAt, Member: rec.PatternType + ":" + id})

		for _, idx := range []string{confidenceIndex, timeIndex, symbolIndex, patternTypeIndex} {
			pipe.Expire(ctx, idx, c.cfg.IndexTTL)
		}
		return nil
	})
}

// Remove deletes a record and its index entries in one batched operation.
func (c *Cache) Remove(ctx context.Context, id string) error {
	symbol, patternType, _, err := ParseID(id)
	if err != nil {
		return err
	}
	return c.bus.TxPipelined(ctx, "pattern_remove", func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKeyPrefix+id)
		pipe.ZRem(ctx, confidenceIndex, id)
		pipe.ZRem(ctx, timeIndex, id)
		pipe.ZRem(ctx, symbolIndex, symbol+":"+id)
		pipe.ZRem(ctx, patternTypeIndex, patternType+":"+id)
		return nil
	})
}

// Load reads one record by id. found is false when the record has expired
// between an index walk and the load.
func (c *Cache) Load(ctx context.Context, id string) (*Record, bool, error) {
	fields, err := c.bus.HGetAll(ctx, recordKeyPrefix+id)
	if err != nil {
		return nil, false, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	return &rec, true, nil
}

// IDsByConfidence walks the confidence index from min upward (asc) or from
// +inf down to min (desc).
func (c *Cache) IDsByConfidence(ctx context.Context, min float64, desc bool) ([]string, error) {
	lower := fmt.Sprintf("%g", min)
	if desc {
		return c.bus.ZRevRangeByScore(ctx, confidenceIndex, "+inf", lower)
	}
	return c.bus.ZRangeByScore(ctx, confidenceIndex, lower, "+inf")
}

// Count returns the number of currently cached records.
func (c *Cache) Count(ctx context.Context) (int, error) {
	keys, err := c.bus.ScanKeys(ctx, recordKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// GetResponse looks up a cached scan response.
func (c *Cache) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	v, found, err := c.bus.Get(ctx, responsePrefix+key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		atomic.AddInt64(&c.stats.CacheMisses, 1)
		monitoring.ResponseCacheMisses.Inc()
		return nil, false, nil
	}
	atomic.AddInt64(&c.stats.CacheHits, 1)
	monitoring.ResponseCacheHits.Inc()
	return []byte(v), true, nil
}

// StoreResponse caches a scan response payload under its filter key.
func (c *Cache) StoreResponse(ctx context.Context, key string, payload []byte) error {
	return c.bus.Set(ctx, responsePrefix+key, payload, c.cfg.ResponseTTL)
}

// InvalidateResponses deletes every cached scan response.
func (c *Cache) InvalidateResponses(ctx context.Context) error {
	keys, err := c.bus.ScanKeys(ctx, responsePrefix+"*")
	if err != nil {
		return err
	}
	return c.bus.Del(ctx, keys...)
}

// Cleanup removes records whose expires_at has passed and prunes index
// entries whose backing record no longer exists. Returns the number of
// records removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	keys, err := c.bus.ScanKeys(ctx, recordKeyPrefix+"*")
	if err != nil {
		return 0, err
	}

	now := c.now()
	live := make(map[string]struct{}, len(keys))
	removed := 0

	for _, key := range keys {
		id := strings.TrimPrefix(key, recordKeyPrefix)
		rec, found, err := c.Load(ctx, id)
		if err != nil {
			c.logger.Warn().Err(err).Str("id", id).Msg("Cleanup skipping unreadable record")
			continue
		}
		if !found {
			continue
		}
		if rec.Expired(now) {
			if err := c.Remove(ctx, id); err != nil {
				c.logger.Warn().Err(err).Str("id", id).Msg("Cleanup remove failed")
				continue
			}
			removed++
			continue
		}
		live[id] = struct{}{}
	}

	if err := c.pruneOrphans(ctx, live); err != nil {
		c.logger.Warn().Err(err).Msg("Orphan index pruning failed")
	}

	if removed > 0 {
		atomic.AddInt64(&c.stats.RecordsCleaned, int64(removed))
		monitoring.PatternsCleaned.Add(float64(removed))
	}
	monitoring.PatternsCached.Set(float64(len(live)))
	return removed, nil
}

// pruneOrphans drops index members that no longer have a backing record.
func (c *Cache) pruneOrphans(ctx context.Context, live map[string]struct{}) error {
	plain := func(member string) string { return member }
	prefixed := func(member string) string {
		// symbol/pattern_type index members are "{prefix}:{id}"; the id
		// itself is the last three ':'-separated fields.
		if i := strings.Index(member, ":"); i >= 0 {
			return member[i+1:]
		}
		return member
	}

	for _, idx := range []struct {
		key      string
		memberID func(string) string
	}{
		{confidenceIndex, plain},
		{timeIndex, plain},
		{symbolIndex, prefixed},
		{patternTypeIndex, prefixed},
	} {
		members, err := c.bus.ZMembers(ctx, idx.key)
		if err != nil {
			return err
		}
		var orphans []string
		for _, m := range members {
			if _, ok := live[idx.memberID(m)]; !ok {
				orphans = append(orphans, m)
			}
		}
		if len(orphans) > 0 {
			if err := c.bus.ZRem(ctx, idx.key, orphans...); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartCleanupLoop runs Cleanup on the configured interval until ctx is
// cancelled.
func (c *Cache) StartCleanupLoop(ctx context.Context) {
	go func() {
		defer monitoring.RecoverPanic(c.logger, "cacheCleanupLoop", nil)

		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := c.Cleanup(ctx)
				if err != nil {
					c.logger.Error().Err(err).Msg("Cache cleanup pass failed")
					continue
				}
				if removed > 0 {
					c.logger.Info().Int("removed", removed).Msg("Cleaned expired patterns")
				}
			}
		}
	}()
}

// Healthy reports whether the cache's bus connection is usable.
func (c *Cache) Healthy(ctx context.Context) bool {
	return c.bus.Healthy(ctx)
}
