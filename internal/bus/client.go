// Package bus wraps the Redis connection shared by every relay component:
// pub/sub ingress, keyed pattern storage, sorted-set indexes, and durable
// per-user streams. All operations go through a retry layer and a circuit
// breaker so transient bus failures degrade gracefully instead of cascading.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/monitoring"
)

const (
	// Transient errors are retried this many times before propagating.
	maxRetries = 3

	// Exponential backoff for retries and the reconnect loop.
	backoffBase = 100 * time.Millisecond
	backoffCap  = 3200 * time.Millisecond

	// Operations slower than this are logged but not retried.
	slowOpThreshold = 100 * time.Millisecond

	// Circuit breaker: 5 consecutive failures within 30s opens; 30s reset.
	breakerThreshold = 5
	breakerWindow    = 30 * time.Second
	breakerReset     = 30 * time.Second
)

// ErrClosed is returned for operations issued after Close.
var ErrClosed = errors.New("bus: client closed")

// Config holds bus client configuration.
type Config struct {
	Addr           string
	Password       string
	DB             int
	MaxConnections int
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
	HealthInterval time.Duration
}

// Client is the single pooled connection to the bus. Safe for use from many
// concurrent callers.
type Client struct {
	rdb     *redis.Client
	logger  zerolog.Logger
	breaker *Breaker
	cfg     Config

	mu     sync.Mutex
	closed bool

	healthCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewClient connects to the bus and verifies the connection with a ping.
// An unreachable bus at construction time is a fatal startup error.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = 2 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 50
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 15 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxConnections,
		DialTimeout:     cfg.ConnectTimeout,
		ReadTimeout:     cfg.SocketTimeout,
		WriteTimeout:    cfg.SocketTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	c := &Client{
		rdb:     rdb,
		logger:  logger.With().Str("component", "bus").Logger(),
		breaker: NewBreaker(breakerThreshold, breakerWindow, breakerReset),
		cfg:     cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+cfg.SocketTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("bus unreachable at %s: %w", cfg.Addr, err)
	}

	c.logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Int("pool_size", cfg.MaxConnections).
		Msg("Bus client connected")

	return c, nil
}

// StartHealthLoop pings the bus every HealthInterval. On failure it retries
// with bounded exponential backoff until the bus answers again, then resets
// the backoff to its base.
func (c *Client) StartHealthLoop(ctx context.Context) {
	healthCtx, cancel := context.WithCancel(ctx)
	c.healthCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer monitoring.RecoverPanic(c.logger, "busHealthLoop", nil)

		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-healthCtx.Done():
				return
			case <-ticker.C:
				if err := c.Ping(healthCtx); err != nil {
					c.reconnectLoop(healthCtx)
				}
			}
		}
	}()
}

// reconnectLoop pings with exponential backoff until the bus answers or the
// context is cancelled.
func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		monitoring.BusReconnectsTotal.Inc()
		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.SocketTimeout)
		err := c.rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			c.logger.Info().Msg("Bus reconnected")
			c.breaker.Record(nil)
			return
		}

		c.logger.Warn().
			Err(err).
			Dur("next_backoff", backoff).
			Msg("Bus reconnect failed")

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// do runs fn under the circuit breaker with bounded retries for transient
// errors. Non-transient errors propagate immediately.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.breaker.Allow(); err != nil {
		monitoring.BusOperationsTotal.WithLabelValues(op, "rejected").Inc()
		return err
	}

	var err error
	start := time.Now()
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				err = ctx.Err()
				c.breaker.Record(err)
				monitoring.BusOperationsTotal.WithLabelValues(op, "error").Inc()
				return err
			case <-time.After(backoff):
			}
		}

		err = fn(ctx)
		if err == nil || !isTransient(err) {
			break
		}

		c.logger.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("Transient bus error, retrying")
	}

	elapsed := time.Since(start)
	monitoring.BusOperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if elapsed > slowOpThreshold {
		c.logger.Warn().
			Str("op", op).
			Dur("elapsed", elapsed).
			Msg("Slow bus operation")
	}

	c.breaker.Record(err)
	if err != nil {
		monitoring.BusOperationsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("bus %s: %w", op, err)
	}
	monitoring.BusOperationsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// isTransient reports whether err is a connection-level failure worth
// retrying. Protocol errors and redis.Nil are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Ping checks bus liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.do(ctx, "publish", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a pub/sub subscription on the given channels. The returned
// PubSub is owned by the caller and bypasses the breaker: the subscriber loop
// has its own reconnect handling via go-redis.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Get reads a string key. found is false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = c.do(ctx, "get", func(ctx context.Context) error {
		v, e := c.rdb.Get(ctx, key).Result()
		if errors.Is(e, redis.Nil) {
			found = false
			return nil
		}
		if e != nil {
			return e
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// Set writes a string key with TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.do(ctx, "set", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.do(ctx, "del", func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// HSet writes hash fields.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.do(ctx, "hset", func(ctx context.Context) error {
		return c.rdb.HSet(ctx, key, fields).Err()
	})
}

// HGetAll reads all hash fields. An empty map means the key does not exist.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, "hgetall", func(ctx context.Context) error {
		v, e := c.rdb.HGetAll(ctx, key).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// ZAdd adds a scored member to an ordered set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.do(ctx, "zadd", func(ctx context.Context) error {
		return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes members from an ordered set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.do(ctx, "zrem", func(ctx context.Context) error {
		return c.rdb.ZRem(ctx, key, args...).Err()
	})
}

// ZRangeByScore returns members with min <= score <= max in ascending score
// order. Use "-inf"/"+inf" for open bounds.
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	var out []string
	err := c.do(ctx, "zrangebyscore", func(ctx context.Context) error {
		v, e := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// ZRevRangeByScore returns members with min <= score <= max in descending
// score order.
func (c *Client) ZRevRangeByScore(ctx context.Context, key, max, min string) ([]string, error) {
	var out []string
	err := c.do(ctx, "zrevrangebyscore", func(ctx context.Context) error {
		v, e := c.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// ZMembers returns every member of an ordered set in ascending score order.
func (c *Client) ZMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.do(ctx, "zrange", func(ctx context.Context) error {
		v, e := c.rdb.ZRange(ctx, key, 0, -1).Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// XAdd appends an entry to a stream, trimming it to exactly maxLen entries
// (oldest dropped). Returns the entry id.
func (c *Client) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	var id string
	err := c.do(ctx, "xadd", func(ctx context.Context) error {
		v, e := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: false,
			Values: values,
		}).Result()
		if e != nil {
			return e
		}
		id = v
		return nil
	})
	return id, err
}

// XRange reads all entries of a stream in insertion order.
func (c *Client) XRange(ctx context.Context, stream string) ([]redis.XMessage, error) {
	var out []redis.XMessage
	err := c.do(ctx, "xrange", func(ctx context.Context) error {
		v, e := c.rdb.XRange(ctx, stream, "-", "+").Result()
		if e != nil {
			return e
		}
		out = v
		return nil
	})
	return out, err
}

// XDel removes entries from a stream by id.
func (c *Client) XDel(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, "xdel", func(ctx context.Context) error {
		return c.rdb.XDel(ctx, stream, ids...).Err()
	})
}

// XLen returns the number of entries in a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := c.do(ctx, "xlen", func(ctx context.Context) error {
		v, e := c.rdb.XLen(ctx, stream).Result()
		if e != nil {
			return e
		}
		n = v
		return nil
	})
	return n, err
}

// ScanKeys returns all keys matching pattern. Cursor iteration keeps each
// round-trip bounded.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.do(ctx, "scan", func(ctx context.Context) error {
		keys = keys[:0]
		var cursor uint64
		for {
			batch, next, e := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
			if e != nil {
				return e
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return keys, err
}

// Expire refreshes the TTL of a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, "expire", func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// TxPipelined runs fn inside a MULTI/EXEC transaction so a batch of writes
// is applied atomically. Readers never observe a partially-written record.
func (c *Client) TxPipelined(ctx context.Context, op string, fn func(redis.Pipeliner) error) error {
	return c.do(ctx, op, func(ctx context.Context) error {
		_, err := c.rdb.TxPipelined(ctx, fn)
		return err
	})
}

// Healthy reports whether the bus answers a ping within the socket timeout
// and the circuit breaker is not open.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.breaker.State() == StateOpen {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.SocketTimeout)
	defer cancel()
	return c.rdb.Ping(pingCtx).Err() == nil
}

// BreakerState exposes the circuit state for health aggregation.
func (c *Client) BreakerState() State {
	return c.breaker.State()
}

// Close stops the health loop and releases the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.healthCancel != nil {
		c.healthCancel()
	}
	c.wg.Wait()
	return c.rdb.Close()
}
