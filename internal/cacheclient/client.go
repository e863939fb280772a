// Package cacheclient is a read-through cache over the key-value store with
// interchangeable reconstruction strategies.
//
// Two on-wire shapes exist. Raw entries hold the JSON payload and rely on the
// store ttl; an empty string marks a confirmed-absent key. Wrapped entries hold
// {"data": payload, "expireTime": t} with no store ttl and are refreshed in the
// background once t has passed.
package cacheclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/you/seckill-service/internal/clock"
	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/lock"
)

const (
	DefaultPoolSize       = 10
	DefaultRebuildLockTTL = 10 * time.Second
	DefaultNullTTL        = 2 * time.Minute
	DefaultLockRetry      = 50 * time.Millisecond
)

// nullMarker is stored for keys the loader reported absent.
const nullMarker = ""

// Loader fetches the value for id from the backing store. ok=false means the
// value is confirmed absent.
type Loader[T any] func(ctx context.Context, id string) (value T, ok bool, err error)

// Strategy is a read path over a Loader.
type Strategy[T any] interface {
	Get(ctx context.Context, id string, load Loader[T]) (T, bool, error)
}

// Store is the subset of the kv client the cache needs.
type Store interface {
	lock.Store
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

var _ Store = (*kv.Client)(nil)

// Client holds the store and the shared rebuild pool. Strategies are built on
// top of it with NewPassThrough, NewLogicalExpire and NewMutex.
type Client struct {
	store          Store
	logger         zerolog.Logger
	clock          clock.Clock
	poolSize       int
	rebuildLockTTL time.Duration
	nullTTL        time.Duration
	lockRetry      time.Duration

	// mu orders rebuild scheduling against Close so no task is added to the
	// group once Close has started waiting on it.
	mu       sync.Mutex
	closed   bool
	rebuilds *errgroup.Group
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithPoolSize bounds the number of concurrent background rebuilds.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithRebuildLockTTL sets the ttl of the per-key rebuild lock. It also bounds
// how long a single rebuild or a shared pass-through load may run.
func WithRebuildLockTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rebuildLockTTL = d
		}
	}
}

// WithNullTTL sets how long a confirmed-absent marker lives.
func WithNullTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.nullTTL = d
		}
	}
}

// WithLockRetry sets the sleep between attempts of the mutex strategy.
func WithLockRetry(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.lockRetry = d
		}
	}
}

// New returns a Client over store.
func New(store Store, opts ...Option) *Client {
	c := &Client{
		store:          store,
		logger:         log.Logger,
		clock:          clock.Real{},
		poolSize:       DefaultPoolSize,
		rebuildLockTTL: DefaultRebuildLockTTL,
		nullTTL:        DefaultNullTTL,
		lockRetry:      DefaultLockRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "cache").Logger()
	c.rebuilds = new(errgroup.Group)
	c.rebuilds.SetLimit(c.poolSize)
	return c
}

type wrapped struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// Set writes value as a raw entry with a store ttl (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, string(data), ttl)
}

// SetWithLogicalExpire writes value as a wrapped entry that becomes stale
// after ttl. The store key itself never expires.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	entry, err := json.Marshal(wrapped{Data: data, ExpireTime: c.clock.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, string(entry), 0)
}

// Invalidate deletes key.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	_, err := c.store.Del(ctx, key)
	return err
}

// Close stops accepting rebuilds and waits for the ones in flight.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		_ = c.rebuilds.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goRebuild starts fn on the rebuild pool. It reports false when the pool is
// saturated or the client is closed.
func (c *Client) goRebuild(fn func() error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.rebuilds.TryGo(fn)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writeRaw stores value, or the null marker when ok is false. Write failures
// are logged; the caller already holds the loaded value.
func (c *Client) writeRaw(ctx context.Context, key string, value any, ok bool, ttl time.Duration) {
	var err error
	if ok {
		err = c.Set(ctx, key, value, ttl)
	} else {
		err = c.store.Set(ctx, key, nullMarker, c.nullTTL)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to write cache entry")
	}
}

func decodeRaw[T any](key, raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return v, nil
}
