// Package kv is the only place that speaks the key-value store protocol. It
// exposes the verbs the cache, lock, id generator and seckill pipeline need
// over a go-redis client, with every call routed through a circuit breaker.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned without touching the store while the breaker is open.
var ErrUnavailable = errors.New("kv: store unavailable")

// Client wraps a redis.UniversalClient.
type Client struct {
	rdb    redis.UniversalClient
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	settings gobreaker.Settings
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBreakerSettings overrides the circuit breaker settings. The
// OnStateChange hook is always wrapped to log the transition.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(o *options) { o.settings = s }
}

// DefaultBreakerSettings trips after at least 5 requests with a failure ratio
// of 50% inside a 10s window and lets a trial request through after 30s.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
	}
}

// New wraps rdb. The caller owns rdb's lifecycle unless Close is called.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	o := options{
		logger:   log.Logger,
		settings: DefaultBreakerSettings(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With().Str("component", "kv").Logger()
	settings := o.settings
	userHook := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("circuit breaker state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	return &Client{
		rdb:    rdb,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

// do runs fn through the breaker. fn must translate redis.Nil into a result
// before returning so that misses are never counted as failures.
func (c *Client) do(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the string stored at key. found is false only when the store
// holds no value; an empty string with found=true is a legitimate value.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = c.do(func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// Set stores value at key. A zero ttl stores the key without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.do(func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores value only when key is absent, with expiry ttl.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(func() error {
		var err error
		ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// Del removes keys and reports how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// Expire sets a ttl on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(func() error {
		var err error
		ok, err = c.rdb.Expire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// Incr atomically increments key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// SetBit sets the bit at offset to 1.
func (c *Client) SetBit(ctx context.Context, key string, offset int64) error {
	return c.do(func() error {
		return c.rdb.SetBit(ctx, key, offset, 1).Err()
	})
}

// BitFieldGetUnsigned reads an unsigned integer of the given width starting at
// bit offset (BITFIELD key GET u<bits> <offset>). A missing key reads as 0.
func (c *Client) BitFieldGetUnsigned(ctx context.Context, key string, bits int, offset int64) (uint64, error) {
	if bits < 1 || bits > 63 {
		return 0, fmt.Errorf("kv: bitfield width %d out of range", bits)
	}
	var v uint64
	err := c.do(func() error {
		res, err := c.rdb.BitField(ctx, key, "GET", fmt.Sprintf("u%d", bits), offset).Result()
		if err != nil {
			return err
		}
		if len(res) > 0 && res[0] > 0 {
			v = uint64(res[0])
		}
		return nil
	})
	return v, err
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.SAdd(ctx, key, args...).Result()
		return err
	})
	return n, err
}

// SRem removes members from the set at key and reports how many were present.
func (c *Client) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.SRem(ctx, key, args...).Result()
		return err
	})
	return n, err
}

// SIsMember reports whether member belongs to the set at key.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := c.do(func() error {
		var err error
		ok, err = c.rdb.SIsMember(ctx, key, member).Result()
		return err
	})
	return ok, err
}

// RunScript evaluates script server side (EVALSHA, falling back to EVAL).
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	var res interface{}
	err := c.do(func() error {
		var err error
		res, err = script.Run(ctx, c.rdb, keys, args...).Result()
		if errors.Is(err, redis.Nil) {
			res = nil
			return nil
		}
		return err
	})
	return res, err
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
