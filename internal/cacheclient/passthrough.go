package cacheclient

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/you/seckill-service/internal/metrics"
)

// PassThrough caches loader results as raw entries and caches confirmed
// absence with the null marker for the client's null ttl.
type PassThrough[T any] struct {
	c      *Client
	prefix string
	ttl    time.Duration
	flight singleflight.Group
}

var _ Strategy[struct{}] = (*PassThrough[struct{}])(nil)

// NewPassThrough caches values under prefix+id for ttl.
func NewPassThrough[T any](c *Client, prefix string, ttl time.Duration) *PassThrough[T] {
	return &PassThrough[T]{c: c, prefix: prefix, ttl: ttl}
}

type loadResult[T any] struct {
	value T
	ok    bool
}

// Get returns the cached value, loading it on a physical miss. Concurrent
// misses for the same key in this process share one load.
func (p *PassThrough[T]) Get(ctx context.Context, id string, load Loader[T]) (T, bool, error) {
	key := p.prefix + id
	if v, ok, hit, err := readRaw[T](ctx, p.c, "passthrough", key); hit || err != nil {
		return v, ok, err
	}

	res, err, _ := p.flight.Do(key, func() (interface{}, error) {
		// the load is shared by every waiter, so it must not die with the
		// request that happened to start it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.c.rebuildLockTTL)
		defer cancel()

		// another flight may have filled the key while we waited
		if v, ok, hit, err := readRaw[T](fctx, p.c, "passthrough", key); hit || err != nil {
			return loadResult[T]{value: v, ok: ok}, err
		}
		v, ok, err := load(fctx, id)
		if err != nil {
			metrics.CacheLoads.WithLabelValues("passthrough", "error").Inc()
			return nil, err
		}
		if ok {
			metrics.CacheLoads.WithLabelValues("passthrough", "found").Inc()
		} else {
			metrics.CacheLoads.WithLabelValues("passthrough", "absent").Inc()
		}
		p.c.writeRaw(fctx, key, v, ok, p.ttl)
		return loadResult[T]{value: v, ok: ok}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	r := res.(loadResult[T])
	return r.value, r.ok, nil
}

// readRaw reads a raw entry. hit reports whether the store answered the
// lookup, including with the null marker.
func readRaw[T any](ctx context.Context, c *Client, strategy, key string) (v T, ok, hit bool, err error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return v, false, false, err
	}
	if !found {
		metrics.CacheLookups.WithLabelValues(strategy, "miss").Inc()
		return v, false, false, nil
	}
	if raw == nullMarker {
		metrics.CacheLookups.WithLabelValues(strategy, "null_hit").Inc()
		return v, false, true, nil
	}
	v, err = decodeRaw[T](key, raw)
	if err != nil {
		return v, false, true, err
	}
	metrics.CacheLookups.WithLabelValues(strategy, "hit").Inc()
	return v, true, true, nil
}
