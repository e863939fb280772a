package cacheclient

import (
	"context"
	"time"

	"github.com/you/seckill-service/internal/lock"
	"github.com/you/seckill-service/internal/metrics"
)

// Mutex rebuilds a missing raw entry under the distributed lock lock:<key>.
// Callers that lose the lock sleep and read again until the winner has filled
// the key or ctx ends. Absence is cached with the same null marker as
// PassThrough.
type Mutex[T any] struct {
	c      *Client
	prefix string
	ttl    time.Duration
}

var _ Strategy[struct{}] = (*Mutex[struct{}])(nil)

func NewMutex[T any](c *Client, prefix string, ttl time.Duration) *Mutex[T] {
	return &Mutex[T]{c: c, prefix: prefix, ttl: ttl}
}

func (m *Mutex[T]) Get(ctx context.Context, id string, load Loader[T]) (T, bool, error) {
	key := m.prefix + id
	for {
		v, ok, hit, err := readRaw[T](ctx, m.c, "mutex", key)
		if hit || err != nil {
			return v, ok, err
		}

		lk := lock.New(m.c.store, key, lock.WithLogger(m.c.logger))
		acquired, err := lk.TryLock(ctx, m.c.rebuildLockTTL)
		if err != nil {
			return v, false, err
		}
		if acquired {
			return m.loadLocked(ctx, key, id, load, lk)
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		case <-time.After(m.c.lockRetry):
		}
	}
}

func (m *Mutex[T]) loadLocked(ctx context.Context, key, id string, load Loader[T], lk *lock.Lock) (T, bool, error) {
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.c.logger.Warn().Err(err).Str("key", key).Msg("failed to release cache lock")
		}
	}()

	// the previous holder may have filled the key
	if v, ok, hit, err := readRaw[T](ctx, m.c, "mutex", key); hit || err != nil {
		return v, ok, err
	}

	v, ok, err := load(ctx, id)
	if err != nil {
		metrics.CacheLoads.WithLabelValues("mutex", "error").Inc()
		return v, false, err
	}
	if ok {
		metrics.CacheLoads.WithLabelValues("mutex", "found").Inc()
	} else {
		metrics.CacheLoads.WithLabelValues("mutex", "absent").Inc()
	}
	m.c.writeRaw(ctx, key, v, ok, m.ttl)
	return v, ok, nil
}
