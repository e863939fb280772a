package cacheclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/you/seckill-service/internal/lock"
	"github.com/you/seckill-service/internal/metrics"
)

// LogicalExpire serves wrapped entries and refreshes stale ones in the
// background. It never calls the loader on the read path: a key missing from
// the store is reported absent, so hot keys must be warmed up beforehand.
type LogicalExpire[T any] struct {
	c      *Client
	prefix string
	ttl    time.Duration
}

var _ Strategy[struct{}] = (*LogicalExpire[struct{}])(nil)

// NewLogicalExpire serves prefix+id entries that stay fresh for ttl after
// every rebuild.
func NewLogicalExpire[T any](c *Client, prefix string, ttl time.Duration) *LogicalExpire[T] {
	return &LogicalExpire[T]{c: c, prefix: prefix, ttl: ttl}
}

// Get returns the cached value. A stale value is returned as-is while at most
// one rebuild per key runs on the client's pool.
func (l *LogicalExpire[T]) Get(ctx context.Context, id string, load Loader[T]) (T, bool, error) {
	key := l.prefix + id
	v, expireAt, found, err := l.read(ctx, key)
	if err != nil || !found {
		return v, false, err
	}
	if l.c.clock.Now().Before(expireAt) {
		metrics.CacheLookups.WithLabelValues("logical", "hit").Inc()
		return v, true, nil
	}
	metrics.CacheLookups.WithLabelValues("logical", "stale").Inc()
	l.scheduleRebuild(ctx, key, id, load)
	return v, true, nil
}

// Put writes value as a fresh wrapped entry. Used for warm-up.
func (l *LogicalExpire[T]) Put(ctx context.Context, id string, value T) error {
	return l.c.SetWithLogicalExpire(ctx, l.prefix+id, value, l.ttl)
}

func (l *LogicalExpire[T]) read(ctx context.Context, key string) (v T, expireAt time.Time, found bool, err error) {
	raw, found, err := l.c.store.Get(ctx, key)
	if err != nil {
		return v, expireAt, false, err
	}
	if !found || raw == nullMarker {
		metrics.CacheLookups.WithLabelValues("logical", "absent").Inc()
		return v, expireAt, false, nil
	}
	var w wrapped
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return v, expireAt, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	v, err = decodeRaw[T](key, string(w.Data))
	if err != nil {
		return v, expireAt, false, err
	}
	return v, w.ExpireTime, true, nil
}

func (l *LogicalExpire[T]) scheduleRebuild(ctx context.Context, key, id string, load Loader[T]) {
	c := l.c
	if c.isClosed() {
		return
	}
	lk := lock.New(c.store, key, lock.WithLogger(c.logger))
	acquired, err := lk.TryLock(ctx, c.rebuildLockTTL)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to acquire rebuild lock")
		return
	}
	if !acquired {
		metrics.CacheRebuilds.WithLabelValues("skipped_locked").Inc()
		return
	}

	// the rebuild outlives the request that triggered it
	bg := context.WithoutCancel(ctx)
	release := func() {
		if err := lk.Unlock(bg); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to release rebuild lock")
		}
	}
	started := c.goRebuild(func() error {
		defer release()
		rctx, cancel := context.WithTimeout(bg, c.rebuildLockTTL)
		defer cancel()
		l.rebuild(rctx, key, id, load)
		return nil
	})
	if !started {
		release()
		if c.isClosed() {
			return
		}
		metrics.CacheRebuilds.WithLabelValues("skipped_saturated").Inc()
		c.logger.Warn().Str("key", key).Msg("rebuild pool saturated, serving stale value")
		return
	}
	metrics.CacheRebuilds.WithLabelValues("scheduled").Inc()
}

func (l *LogicalExpire[T]) rebuild(ctx context.Context, key, id string, load Loader[T]) {
	c := l.c
	// a rebuild that finished just before we took the lock already refreshed it
	if _, expireAt, found, err := l.read(ctx, key); err == nil && found && c.clock.Now().Before(expireAt) {
		metrics.CacheRebuilds.WithLabelValues("fresh").Inc()
		return
	}

	v, ok, err := load(ctx, id)
	if err != nil {
		metrics.CacheLoads.WithLabelValues("logical", "error").Inc()
		metrics.CacheRebuilds.WithLabelValues("error").Inc()
		c.logger.Error().Err(err).Str("key", key).Msg("cache rebuild failed")
		return
	}
	if !ok {
		metrics.CacheLoads.WithLabelValues("logical", "absent").Inc()
		c.logger.Warn().Str("key", key).Msg("rebuild loader reported absent, keeping stale entry")
		return
	}
	metrics.CacheLoads.WithLabelValues("logical", "found").Inc()
	if err := c.SetWithLogicalExpire(ctx, key, v, l.ttl); err != nil {
		metrics.CacheRebuilds.WithLabelValues("error").Inc()
		c.logger.Error().Err(err).Str("key", key).Msg("failed to write rebuilt entry")
		return
	}
	metrics.CacheRebuilds.WithLabelValues("ok").Inc()
}
