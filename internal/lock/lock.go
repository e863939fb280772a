// Package lock implements a non-blocking distributed mutex on top of the
// key-value store.
//
// A lock named n is the key "lock:n" holding an owner token, created with
// SET NX and a ttl. Ownership is never renewed: work that outlives the ttl may
// run concurrently with a new holder. Release is compare-and-delete, so a late
// holder cannot delete a lock that was re-acquired by someone else.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/metrics"
)

// KeyPrefix is prepended to every lock name.
const KeyPrefix = "lock:"

// ErrNotHeld is returned by Unlock when no lock owned by this holder existed.
var ErrNotHeld = errors.New("lock: not held")

// processID distinguishes holders across processes.
var processID = uuid.NewString()

var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// Store is the subset of the kv client a Lock needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

var _ Store = (*kv.Client)(nil)

// Lock is a named lock. A Lock value is meant for one holder at a time; create
// one per critical section.
type Lock struct {
	store         Store
	name          string
	unconditional bool
	logger        zerolog.Logger

	mu    sync.Mutex
	token string
}

// Option configures a Lock.
type Option func(*Lock)

// WithUnconditionalRelease makes Unlock delete the key without checking the
// owner token. A holder whose ttl already expired will then delete a lock that
// another holder acquired in the meantime. Only useful to compare against the
// guarded release.
func WithUnconditionalRelease() Option {
	return func(l *Lock) { l.unconditional = true }
}

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Lock) { l.logger = lg }
}

// New returns a lock named name.
func New(store Store, name string, opts ...Option) *Lock {
	l := &Lock{store: store, name: name, logger: log.Logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key backing the lock.
func (l *Lock) Key() string { return KeyPrefix + l.name }

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// TryLock attempts to take the lock for ttl. It never blocks: false means the
// lock is held by someone else and the caller decides whether to retry.
func (l *Lock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", l.name)
	}
	token := processID + ":" + xid.New().String()
	ok, err := l.store.SetNX(ctx, l.Key(), token, ttl)
	if err != nil {
		metrics.LockAcquires.WithLabelValues("error").Inc()
		return false, fmt.Errorf("lock %s: acquire: %w", l.name, err)
	}
	if !ok {
		metrics.LockAcquires.WithLabelValues("busy").Inc()
		return false, nil
	}
	metrics.LockAcquires.WithLabelValues("acquired").Inc()
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// Unlock releases the lock if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if l.unconditional {
		n, err := l.store.Del(ctx, l.Key())
		if err != nil {
			return fmt.Errorf("lock %s: release: %w", l.name, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}

	if token == "" {
		return ErrNotHeld
	}
	res, err := l.store.RunScript(ctx, releaseScript, []string{l.Key()}, token)
	if err != nil {
		return fmt.Errorf("lock %s: release: %w", l.name, err)
	}
	if n, _ := res.(int64); n == 0 {
		l.logger.Warn().Str("lock", l.name).Msg("lock expired or taken over before release")
		return ErrNotHeld
	}
	return nil
}
