// Package idgen generates globally increasing 64-bit ids. The high bits hold
// seconds since Epoch, the low 32 bits a per-prefix per-day counter kept in
// the key-value store.
package idgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/you/seckill-service/internal/clock"
)

const (
	// Epoch is 2022-01-01T00:00:00Z.
	Epoch int64 = 1640995200
	// CountBits is the width of the counter part.
	CountBits = 32

	maxCount = 1<<CountBits - 1
	// keys are icr:<prefix>:<yyyy:mm:dd>
	dayLayout = "2006:01:02"
)

var (
	// ErrSequenceExhausted means the daily counter no longer fits in CountBits.
	ErrSequenceExhausted = errors.New("idgen: daily sequence exhausted")
	// ErrClockBeforeEpoch means the clock reads earlier than Epoch.
	ErrClockBeforeEpoch = errors.New("idgen: clock is before epoch")
)

// Counter is the atomic increment the generator relies on.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// Generator issues ids.
type Generator struct {
	counter Counter
	clock   clock.Clock
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// New returns a Generator backed by counter.
func New(counter Counter, opts ...Option) *Generator {
	g := &Generator{counter: counter, clock: clock.Real{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NextID returns the next id for keyPrefix.
func (g *Generator) NextID(ctx context.Context, keyPrefix string) (uint64, error) {
	now := g.clock.Now().UTC()
	ts := now.Unix() - Epoch
	if ts < 0 {
		return 0, ErrClockBeforeEpoch
	}

	count, err := g.counter.Incr(ctx, CounterKey(keyPrefix, now.Format(dayLayout)))
	if err != nil {
		return 0, fmt.Errorf("idgen: increment %s: %w", keyPrefix, err)
	}
	if count <= 0 || count > maxCount {
		return 0, ErrSequenceExhausted
	}
	return uint64(ts)<<CountBits | uint64(count), nil
}

// CounterKey returns the store key holding the counter of prefix for day.
func CounterKey(prefix, day string) string {
	return "icr:" + prefix + ":" + day
}

// Timestamp extracts the generation second from id.
func Timestamp(id uint64) int64 {
	return int64(id>>CountBits) + Epoch
}
