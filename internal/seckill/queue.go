package seckill

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Message is one queued order as delivered to a consumer.
type Message struct {
	ID     string
	Fields map[string]string
}

// Queue is a single-topic order log read by one consumer group.
//
// ReadNew waits a bounded time for entries never delivered to the group and
// returns an empty slice on timeout. Delivered entries stay in the consumer's
// pending list, returned by ReadPending, until acknowledged.
type Queue interface {
	Setup(ctx context.Context) error
	Publish(ctx context.Context, o Order) error
	ReadNew(ctx context.Context) ([]Message, error)
	ReadPending(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	Close() error
}

// MemoryQueue is an in-process channel with a pending map. Everything in it is
// lost when the process exits; use it only where that is acceptable.
type MemoryQueue struct {
	ch    chan map[string]string
	block time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]Message
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns a queue holding up to capacity undelivered orders.
// ReadNew waits at most block.
func NewMemoryQueue(capacity int, block time.Duration) *MemoryQueue {
	return &MemoryQueue{
		ch:      make(chan map[string]string, capacity),
		block:   block,
		pending: make(map[string]Message),
	}
}

func (q *MemoryQueue) Setup(context.Context) error { return nil }

// Publish blocks while the queue is full.
func (q *MemoryQueue) Publish(ctx context.Context, o Order) error {
	select {
	case q.ch <- encodeOrder(o):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) ReadNew(ctx context.Context) ([]Message, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()
	select {
	case fields := <-q.ch:
		q.mu.Lock()
		q.seq++
		m := Message{ID: strconv.FormatUint(q.seq, 10), Fields: fields}
		q.pending[m.ID] = m
		q.mu.Unlock()
		return []Message{m}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) ReadPending(context.Context) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 64)
		b, _ := strconv.ParseUint(out[j].ID, 10, 64)
		return a < b
	})
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, ids ...string) error {
	q.mu.Lock()
	for _, id := range ids {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Close() error { return nil }
