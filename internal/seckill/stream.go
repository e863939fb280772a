package seckill

import (
	"context"
	"time"

	"github.com/you/seckill-service/internal/kv"
)

const (
	DefaultStream   = "stream.orders"
	DefaultGroup    = "g1"
	DefaultConsumer = "c1"
	DefaultBlock    = 2 * time.Second
)

// StreamStore is the subset of the kv client a StreamQueue needs.
type StreamStore interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	XReadGroup(ctx context.Context, group, consumer, stream, id string, count int64, block time.Duration) ([]kv.StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
}

var _ StreamStore = (*kv.Client)(nil)

// StreamQueue is the durable queue: a store stream read through a consumer
// group. Admission appends to it from inside the admission script.
type StreamQueue struct {
	store    StreamStore
	stream   string
	group    string
	consumer string
	block    time.Duration
	batch    int64
}

var _ Queue = (*StreamQueue)(nil)

// StreamOption configures a StreamQueue.
type StreamOption func(*StreamQueue)

func WithStream(name string) StreamOption { return func(q *StreamQueue) { q.stream = name } }
func WithGroup(name string) StreamOption  { return func(q *StreamQueue) { q.group = name } }

// WithConsumerName sets this process's name inside the group. Each process
// must use a distinct, stable name to find its own pending entries after a
// restart.
func WithConsumerName(name string) StreamOption { return func(q *StreamQueue) { q.consumer = name } }

// WithBlock sets how long ReadNew waits for new entries.
func WithBlock(d time.Duration) StreamOption { return func(q *StreamQueue) { q.block = d } }

// WithPendingBatch sets how many pending entries ReadPending returns at once.
func WithPendingBatch(n int64) StreamOption {
	return func(q *StreamQueue) {
		if n > 0 {
			q.batch = n
		}
	}
}

func NewStreamQueue(store StreamStore, opts ...StreamOption) *StreamQueue {
	q := &StreamQueue{
		store:    store,
		stream:   DefaultStream,
		group:    DefaultGroup,
		consumer: DefaultConsumer,
		block:    DefaultBlock,
		batch:    1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// StreamKey is the stream the admission script appends to.
func (q *StreamQueue) StreamKey() string { return q.stream }

// Setup creates the stream and the group if needed.
func (q *StreamQueue) Setup(ctx context.Context) error {
	return q.store.EnsureGroup(ctx, q.stream, q.group)
}

func (q *StreamQueue) Publish(ctx context.Context, o Order) error {
	_, err := q.store.XAdd(ctx, q.stream, encodeOrder(o))
	return err
}

func (q *StreamQueue) ReadNew(ctx context.Context) ([]Message, error) {
	return q.read(ctx, ">", 1, q.block)
}

func (q *StreamQueue) ReadPending(ctx context.Context) ([]Message, error) {
	return q.read(ctx, "0", q.batch, 0)
}

func (q *StreamQueue) read(ctx context.Context, id string, count int64, block time.Duration) ([]Message, error) {
	entries, err := q.store.XReadGroup(ctx, q.group, q.consumer, q.stream, id, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = Message{ID: e.ID, Fields: e.Values}
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, ids ...string) error {
	_, err := q.store.XAck(ctx, q.stream, q.group, ids...)
	return err
}

// Close is a no-op; the kv client is owned by the caller.
func (q *StreamQueue) Close() error { return nil }
