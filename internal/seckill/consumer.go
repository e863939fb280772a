package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/you/seckill-service/internal/lock"
	"github.com/you/seckill-service/internal/metrics"
)

const (
	DefaultOrderLockTTL = 10 * time.Second
	DefaultRetryDelay   = 20 * time.Millisecond
)

// Consumer turns queued orders into persisted orders, one at a time.
type Consumer struct {
	queue      Queue
	persister  Persister
	locks      lock.Store
	lockTTL    time.Duration
	retryDelay time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithOrderLockTTL(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.lockTTL = d }
}

// WithRetryDelay sets the pause after a failed attempt in the recovery pass.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

func WithConsumerLogger(l zerolog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

func NewConsumer(queue Queue, persister Persister, locks lock.Store, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:      queue,
		persister:  persister,
		locks:      locks,
		lockTTL:    DefaultOrderLockTTL,
		retryDelay: DefaultRetryDelay,
		logger:     log.Logger,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "order_consumer").Logger()
	return c
}

// Run consumes until ctx ends. It first drains entries left pending by a
// previous run, then reads new entries. A failed entry is left pending and the
// pending list is drained again before new entries are read.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.queue.Setup(ctx); err != nil {
		return fmt.Errorf("order consumer setup: %w", err)
	}
	c.logger.Info().Msg("order consumer started")
	c.recoverPending(ctx)

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("order consumer context done")
			return nil
		}
		msgs, err := c.queue.ReadNew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Msg("read order queue failed")
			c.sleep(ctx, time.Second)
			continue
		}
		for _, m := range msgs {
			if err := c.process(ctx, m); err != nil {
				c.recoverPending(ctx)
				break
			}
		}
	}
}

// recoverPending retries this consumer's pending entries until none is left
// or ctx ends.
func (c *Consumer) recoverPending(ctx context.Context) {
	metrics.PendingRecoveries.Inc()
	for ctx.Err() == nil {
		msgs, err := c.queue.ReadPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("read pending orders failed")
				c.sleep(ctx, c.retryDelay)
			}
			continue
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			if err := c.process(ctx, m); err != nil {
				c.sleep(ctx, c.retryDelay)
				break
			}
		}
	}
}

// process handles one entry and acknowledges it unless it must be retried.
func (c *Consumer) process(ctx context.Context, m Message) error {
	o, err := decodeOrder(m.Fields)
	if err != nil {
		metrics.OrdersProcessed.WithLabelValues("malformed").Inc()
		c.logger.Error().Err(err).Str("message_id", m.ID).Msg("malformed order message, skipping")
		return c.ack(ctx, m.ID, 0)
	}

	err = c.handle(ctx, o)
	switch {
	case err == nil:
		metrics.OrdersProcessed.WithLabelValues("persisted").Inc()
		c.logger.Info().Str("message_id", m.ID).Int64("order_id", o.ID).Msg("order persisted")
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrOutOfStock):
		metrics.OrdersProcessed.WithLabelValues("rejected").Inc()
		c.logger.Warn().Err(err).Str("message_id", m.ID).Int64("order_id", o.ID).Msg("order rejected by store")
	default:
		metrics.OrdersProcessed.WithLabelValues("retry").Inc()
		c.logger.Error().Err(err).Str("message_id", m.ID).Int64("order_id", o.ID).Msg("failed to process order")
		return err
	}
	return c.ack(ctx, m.ID, o.ID)
}

func (c *Consumer) ack(ctx context.Context, id string, orderID int64) error {
	if err := c.queue.Ack(ctx, id); err != nil {
		c.logger.Error().Err(err).Str("message_id", id).Int64("order_id", orderID).Msg("ack failed")
		return err
	}
	return nil
}

// handle persists o under the per-user lock.
func (c *Consumer) handle(ctx context.Context, o Order) error {
	ctx, span := c.tracer.Start(ctx, "seckill.persist_order", trace.WithAttributes(
		attribute.Int64("order.id", o.ID),
		attribute.Int64("user.id", o.UserID),
		attribute.Int64("voucher.id", o.VoucherID),
	))
	defer span.End()

	err := persistLocked(ctx, c.locks, c.lockTTL, c.persister, o, c.logger)
	if errors.Is(err, errLockNotAcquired) {
		err = ErrLockBusy
	}
	if err != nil && !errors.Is(err, ErrDuplicateOrder) && !errors.Is(err, ErrOutOfStock) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var errLockNotAcquired = errors.New("order lock not acquired")

// persistLocked runs PersistOrder while holding lock:order:<userId>. The lock
// is released on every path.
func persistLocked(ctx context.Context, locks lock.Store, ttl time.Duration, p Persister, o Order, logger zerolog.Logger) error {
	lk := lock.New(locks, OrderLockName(o.UserID), lock.WithLogger(logger))
	ok, err := lk.TryLock(ctx, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errLockNotAcquired
	}
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Int64("user_id", o.UserID).Msg("failed to release order lock")
		}
	}()
	return p.PersistOrder(ctx, o)
}
