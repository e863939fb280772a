package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/you/seckill-service/internal/clock"
	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/metrics"
)

const tracerName = "github.com/you/seckill-service/internal/seckill"

// admitScript checks stock and the buyer set, then reserves one unit. When a
// third key is passed the order is appended to that stream in the same call.
//
// KEYS: stock, buyers[, stream]
// ARGV: voucherId, userId, orderId, createdAt
var admitScript = redis.NewScript(`
local stock = tonumber(redis.call('get', KEYS[1]))
if stock == nil or stock <= 0 then
	return 1
end
if redis.call('sismember', KEYS[2], ARGV[2]) == 1 then
	return 2
end
redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[2])
if #KEYS == 3 then
	redis.call('xadd', KEYS[3], '*', 'userId', ARGV[2], 'voucherId', ARGV[1], 'id', ARGV[3], 'createdAt', ARGV[4])
end
return 0
`)

// revertScript gives back a reservation whose order could not be queued or
// persisted. With ARGV[2] == "keep" the buyer stays in the set and only the
// unit is returned.
var revertScript = redis.NewScript(`
if ARGV[2] == 'keep' then
	if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
		redis.call('incrby', KEYS[1], 1)
	end
	return 0
end
if redis.call('srem', KEYS[2], ARGV[1]) == 1 then
	redis.call('incrby', KEYS[1], 1)
end
return 0
`)

type scriptRunner interface {
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

// Store is the subset of the kv client admission needs.
type Store interface {
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

var _ Store = (*kv.Client)(nil)

// IDGenerator issues order ids.
type IDGenerator interface {
	NextID(ctx context.Context, keyPrefix string) (uint64, error)
}

// VoucherSource looks up the sale window of a voucher.
type VoucherSource interface {
	Voucher(ctx context.Context, voucherID int64) (Voucher, bool, error)
}

// streamEnqueuer is implemented by queues the admission script can append to
// directly.
type streamEnqueuer interface {
	StreamKey() string
}

// Service admits purchases.
type Service struct {
	store    Store
	ids      IDGenerator
	queue    Queue
	vouchers VoucherSource
	clock    clock.Clock
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithVoucherSource enables the begin/end time check before admission.
func WithVoucherSource(vs VoucherSource) ServiceOption {
	return func(s *Service) { s.vouchers = vs }
}

func WithServiceClock(c clock.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService returns a Service that queues admitted orders on queue.
func NewService(store Store, ids IDGenerator, queue Queue, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		ids:    ids,
		queue:  queue,
		clock:  clock.Real{},
		logger: log.Logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "admission").Logger()
	return s
}

// LoadStock publishes the voucher's stock to the cache. It is the only writer
// of cached stock besides the admission script.
func (s *Service) LoadStock(ctx context.Context, v Voucher) error {
	if v.Stock < 0 {
		return fmt.Errorf("seckill: negative stock %d for voucher %d", v.Stock, v.ID)
	}
	if err := s.store.Set(ctx, StockKey(v.ID), strconv.Itoa(v.Stock), 0); err != nil {
		return fmt.Errorf("seckill: load stock of voucher %d: %w", v.ID, err)
	}
	return nil
}

// Seckill tries to buy one unit of voucherID for userID and returns the id of
// the queued order. Rejections are reported as ErrOutOfStock,
// ErrDuplicateOrder, ErrNotStarted, ErrEnded or ErrVoucherNotFound.
func (s *Service) Seckill(ctx context.Context, voucherID, userID int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "seckill.admit", trace.WithAttributes(
		attribute.Int64("voucher.id", voucherID),
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	orderID, err := s.admit(ctx, voucherID, userID)
	switch {
	case err == nil:
		metrics.Admissions.WithLabelValues("admitted").Inc()
		span.SetAttributes(attribute.Int64("order.id", orderID))
	case errors.Is(err, ErrOutOfStock):
		metrics.Admissions.WithLabelValues("out_of_stock").Inc()
	case errors.Is(err, ErrDuplicateOrder):
		metrics.Admissions.WithLabelValues("duplicate").Inc()
	case errors.Is(err, ErrNotStarted):
		metrics.Admissions.WithLabelValues("not_started").Inc()
	case errors.Is(err, ErrEnded):
		metrics.Admissions.WithLabelValues("ended").Inc()
	case errors.Is(err, ErrVoucherNotFound):
		metrics.Admissions.WithLabelValues("not_found").Inc()
	default:
		metrics.Admissions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return orderID, err
}

func (s *Service) admit(ctx context.Context, voucherID, userID int64) (int64, error) {
	if voucherID <= 0 || userID <= 0 {
		return 0, fmt.Errorf("seckill: invalid voucher %d or user %d", voucherID, userID)
	}
	now := s.clock.Now()
	if err := checkWindow(ctx, s.vouchers, voucherID, now); err != nil {
		return 0, err
	}

	id, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return 0, fmt.Errorf("seckill: order id: %w", err)
	}
	order := Order{ID: int64(id), UserID: userID, VoucherID: voucherID, CreatedAt: now}

	var stream string
	sq, inScript := s.queue.(streamEnqueuer)
	if inScript {
		stream = sq.StreamKey()
	}
	if err := reserve(ctx, s.store, order, stream); err != nil {
		return 0, err
	}

	if !inScript {
		if err := s.queue.Publish(ctx, order); err != nil {
			s.revert(ctx, order)
			return 0, fmt.Errorf("seckill: enqueue order %d: %w", order.ID, err)
		}
	}
	s.logger.Debug().Int64("order_id", order.ID).Int64("user_id", userID).Int64("voucher_id", voucherID).
		Msg("order admitted")
	return order.ID, nil
}

func (s *Service) revert(ctx context.Context, o Order) {
	if err := giveBack(ctx, s.store, o, false); err != nil {
		s.logger.Error().Err(err).Int64("order_id", o.ID).Int64("voucher_id", o.VoucherID).
			Msg("failed to give back reservation of an unqueued order")
	}
}

// reserve runs the admission script for o. A non-empty stream makes the
// script append the order to it.
func reserve(ctx context.Context, store scriptRunner, o Order, stream string) error {
	keys := []string{StockKey(o.VoucherID), BuyersKey(o.VoucherID)}
	if stream != "" {
		keys = append(keys, stream)
	}
	f := encodeOrder(o)
	res, err := store.RunScript(ctx, admitScript, keys,
		f[fieldVoucherID], f[fieldUserID], f[fieldID], f[fieldCreatedAt])
	if err != nil {
		return fmt.Errorf("seckill: admission script: %w", err)
	}
	code, ok := res.(int64)
	if !ok {
		return fmt.Errorf("seckill: unexpected admission result %#v", res)
	}
	switch Result(code) {
	case Admitted:
		return nil
	case OutOfStock:
		return ErrOutOfStock
	case Duplicate:
		return ErrDuplicateOrder
	default:
		return fmt.Errorf("seckill: unexpected admission result %s", Result(code))
	}
}

// giveBack returns the unit reserved for o. keepBuyer leaves the user in the
// buyer set, for orders the store already holds.
func giveBack(ctx context.Context, store scriptRunner, o Order, keepBuyer bool) error {
	mode := "drop"
	if keepBuyer {
		mode = "keep"
	}
	_, err := store.RunScript(context.WithoutCancel(ctx), revertScript,
		[]string{StockKey(o.VoucherID), BuyersKey(o.VoucherID)}, strconv.FormatInt(o.UserID, 10), mode)
	return err
}
