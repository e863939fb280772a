package seckill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/you/seckill-service/internal/clock"
	"github.com/you/seckill-service/internal/idgen"
	"github.com/you/seckill-service/internal/kv"
)

// memPersister mimics the transactional order insert: uniqueness re-check,
// guarded stock decrement, insert.
type memPersister struct {
	mu       sync.Mutex
	stock    map[int64]int
	orders   map[[2]int64]Order
	failures int
	calls    int
}

func newMemPersister(stock map[int64]int) *memPersister {
	return &memPersister{stock: stock, orders: make(map[[2]int64]Order)}
}

func (m *memPersister) PersistOrder(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("db unavailable")
	}
	k := [2]int64{o.UserID, o.VoucherID}
	if _, dup := m.orders[k]; dup {
		return ErrDuplicateOrder
	}
	if m.stock[o.VoucherID] <= 0 {
		return ErrOutOfStock
	}
	m.stock[o.VoucherID]--
	m.orders[k] = o
	return nil
}

func (m *memPersister) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memPersister) stockOf(v int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[v]
}

func (m *memPersister) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	mr    *miniredis.Miniredis
	store *kv.Client
	ids   *idgen.Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	return &fixture{mr: mr, store: store, ids: idgen.New(store)}
}

func (f *fixture) streamQueue(opts ...StreamOption) *StreamQueue {
	return NewStreamQueue(f.store, append([]StreamOption{WithBlock(20 * time.Millisecond)}, opts...)...)
}

// startConsumer runs a consumer until the test ends.
func startConsumer(t *testing.T, q Queue, p Persister, locks *kv.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c := NewConsumer(q, p, locks, WithRetryDelay(5*time.Millisecond))
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("consumer: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLastUnitGoesToExactlyOneBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.streamQueue()
	if err := q.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	svc := NewService(f.store, f.ids, q)
	if err := svc.LoadStock(ctx, Voucher{ID: 1, Stock: 1}); err != nil {
		t.Fatalf("load stock: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, user := range []int64{101, 102} {
		wg.Add(1)
		go func(i int, user int64) {
			defer wg.Done()
			_, errs[i] = svc.Seckill(ctx, 1, user)
		}(i, user)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrOutOfStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || rejected != 1 {
		t.Fatalf("expected one admitted and one out of stock, got %d/%d", admitted, rejected)
	}

	p := newMemPersister(map[int64]int{1: 1})
	startConsumer(t, q, p, f.store)
	waitFor(t, "order to persist", func() bool { return p.count() == 1 })
	if s := p.stockOf(1); s != 0 {
		t.Fatalf("expected durable stock 0, got %d", s)
	}
}

func TestDuplicatePurchaseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.store, f.ids, f.streamQueue())
	_ = svc.LoadStock(ctx, Voucher{ID: 2, Stock: 10})

	if _, err := svc.Seckill(ctx, 2, 7); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if _, err := svc.Seckill(ctx, 2, 7); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if v, _ := f.mr.Get(StockKey(2)); v != "9" {
		t.Fatalf("expected stock 9 after one admission, got %s", v)
	}
	if ok, _ := f.mr.SIsMember(BuyersKey(2), "7"); !ok {
		t.Fatalf("expected user in buyer set")
	}
}

func TestAdmissionNeverOversells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.streamQueue()
	_ = q.Setup(ctx)
	svc := NewService(f.store, f.ids, q)
	const stock, buyers = 5, 40
	_ = svc.LoadStock(ctx, Voucher{ID: 3, Stock: stock})

	var (
		mu       sync.Mutex
		admitted int
		wg       sync.WaitGroup
	)
	for u := int64(1); u <= buyers; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			_, err := svc.Seckill(ctx, 3, u)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, ErrOutOfStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	if admitted != stock {
		t.Fatalf("expected %d admissions, got %d", stock, admitted)
	}
	if v, _ := f.mr.Get(StockKey(3)); v != "0" {
		t.Fatalf("cached stock should be 0, got %s", v)
	}

	p := newMemPersister(map[int64]int{3: stock})
	startConsumer(t, q, p, f.store)
	waitFor(t, "all admitted orders", func() bool { return p.count() == stock })
	if s := p.stockOf(3); s != 0 {
		t.Fatalf("expected durable stock 0, got %d", s)
	}
}

func TestMissingStockIsOutOfStock(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.ids, f.streamQueue())
	if _, err := svc.Seckill(context.Background(), 99, 1); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock for an unloaded voucher, got %v", err)
	}
}

type voucherMap map[int64]Voucher

func (m voucherMap) Voucher(_ context.Context, id int64) (Voucher, bool, error) {
	v, ok := m[id]
	return v, ok, nil
}

func TestSaleWindow(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	vouchers := voucherMap{
		1: {ID: 1, Stock: 5, BeginTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)},
		2: {ID: 2, Stock: 5, BeginTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)},
		3: {ID: 3, Stock: 5, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)},
	}
	svc := NewService(f.store, f.ids, f.streamQueue(),
		WithVoucherSource(vouchers), WithServiceClock(clock.NewManual(now)))
	for _, v := range vouchers {
		_ = svc.LoadStock(context.Background(), v)
	}

	tests := []struct {
		name    string
		voucher int64
		want    error
	}{
		{"not started", 1, ErrNotStarted},
		{"ended", 2, ErrEnded},
		{"open", 3, nil},
		{"unknown", 4, ErrVoucherNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Seckill(context.Background(), tt.voucher, 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryQueuePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := NewMemoryQueue(16, 20*time.Millisecond)
	svc := NewService(f.store, f.ids, q)
	_ = svc.LoadStock(ctx, Voucher{ID: 4, Stock: 2})

	for _, u := range []int64{1, 2, 3} {
		_, _ = svc.Seckill(ctx, 4, u)
	}

	p := newMemPersister(map[int64]int{4: 2})
	startConsumer(t, q, p, f.store)
	waitFor(t, "orders from the memory queue", func() bool { return p.count() == 2 })
	waitFor(t, "memory queue to drain", func() bool {
		pending, _ := q.ReadPending(ctx)
		return len(pending) == 0
	})
}

type failingQueue struct{ *MemoryQueue }

func (failingQueue) Publish(context.Context, Order) error { return errors.New("queue down") }

func TestPublishFailureGivesBackReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.store, f.ids, failingQueue{NewMemoryQueue(1, time.Millisecond)})
	_ = svc.LoadStock(ctx, Voucher{ID: 5, Stock: 1})

	if _, err := svc.Seckill(ctx, 5, 1); err == nil {
		t.Fatalf("expected enqueue error")
	}
	if v, _ := f.mr.Get(StockKey(5)); v != "1" {
		t.Fatalf("expected stock to be given back, got %s", v)
	}
	if ok, _ := f.mr.SIsMember(BuyersKey(5), "1"); ok {
		t.Fatalf("expected user removed from buyer set")
	}
}
