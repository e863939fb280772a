package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/you/seckill-service/internal/cacheclient"
	"github.com/you/seckill-service/internal/idgen"
	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/like"
	"github.com/you/seckill-service/internal/seckill"
	"github.com/you/seckill-service/internal/signin"
)

type fakeShops struct {
	mu    sync.Mutex
	shops map[int64]Shop
	gets  int
}

func (f *fakeShops) GetShop(_ context.Context, id int64) (Shop, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	s, ok := f.shops[id]
	return s, ok, nil
}

func (f *fakeShops) UpdateShop(_ context.Context, s Shop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shops[s.ID]; !ok {
		return errShopNotFound
	}
	f.shops[s.ID] = s
	return nil
}

type fakeVouchers struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]SeckillVoucher
}

func (f *fakeVouchers) CreateSeckillVoucher(_ context.Context, v SeckillVoucher) (SeckillVoucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	v.VoucherID = f.nextID
	v.CreateTime = time.Now()
	f.rows[v.VoucherID] = v
	return v, nil
}

func (f *fakeVouchers) GetSeckillVoucher(_ context.Context, id int64) (SeckillVoucher, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	return v, ok, nil
}

type fakeOrders struct {
	mu     sync.Mutex
	orders []seckill.Order
}

func (f *fakeOrders) PersistOrder(_ context.Context, o seckill.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.orders {
		if prev.UserID == o.UserID && prev.VoucherID == o.VoucherID {
			return seckill.ErrDuplicateOrder
		}
	}
	f.orders = append(f.orders, o)
	return nil
}

type fakeShopTypes struct {
	mu    sync.Mutex
	types []ShopType
	lists int
}

func (f *fakeShopTypes) ListShopTypes(_ context.Context) ([]ShopType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.types, nil
}

type fakeBlogs struct {
	mu    sync.Mutex
	blogs map[int64]Blog
}

func (f *fakeBlogs) GetBlog(_ context.Context, id int64) (Blog, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blogs[id]
	return b, ok, nil
}

func (f *fakeBlogs) AdjustBlogLikes(_ context.Context, id int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blogs[id]
	if !ok || b.Liked+delta < 0 {
		return errBlogNotFound
	}
	b.Liked += delta
	f.blogs[id] = b
	return nil
}

type fakeGeo struct {
	key  string
	hits []kv.GeoHit
}

func (f *fakeGeo) GeoSearch(_ context.Context, key string, _, _, _ float64, _ int) ([]kv.GeoHit, error) {
	f.key = key
	return f.hits, nil
}

type testEnv struct {
	handler   http.Handler
	shops     *fakeShops
	shopTypes *fakeShopTypes
	blogs     *fakeBlogs
	orders    *fakeOrders
	geo       *fakeGeo
	mr        *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)

	shops := &fakeShops{shops: map[int64]Shop{
		1: {ID: 1, Name: "Tea House", TypeID: 1, X: 120.149, Y: 30.319},
	}}
	vouchers := &fakeVouchers{rows: make(map[int64]SeckillVoucher)}
	orders := &fakeOrders{}
	geo := &fakeGeo{}
	shopTypes := &fakeShopTypes{types: []ShopType{
		{ID: 1, Name: "Food", Icon: "/types/food.png", Sort: 1},
		{ID: 2, Name: "KTV", Icon: "/types/ktv.png", Sort: 2},
	}}
	blogs := &fakeBlogs{blogs: map[int64]Blog{
		1: {ID: 1, ShopID: 1, UserID: 2, Title: "Best tea in town"},
	}}

	ids := idgen.New(store)
	cache := cacheclient.New(store)
	t.Cleanup(func() { _ = cache.Close(context.Background()) })
	windows := NewVoucherCache(10, vouchers)

	s := &server{
		shops:         shops,
		vouchers:      vouchers,
		voucherWins:   windows,
		cache:         cache,
		shopCache:     cacheclient.NewPassThrough[Shop](cache, shopCachePrefix, time.Minute),
		shopTypes:     shopTypes,
		shopTypeCache: cacheclient.NewPassThrough[[]ShopType](cache, shopTypeCachePrefix, 0),
		blogs:         blogs,
		likes:         like.New(store, blogs),
		geo:           geo,
		admission:     seckill.NewService(store, ids, seckill.NewMemoryQueue(16, 10*time.Millisecond), seckill.WithVoucherSource(windows)),
		orders:        seckill.NewSyncOrderer(ids, store, orders, windows),
		signins:       signin.New(store),
		health:        store.Ping,
	}
	return &testEnv{
		handler:   newRouter(s),
		shops:     shops,
		shopTypes: shopTypes,
		blogs:     blogs,
		orders:    orders,
		geo:       geo,
		mr:        mr,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		req.Header.Set(userHeader, strconv.FormatInt(userID, 10))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestGetShopIsCached(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := e.do(t, "GET", "/shop/1", nil, 0)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var got Shop
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode shop: %v", err)
		}
		if got.Name != "Tea House" {
			t.Fatalf("unexpected shop: %+v", got)
		}
	}
	if e.shops.gets != 1 {
		t.Fatalf("expected one database read, got %d", e.shops.gets)
	}
	if !e.mr.Exists(shopCachePrefix + "1") {
		t.Fatalf("expected shop to be cached")
	}
}

func TestGetMissingShopCachesAbsence(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 2; i++ {
		if rec := e.do(t, "GET", "/shop/99", nil, 0); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	}
	if e.shops.gets != 1 {
		t.Fatalf("expected absent shop to be loaded once, got %d", e.shops.gets)
	}
}

func TestUpdateShopInvalidatesCache(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, "GET", "/shop/1", nil, 0); rec.Code != http.StatusOK {
		t.Fatalf("warm cache: %d", rec.Code)
	}
	updated := Shop{ID: 1, Name: "Tea House 2", TypeID: 1}
	if rec := e.do(t, "PUT", "/shop", updated, 0); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if e.mr.Exists(shopCachePrefix + "1") {
		t.Fatalf("expected cache entry to be deleted after update")
	}

	rec := e.do(t, "GET", "/shop/1", nil, 0)
	var got Shop
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode shop: %v", err)
	}
	if got.Name != "Tea House 2" {
		t.Fatalf("expected updated name, got %q", got.Name)
	}
}

func TestUpdateShopRejects(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, "PUT", "/shop", Shop{Name: "no id"}, 0); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}
	if rec := e.do(t, "PUT", "/shop", Shop{ID: 42, Name: "ghost"}, 0); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown shop, got %d", rec.Code)
	}
}

func TestOrderEndpointsRequireUser(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/voucher-order/seckill/1", "/voucher-order/1", "/user/sign"} {
		if rec := e.do(t, "POST", path, nil, 0); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestOrderEndpointsRejectOverflowingID(t *testing.T) {
	e := newTestEnv(t)
	huge := "99999999999999999999"

	for _, path := range []string{"/voucher-order/seckill/" + huge, "/voucher-order/" + huge} {
		if rec := e.do(t, "POST", path, nil, 7); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if rec := e.do(t, "GET", "/shop/"+huge, nil, 0); rec.Code != http.StatusBadRequest {
		t.Fatalf("shop: expected 400, got %d", rec.Code)
	}
	if len(e.orders.orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(e.orders.orders))
	}
}

func TestShopTypeListIsCachedWithoutExpiry(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := e.do(t, "GET", "/shop-type/list", nil, 0)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var got []ShopType
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode types: %v", err)
		}
		if len(got) != 2 || got[0].Name != "Food" || got[1].Sort != 2 {
			t.Fatalf("unexpected types: %+v", got)
		}
	}
	if e.shopTypes.lists != 1 {
		t.Fatalf("expected one database read, got %d", e.shopTypes.lists)
	}
	key := shopTypeCachePrefix + shopTypeListID
	if key != "cache:shopType:list" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if !e.mr.Exists(key) {
		t.Fatalf("expected %s to be cached", key)
	}
	if ttl := e.mr.TTL(key); ttl != 0 {
		t.Fatalf("expected no ttl on %s, got %v", key, ttl)
	}
}

func TestBlogLikeToggle(t *testing.T) {
	e := newTestEnv(t)

	toggle := func(userID int64) bool {
		t.Helper()
		rec := e.do(t, "PUT", "/blog/like/1", nil, userID)
		if rec.Code != http.StatusOK {
			t.Fatalf("like: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var body map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode like: %v", err)
		}
		return body["liked"]
	}
	getBlog := func(userID int64) Blog {
		t.Helper()
		rec := e.do(t, "GET", "/blog/1", nil, userID)
		if rec.Code != http.StatusOK {
			t.Fatalf("blog: expected 200, got %d", rec.Code)
		}
		var b Blog
		if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
			t.Fatalf("decode blog: %v", err)
		}
		return b
	}

	if !toggle(5) {
		t.Fatalf("expected first toggle to like")
	}
	if ok, _ := e.mr.SIsMember(like.Key(1), "5"); !ok {
		t.Fatalf("expected user 5 in %s", like.Key(1))
	}
	if b := getBlog(5); !b.IsLike || b.Liked != 1 {
		t.Fatalf("expected liked blog with one like, got %+v", b)
	}
	if b := getBlog(6); b.IsLike {
		t.Fatalf("user 6 has not liked the blog")
	}
	if b := getBlog(0); b.IsLike {
		t.Fatalf("anonymous reader must not see isLike")
	}

	if toggle(5) {
		t.Fatalf("expected second toggle to unlike")
	}
	if b := getBlog(5); b.IsLike || b.Liked != 0 {
		t.Fatalf("expected unliked blog with no likes, got %+v", b)
	}
}

func TestBlogLikeRejects(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, "PUT", "/blog/like/1", nil, 0); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user, got %d", rec.Code)
	}
	if rec := e.do(t, "PUT", "/blog/like/99", nil, 5); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown blog, got %d", rec.Code)
	}
	if ok, _ := e.mr.SIsMember(like.Key(99), "5"); ok {
		t.Fatalf("failed like must not stay in the set")
	}
	if rec := e.do(t, "GET", "/blog/99", nil, 0); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown blog, got %d", rec.Code)
	}
}

func createVoucher(t *testing.T, e *testEnv, stock int, begin, end time.Time) int64 {
	t.Helper()
	rec := e.do(t, "POST", "/voucher/seckill", SeckillVoucher{Stock: stock, BeginTime: begin, EndTime: end}, 0)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create voucher: %d %s", rec.Code, rec.Body.String())
	}
	var v SeckillVoucher
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode voucher: %v", err)
	}
	return v.VoucherID
}

func TestSeckillOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	id := createVoucher(t, e, 1, now.Add(-time.Hour), now.Add(time.Hour))

	if got, _ := e.mr.Get(seckill.StockKey(id)); got != "1" {
		t.Fatalf("expected stock 1 in cache, got %q", got)
	}

	path := "/voucher-order/seckill/" + strconv.FormatInt(id, 10)
	rec := e.do(t, "POST", path, nil, 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["orderId"] == 0 {
		t.Fatalf("expected order id, got %s", rec.Body.String())
	}

	if rec := e.do(t, "POST", path, nil, 7); rec.Code != http.StatusConflict {
		t.Fatalf("repeat buyer: expected 409, got %d", rec.Code)
	}
	if rec := e.do(t, "POST", path, nil, 8); rec.Code != http.StatusConflict {
		t.Fatalf("sold out: expected 409, got %d", rec.Code)
	}
}

func TestSeckillOutsideWindow(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	id := createVoucher(t, e, 5, now.Add(time.Hour), now.Add(2*time.Hour))

	rec := e.do(t, "POST", "/voucher-order/seckill/"+strconv.FormatInt(id, 10), nil, 7)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before the sale starts, got %d", rec.Code)
	}
}

func TestCreateVoucherValidates(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()

	rec := e.do(t, "POST", "/voucher/seckill", SeckillVoucher{Stock: 1, BeginTime: now, EndTime: now.Add(-time.Hour)}, 0)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an inverted window, got %d", rec.Code)
	}
}

func TestSyncOrderOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	id := createVoucher(t, e, 3, now.Add(-time.Hour), now.Add(time.Hour))
	path := "/voucher-order/" + strconv.FormatInt(id, 10)

	if rec := e.do(t, "POST", path, nil, 5); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, "POST", path, nil, 5); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second order, got %d", rec.Code)
	}
	if len(e.orders.orders) != 1 {
		t.Fatalf("expected one persisted order, got %d", len(e.orders.orders))
	}
}

func TestNearbyShops(t *testing.T) {
	e := newTestEnv(t)
	e.geo.hits = []kv.GeoHit{{Member: "1", Distance: 12.5}, {Member: "bogus", Distance: 20}}

	rec := e.do(t, "GET", "/shop/of/type?typeId=1&x=120.1&y=30.3", nil, 0)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var hits []ShopHit
	if err := json.Unmarshal(rec.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode hits: %v", err)
	}
	if len(hits) != 1 || hits[0].ShopID != 1 || hits[0].Distance != 12.5 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if e.geo.key != shopGeoPrefix+"1" {
		t.Fatalf("expected search on %q, got %q", shopGeoPrefix+"1", e.geo.key)
	}

	if rec := e.do(t, "GET", "/shop/of/type?typeId=1", nil, 0); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without coordinates, got %d", rec.Code)
	}
}

func TestSignAndHealth(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, "POST", "/user/sign", nil, 3); rec.Code != http.StatusNoContent {
		t.Fatalf("sign: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, "GET", "/healthz", nil, 0); rec.Code != http.StatusNoContent {
		t.Fatalf("healthz: expected 204, got %d", rec.Code)
	}
	if rec := e.do(t, "GET", "/metrics", nil, 0); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}
