package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/you/seckill-service/internal/cacheclient"
	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/like"
	"github.com/you/seckill-service/internal/metrics"
	"github.com/you/seckill-service/internal/seckill"
	"github.com/you/seckill-service/internal/signin"
)

const (
	shopCachePrefix     = "cache:shop:"
	shopTypeCachePrefix = "cache:shopType:"
	shopTypeListID      = "list"
	shopGeoPrefix   = "shop:geo:"
	nearbyRadius    = 5000 // meters
	nearbyLimit     = 10

	// userHeader carries the caller id set by the authenticating proxy.
	userHeader = "X-User-ID"
)

type shopRepository interface {
	GetShop(ctx context.Context, id int64) (Shop, bool, error)
	UpdateShop(ctx context.Context, s Shop) error
}

type shopTypeRepository interface {
	ListShopTypes(ctx context.Context) ([]ShopType, error)
}

type blogRepository interface {
	GetBlog(ctx context.Context, id int64) (Blog, bool, error)
}

type voucherRepository interface {
	CreateSeckillVoucher(ctx context.Context, v SeckillVoucher) (SeckillVoucher, error)
}

type geoSearcher interface {
	GeoSearch(ctx context.Context, key string, lon, lat, radiusMeters float64, limit int) ([]kv.GeoHit, error)
}

// server holds the handlers' collaborators.
type server struct {
	shops         shopRepository
	vouchers      voucherRepository
	voucherWins   *VoucherCache
	cache         *cacheclient.Client
	shopCache     cacheclient.Strategy[Shop]
	// set when the shop strategy is logical expiration; updates then rewrite
	// the entry instead of deleting it
	shopLogical   *cacheclient.LogicalExpire[Shop]
	shopTypes     shopTypeRepository
	// the type list never expires; it changes only with a deploy
	shopTypeCache cacheclient.Strategy[[]ShopType]
	blogs         blogRepository
	likes         *like.Service
	geo           geoSearcher
	admission     *seckill.Service
	orders        *seckill.SyncOrderer
	signins       *signin.Service
	health        func(ctx context.Context) error
}

func newRouter(s *server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/shop/of/type", s.nearbyShops).Methods("GET")
	r.HandleFunc("/shop/{id:[0-9]+}", s.getShop).Methods("GET")
	r.HandleFunc("/shop", s.updateShop).Methods("PUT")
	r.HandleFunc("/shop-type/list", s.listShopTypes).Methods("GET")
	r.HandleFunc("/blog/{id:[0-9]+}", s.getBlog).Methods("GET")
	r.HandleFunc("/blog/like/{id:[0-9]+}", s.likeBlog).Methods("PUT")
	r.HandleFunc("/voucher/seckill", s.createSeckillVoucher).Methods("POST")
	r.HandleFunc("/voucher-order/seckill/{id:[0-9]+}", s.seckillOrder).Methods("POST")
	r.HandleFunc("/voucher-order/{id:[0-9]+}", s.syncOrder).Methods("POST")
	r.HandleFunc("/user/sign", s.sign).Methods("POST")
	r.HandleFunc("/user/sign/count", s.signCount).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

// создает сервер с тайм-аутами вокруг маршрутизатора и запускает его в горутине
func StartHTTPServer(cfg *Config, s *server) *http.Server {
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      otelhttp.NewHandler(newRouter(s), "seckill-http"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Регистрирует запуск
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	return srv
}

func (s *server) loadShop(ctx context.Context, id string) (Shop, bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Shop{}, false, nil
	}
	return s.shops.GetShop(ctx, n)
}

func (s *server) getShop(w http.ResponseWriter, req *http.Request) {
	if _, ok := pathID(w, req); !ok {
		return
	}
	id := mux.Vars(req)["id"]
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	// Сначала кеш (стратегия из конфигурации), при промахе стратегия сама идёт в БД
	shop, ok, err := s.shopCache.Get(ctx, id, s.loadShop)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "shop not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// updateShop writes the database first, then refreshes the cache.
func (s *server) updateShop(w http.ResponseWriter, req *http.Request) {
	var shop Shop
	if err := json.NewDecoder(req.Body).Decode(&shop); err != nil || shop.ID <= 0 {
		http.Error(w, "invalid shop", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	if err := s.shops.UpdateShop(ctx, shop); err != nil {
		if errors.Is(err, errShopNotFound) {
			http.Error(w, "shop not found", http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}

	// Сначала БД, затем кеш: при логическом истечении перезаписываем запись,
	// иначе удаляем её и следующее чтение подтянет свежие данные
	id := strconv.FormatInt(shop.ID, 10)
	var err error
	if s.shopLogical != nil {
		var fresh Shop
		var ok bool
		fresh, ok, err = s.shops.GetShop(ctx, shop.ID)
		if err == nil && ok {
			err = s.shopLogical.Put(ctx, id, fresh)
		}
	} else {
		err = s.cache.Invalidate(ctx, shopCachePrefix+id)
	}
	if err != nil {
		log.Error().Err(err).Int64("shop_id", shop.ID).Msg("failed to refresh shop cache after update")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) nearbyShops(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	typeID, err := strconv.ParseInt(q.Get("typeId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid typeId", http.StatusBadRequest)
		return
	}
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if errX != nil || errY != nil {
		http.Error(w, "x and y are required", http.StatusBadRequest)
		return
	}

	hits, err := s.geo.GeoSearch(req.Context(), shopGeoPrefix+strconv.FormatInt(typeID, 10), x, y, nearbyRadius, nearbyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ShopHit, 0, len(hits))
	for _, h := range hits {
		id, err := strconv.ParseInt(h.Member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ShopHit{ShopID: id, Distance: h.Distance})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) listShopTypes(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	types, _, err := s.shopTypeCache.Get(ctx, shopTypeListID, func(ctx context.Context, _ string) ([]ShopType, bool, error) {
		types, err := s.shopTypes.ListShopTypes(ctx)
		return types, len(types) > 0, err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if types == nil {
		types = []ShopType{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (s *server) getBlog(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	ctx := req.Context()
	b, found, err := s.blogs.GetBlog(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "blog not found", http.StatusNotFound)
		return
	}
	// isLike заполняется только для авторизованного пользователя
	if userID, err := strconv.ParseInt(req.Header.Get(userHeader), 10, 64); err == nil && userID > 0 {
		if b.IsLike, err = s.likes.IsLiked(ctx, id, userID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, b)
}

// likeBlog toggles the caller's like.
func (s *server) likeBlog(w http.ResponseWriter, req *http.Request) {
	userID, ok := currentUser(w, req)
	if !ok {
		return
	}
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	liked, err := s.likes.Toggle(req.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"liked": liked})
}

func (s *server) createSeckillVoucher(w http.ResponseWriter, req *http.Request) {
	var v SeckillVoucher
	if err := json.NewDecoder(req.Body).Decode(&v); err != nil || v.Stock < 0 || !v.EndTime.After(v.BeginTime) {
		http.Error(w, "invalid voucher", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	v, err := s.vouchers.CreateSeckillVoucher(ctx, v)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.admission.LoadStock(ctx, v.toVoucher()); err != nil {
		writeError(w, err)
		return
	}
	s.voucherWins.Set(v.toVoucher())
	log.Info().Int64("voucher_id", v.VoucherID).Int("stock", v.Stock).Msg("seckill voucher created")
	writeJSON(w, http.StatusCreated, v)
}

func (s *server) seckillOrder(w http.ResponseWriter, req *http.Request) {
	userID, ok := currentUser(w, req)
	if !ok {
		return
	}
	voucherID, ok := pathID(w, req)
	if !ok {
		return
	}
	orderID, err := s.admission.Seckill(req.Context(), voucherID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"orderId": orderID})
}

func (s *server) syncOrder(w http.ResponseWriter, req *http.Request) {
	userID, ok := currentUser(w, req)
	if !ok {
		return
	}
	voucherID, ok := pathID(w, req)
	if !ok {
		return
	}
	orderID, err := s.orders.Order(req.Context(), voucherID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"orderId": orderID})
}

func (s *server) sign(w http.ResponseWriter, req *http.Request) {
	userID, ok := currentUser(w, req)
	if !ok {
		return
	}
	if err := s.signins.Sign(req.Context(), userID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) signCount(w http.ResponseWriter, req *http.Request) {
	userID, ok := currentUser(w, req)
	if !ok {
		return
	}
	n, err := s.signins.ConsecutiveDays(req.Context(), userID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"days": n})
}

func (s *server) healthz(w http.ResponseWriter, req *http.Request) {
	if err := s.health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses the {id} route variable, answering 400 when it does not fit
// in an int64.
func pathID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// Пользователь приходит от прокси авторизации в заголовке X-User-ID
func currentUser(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.Header.Get(userHeader), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

// writeError maps rejections to 4xx and everything else to 5xx.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, seckill.ErrOutOfStock),
		errors.Is(err, seckill.ErrDuplicateOrder),
		errors.Is(err, seckill.ErrDuplicateInFlight):
		status = http.StatusConflict
	case errors.Is(err, seckill.ErrNotStarted), errors.Is(err, seckill.ErrEnded):
		status = http.StatusForbidden
	case errors.Is(err, seckill.ErrVoucherNotFound), errors.Is(err, errBlogNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kv.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}
