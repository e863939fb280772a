package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/you/seckill-service/internal/cacheclient"
	"github.com/you/seckill-service/internal/idgen"
	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/like"
	"github.com/you/seckill-service/internal/seckill"
	"github.com/you/seckill-service/internal/signin"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	ctx := withSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("seckill-service failed")
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "seckill-service",
		Short:         "shop cache and flash-sale order service backed by Redis and Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := strings.TrimSpace(viper.GetString("config")); path != "" {
				viper.SetConfigFile(path)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file %q: %w", path, err)
				}
				log.Info().Str("path", path).Msg("loaded config file")
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	// Флаги, переменные окружения SECKILL_* и YAML файл читаются через viper
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to YAML config file")
	registerFlags(flags, DefaultConfig())
	for _, name := range append([]string{"config"}, configKeys...) {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("SECKILL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return cmd
}

func run(ctx context.Context, cfg *Config) error {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().Str("queue", cfg.Queue).Str("shop_strategy", cfg.ShopStrategy).Msg("starting seckill-service")

	// Трассировка включается только при заданном OTLP endpoint
	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	db, err := NewDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer db.Close()
	// Создание БД подключения, проверка ошибок

	store := kv.New(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	// Redis за автоматом (circuit breaker); без него сервис не стартует

	ids := idgen.New(store)
	cache := cacheclient.New(store,
		cacheclient.WithNullTTL(cfg.NullTTL),
		cacheclient.WithRebuildLockTTL(cfg.RebuildLockTTL),
		cacheclient.WithPoolSize(cfg.RebuildPoolSize),
	)
	shopCache, shopLogical := buildShopStrategy(cfg, cache)
	// Кэш магазинов: стратегия восстановления выбирается конфигурацией

	queue, err := buildQueue(cfg, store)
	if err != nil {
		return err
	}
	defer queue.Close()

	vouchers := NewVoucherCache(cfg.VoucherCacheLimit, db)
	admission := seckill.NewService(store, ids, queue, seckill.WithVoucherSource(vouchers))

	// При старте загружаем горячие магазины в кеш и строим гео-индекс
	warmUp(ctx, cfg, db, store, cache, shopLogical)

	srv := StartHTTPServer(cfg, &server{
		shops:         db,
		vouchers:      db,
		voucherWins:   vouchers,
		cache:         cache,
		shopCache:     shopCache,
		shopLogical:   shopLogical,
		shopTypes:     db,
		shopTypeCache: cacheclient.NewPassThrough[[]ShopType](cache, shopTypeCachePrefix, 0),
		blogs:         db,
		likes:         like.New(store, db),
		geo:           store,
		admission:     admission,
		orders:        seckill.NewSyncOrderer(ids, store, db, vouchers),
		signins:       signin.New(store),
		health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return db.Ping(ctx)
		},
	})

	// the consumer outlives the request context so queued orders drain after
	// the HTTP server stops admitting
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := StartConsumer(consumerCtx, cfg, queue, db, store)

	// Обеспечивает корректное завершение работы приложения при получении системных сигналов:
	// сначала HTTP (новых заказов нет), затем потребитель дочитывает очередь
	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	stopConsumer()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("order consumer did not stop in time")
	}
	if err := cache.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("cache rebuilds still running at shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown failed")
	}
	return nil
}

func buildShopStrategy(cfg *Config, cache *cacheclient.Client) (cacheclient.Strategy[Shop], *cacheclient.LogicalExpire[Shop]) {
	switch cfg.ShopStrategy {
	case strategyPassThrough:
		return cacheclient.NewPassThrough[Shop](cache, shopCachePrefix, cfg.ShopCacheTTL), nil
	case strategyMutex:
		return cacheclient.NewMutex[Shop](cache, shopCachePrefix, cfg.ShopCacheTTL), nil
	default:
		le := cacheclient.NewLogicalExpire[Shop](cache, shopCachePrefix, cfg.ShopCacheTTL)
		return le, le
	}
}

// warmUp writes the hottest shops to the cache and indexes every shop by
// location. Failures are logged; the service still starts.
func warmUp(ctx context.Context, cfg *Config, db *DB, store *kv.Client, cache *cacheclient.Client, logical *cacheclient.LogicalExpire[Shop]) {
	hot, err := db.ListHotShops(ctx, cfg.StartupLoad)
	if err != nil {
		log.Error().Err(err).Msg("failed to load hot shops")
	} else {
		loaded := 0
		for _, s := range hot {
			id := strconv.FormatInt(s.ID, 10)
			if logical != nil {
				err = logical.Put(ctx, id, s)
			} else {
				err = cache.Set(ctx, shopCachePrefix+id, s, cfg.ShopCacheTTL)
			}
			if err != nil {
				log.Error().Err(err).Int64("shop_id", s.ID).Msg("failed to warm shop cache")
				continue
			}
			loaded++
		}
		log.Info().Int("loaded", loaded).Msg("shop cache warmup")
	}

	all, err := db.ListAllShops(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load shops for the geo index")
		return
	}
	byType := make(map[int64][]kv.GeoPoint)
	for _, s := range all {
		byType[s.TypeID] = append(byType[s.TypeID], kv.GeoPoint{
			Member:    strconv.FormatInt(s.ID, 10),
			Longitude: s.X,
			Latitude:  s.Y,
		})
	}
	for typeID, points := range byType {
		if _, err := store.GeoAdd(ctx, shopGeoPrefix+strconv.FormatInt(typeID, 10), points...); err != nil {
			log.Error().Err(err).Int64("type_id", typeID).Msg("failed to index shops")
		}
	}
	log.Info().Int("shops", len(all)).Int("types", len(byType)).Msg("geo index warmup")
}

// отменяет контекст по SIGINT/SIGTERM
func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
