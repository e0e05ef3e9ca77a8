// Package app wires the order core: storage, caches, pricing, the order
// service, cache synchronisation and the health endpoints.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-order-core/internal/domain/order"
	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/domain/shipping"
	"github.com/xenking/kart-order-core/internal/domain/tax"
	"github.com/xenking/kart-order-core/internal/lock"
	"github.com/xenking/kart-order-core/internal/storage/postgres"
	"github.com/xenking/kart-order-core/pkg/health"
)

// Core is the wired order core.
type Core struct {
	Orders     *order.Service
	Taxes      *tax.Cache
	Promotions *promotion.Cache

	orderRepo *postgres.OrderRepository
}

// NewCore builds every domain component on top of pool. The caches are
// empty until Refresh.
func NewCore(pool *pgxpool.Pool, locker order.Locker, m *app.Telemetry, cfg *Config) (*Core, error) {
	orderRepo := postgres.NewOrderRepository(pool)
	promotionRepo := postgres.NewPromotionRepository(pool)
	stock := postgres.NewStockRepository(pool)

	taxes := tax.NewCache(postgres.NewTaxRepository(pool))
	promotions := promotion.NewCache(promotionRepo)
	engine := promotion.NewEngine(promotions, promotion.DefaultRegistry(), promotionRepo)

	calc := order.NewCalculator(
		tax.NewCalculator(taxes, tax.Channel{
			PricesIncludeTax: cfg.Pricing.PricesIncludeTax,
			DefaultTaxZoneID: cfg.Pricing.DefaultTaxZoneID,
		}),
		engine,
		shipping.NewProvider(postgres.NewShippingRepository(pool)),
	)
	machine := order.NewStateMachine(order.StateMachineConfig{
		Inventory:        stock,
		Allocator:        stock,
		InventoryTimeout: cfg.Inventory.Timeout,
		RequireShipping:  cfg.Pricing.RequireShipping,
	})

	deps := order.ServiceDeps{
		Orders:     orderRepo,
		Variants:   postgres.NewVariantRepository(pool),
		Calculator: calc,
		Machine:    machine,
		Modifier:   order.NewModifier(calc, engine),
		Merger:     order.NewMerger(stock, cfg.Inventory.Timeout),
		Coupons:    engine,
		Usage:      promotionRepo,
		Locker:     locker,
	}
	if m != nil {
		deps.TracerProvider = m.TracerProvider()
		deps.MeterProvider = m.MeterProvider()
	}
	svc, err := order.NewService(deps)
	if err != nil {
		return nil, errors.Wrap(err, "order service")
	}

	return &Core{
		Orders:     svc,
		Taxes:      taxes,
		Promotions: promotions,
		orderRepo:  orderRepo,
	}, nil
}

// Refresh rebuilds both caches.
func (c *Core) Refresh(ctx context.Context) error {
	if err := c.Taxes.Invalidate(ctx); err != nil {
		return errors.Wrap(err, "tax cache")
	}
	if err := c.Promotions.Invalidate(ctx); err != nil {
		return errors.Wrap(err, "promotion cache")
	}
	return nil
}

// Run creates all dependencies, keeps the caches in sync, reprices open
// orders after catalog changes and serves health endpoints until ctx is
// done.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	monitor := health.NewMonitor(lg.Named("health"))
	monitor.Register(health.Readiness, "postgres", health.Ping(pool))
	monitor.Register(health.Liveness, "goroutines", health.GoroutineLimit(10000), health.WithTimeout(time.Second))

	var locker order.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedis(rdb, lock.RedisConfig{Prefix: "order-core:lock:", TTL: cfg.Redis.LockTTL})
		monitor.Register(health.Readiness, "redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	core, err := NewCore(pool, locker, m, cfg)
	if err != nil {
		return err
	}
	if err := core.Refresh(ctx); err != nil {
		return errors.Wrap(err, "initial cache load")
	}
	monitor.Register(health.Readiness, "tax-cache", health.Freshness(func() time.Time { return core.Taxes.Get().BuiltAt() }, cfg.Cache.MaxAge))
	monitor.Register(health.Readiness, "promotion-cache", health.Freshness(func() time.Time { return core.Promotions.Get().BuiltAt() }, cfg.Cache.MaxAge))

	repricer := NewRepricer(core.orderRepo, core.Orders, lg.Named("reprice"), cfg.Reprice.Concurrency)

	listener := postgres.NewListener(pool, lg.Named("cache"))
	listener.Handle(postgres.TopicTax, func(ctx context.Context) {
		if err := core.Taxes.Invalidate(ctx); err != nil {
			lg.Error("Rebuild tax cache", zap.Error(err))
			return
		}
		repricer.Trigger()
	})
	listener.Handle(postgres.TopicPromotions, func(ctx context.Context) {
		if err := core.Promotions.Invalidate(ctx); err != nil {
			lg.Error("Rebuild promotion cache", zap.Error(err))
			return
		}
		repricer.Trigger()
	})

	mux := http.NewServeMux()
	mux.Handle("/livez", monitor.Handler(health.Liveness))
	mux.Handle("/readyz", monitor.Handler(health.Readiness))
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx, 10*time.Second) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return repricer.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Cache.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := core.Refresh(gctx); err != nil {
					lg.Warn("Periodic cache refresh", zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		monitor.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	monitor.SetReady(true)
	return g.Wait()
}
