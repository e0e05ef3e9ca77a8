package app

import (
	"context"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-order-core/internal/domain/order"
)

// ActiveLister lists the ids of open orders. *postgres.OrderRepository
// implements it.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]string, error)
}

// OrderRepricer recalculates one order. *order.Service implements it.
type OrderRepricer interface {
	Reprice(ctx context.Context, orderID string) (*order.Order, error)
}

// Repricer recalculates every open order after tax or promotion changes.
// Triggers arriving during a pass collapse into one follow-up pass.
type Repricer struct {
	orders      ActiveLister
	svc         OrderRepricer
	lg          *zap.Logger
	concurrency int
	kick        chan struct{}
}

// NewRepricer creates a Repricer running up to concurrency orders at once.
func NewRepricer(orders ActiveLister, svc OrderRepricer, lg *zap.Logger, concurrency int) *Repricer {
	return &Repricer{
		orders:      orders,
		svc:         svc,
		lg:          lg,
		concurrency: max(concurrency, 1),
		kick:        make(chan struct{}, 1),
	}
}

// Trigger schedules a pass. It never blocks.
func (r *Repricer) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run performs a pass per trigger until ctx is done.
func (r *Repricer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
		}
		repriced, err := r.RepriceAll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.lg.Error("Reprice pass failed", zap.Error(err))
			continue
		}
		r.lg.Info("Reprice pass done", zap.Int("orders", repriced))
	}
}

// RepriceAll reprices every open order and returns how many succeeded. An
// order that fails is logged and skipped; only listing errors abort the pass.
func (r *Repricer) RepriceAll(ctx context.Context) (int, error) {
	ids, err := r.orders.ListActive(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active orders")
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.svc.Reprice(gctx, id)
			switch {
			case err == nil:
				done.Add(1)
			case errors.Is(err, order.ErrNotFound):
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				r.lg.Warn("Reprice order", zap.String("order_id", id), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}
