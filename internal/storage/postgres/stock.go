package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/order"
)

const (
	saleableSQL = `SELECT on_hand - allocated FROM stock_levels WHERE variant_id = $1`

	lockStockSQL = `SELECT on_hand - allocated FROM stock_levels WHERE variant_id = $1 FOR UPDATE`

	allocateStockSQL = `UPDATE stock_levels SET allocated = allocated + $2 WHERE variant_id = $1`

	insertAllocationSQL = `INSERT INTO stock_allocations (order_id, variant_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (order_id, variant_id) DO UPDATE SET quantity = stock_allocations.quantity + EXCLUDED.quantity`

	releaseAllocationsSQL = `DELETE FROM stock_allocations WHERE order_id = $1 RETURNING variant_id, quantity`

	releaseStockSQL = `UPDATE stock_levels SET allocated = GREATEST(allocated - $2, 0) WHERE variant_id = $1`

	upsertStockSQL = `INSERT INTO stock_levels (variant_id, on_hand) VALUES ($1, $2)
		ON CONFLICT (variant_id) DO UPDATE SET on_hand = EXCLUDED.on_hand`
)

// ErrInsufficientStock is returned when an allocation exceeds the saleable
// stock of a variant.
var ErrInsufficientStock = errors.New("insufficient stock")

var (
	_ order.Inventory      = (*StockRepository)(nil)
	_ order.StockAllocator = (*StockRepository)(nil)
)

// StockRepository tracks stock levels and per-order allocations. Variants
// without a stock level are untracked and always available.
type StockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository returns a StockRepository that uses the given pool.
func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{pool: pool}
}

// CheckAvailability reports whether quantity units of the variant are
// saleable.
func (r *StockRepository) CheckAvailability(ctx context.Context, variantID string, quantity int) (bool, error) {
	var saleable int
	err := r.pool.QueryRow(ctx, saleableSQL, variantID).Scan(&saleable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, errors.Wrapf(err, "check stock of %q", variantID)
	}
	return saleable >= quantity, nil
}

// Allocate reserves stock for the order's lines. Any earlier allocation of
// the order is released first, so repeated calls do not double count.
func (r *StockRepository) Allocate(ctx context.Context, orderID string, lines []order.StockLine) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := release(ctx, tx, orderID); err != nil {
			return err
		}
		for _, l := range lines {
			if l.Quantity <= 0 {
				continue
			}
			var saleable int
			err := tx.QueryRow(ctx, lockStockSQL, l.VariantID).Scan(&saleable)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "lock stock of %q", l.VariantID)
			}
			if saleable < l.Quantity {
				return errors.Wrapf(ErrInsufficientStock, "variant %q: %d requested, %d saleable", l.VariantID, l.Quantity, saleable)
			}
			if _, err := tx.Exec(ctx, allocateStockSQL, l.VariantID, l.Quantity); err != nil {
				return errors.Wrapf(err, "allocate %q", l.VariantID)
			}
			if _, err := tx.Exec(ctx, insertAllocationSQL, orderID, l.VariantID, l.Quantity); err != nil {
				return errors.Wrapf(err, "record allocation of %q", l.VariantID)
			}
		}
		return nil
	})
}

// Release returns every unit allocated to the order.
func (r *StockRepository) Release(ctx context.Context, orderID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return release(ctx, tx, orderID)
	})
}

func release(ctx context.Context, tx pgx.Tx, orderID string) error {
	rows, err := tx.Query(ctx, releaseAllocationsSQL, orderID)
	if err != nil {
		return errors.Wrapf(err, "release order %q", orderID)
	}
	released, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.StockLine, error) {
		var l order.StockLine
		err := row.Scan(&l.VariantID, &l.Quantity)
		return l, err
	})
	if err != nil {
		return errors.Wrapf(err, "release order %q", orderID)
	}
	for _, l := range released {
		if _, err := tx.Exec(ctx, releaseStockSQL, l.VariantID, l.Quantity); err != nil {
			return errors.Wrapf(err, "release %q", l.VariantID)
		}
	}
	return nil
}

// SetStockLevel sets the on-hand quantity of a variant, making it tracked.
func (r *StockRepository) SetStockLevel(ctx context.Context, variantID string, onHand int) error {
	if _, err := r.pool.Exec(ctx, upsertStockSQL, variantID, onHand); err != nil {
		return errors.Wrapf(err, "set stock of %q", variantID)
	}
	return nil
}
