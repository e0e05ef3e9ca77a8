package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, code, state, active, customer_id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`

	loadOrderSQL = `SELECT data, version FROM orders WHERE id = $1`

	updateOrderSQL = `UPDATE orders
		SET code = $2, state = $3, active = $4, customer_id = $5, data = $6, version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`

	activeByCustomerSQL = `SELECT data, version FROM orders
		WHERE customer_id = $1 AND active
		ORDER BY updated_at DESC
		LIMIT 1`

	listActiveSQL = `SELECT id FROM orders WHERE active AND state = $1 ORDER BY updated_at`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository stores orders as JSONB documents with a few indexed
// columns and an optimistic version counter.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts o with version 0.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	o.Version = 0
	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrapf(err, "marshal order %q", o.ID)
	}

	if _, err := r.pool.Exec(ctx, insertOrderSQL,
		o.ID, o.Code, string(o.State), o.Active, o.CustomerID, data, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return errors.Wrapf(err, "insert order %q", o.ID)
	}
	return nil
}

// Load returns order.ErrNotFound when no row has the id.
func (r *OrderRepository) Load(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, loadOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "load order %q", id)
	}
	return o, nil
}

// Save writes o when the stored version still equals o.Version.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	next := *o
	next.Version = o.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return errors.Wrapf(err, "marshal order %q", o.ID)
	}

	tag, err := r.pool.Exec(ctx, updateOrderSQL,
		o.ID, o.Code, string(o.State), o.Active, o.CustomerID, data, o.UpdatedAt, o.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "save order %q", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, o.ID)
	}

	o.Version = next.Version
	return nil
}

func (r *OrderRepository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrVersionConflict
}

// Delete removes the order. Deleting a missing order is not an error.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, deleteOrderSQL, id); err != nil {
		return errors.Wrapf(err, "delete order %q", id)
	}
	return nil
}

// FindActiveByCustomer returns the customer's most recently updated active
// order.
func (r *OrderRepository) FindActiveByCustomer(ctx context.Context, customerID string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, activeByCustomerSQL, customerID)
	if err != nil {
		return nil, errors.Wrapf(err, "find active order of %q", customerID)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find active order of %q", customerID)
	}
	return o, nil
}

// ListActive returns the ids of active orders still in AddingItems, least
// recently updated first.
func (r *OrderRepository) ListActive(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listActiveSQL, string(order.AddingItems))
	if err != nil {
		return nil, errors.Wrap(err, "list active orders")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "list active orders")
	}
	return ids, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrap(err, "unmarshal order")
	}
	o.Version = version
	return &o, nil
}

