package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-order-core/internal/domain/promotion"
)

const (
	listPromotionsSQL = `SELECT id, name, enabled, coupon_code, conditions, actions, priority_score,
			starts_at, ends_at, per_customer_usage_limit, usage_limit, created_at
		FROM promotions
		WHERE deleted_at IS NULL
		ORDER BY priority_score, created_at`

	countUsageSQL = `SELECT
			COUNT(*) FILTER (WHERE customer_id = $2 AND $2 <> ''),
			COUNT(*)
		FROM promotion_usages WHERE promotion_id = $1`

	recordUsageSQL = `INSERT INTO promotion_usages (promotion_id, order_id, customer_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (promotion_id, order_id) DO NOTHING`

	upsertPromotionSQL = `INSERT INTO promotions (id, name, enabled, coupon_code, conditions, actions, priority_score,
			starts_at, ends_at, per_customer_usage_limit, usage_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			coupon_code = EXCLUDED.coupon_code,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			priority_score = EXCLUDED.priority_score,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			per_customer_usage_limit = EXCLUDED.per_customer_usage_limit,
			usage_limit = EXCLUDED.usage_limit,
			deleted_at = NULL`

	deletePromotionSQL = `UPDATE promotions SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`
)

var (
	_ promotion.Source        = (*PromotionRepository)(nil)
	_ promotion.UsageCounter  = (*PromotionRepository)(nil)
	_ promotion.UsageRecorder = (*PromotionRepository)(nil)
)

// PromotionRepository stores promotions and their usage records.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given
// pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// ListPromotions returns all promotions that are not soft-deleted, disabled
// ones included.
func (r *PromotionRepository) ListPromotions(ctx context.Context) ([]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, listPromotionsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	promotions, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	return promotions, nil
}

// CountUsage returns how many placed orders used the promotion, overall and
// for customerID. Guests have no per-customer count.
func (r *PromotionRepository) CountUsage(ctx context.Context, promotionID, customerID string) (perCustomer, total int, err error) {
	if err := r.pool.QueryRow(ctx, countUsageSQL, promotionID, customerID).Scan(&perCustomer, &total); err != nil {
		return 0, 0, errors.Wrapf(err, "count usage of %q", promotionID)
	}
	return perCustomer, total, nil
}

// RecordUsage records that orderID used the promotion. Recording the same
// order twice is a no-op.
func (r *PromotionRepository) RecordUsage(ctx context.Context, promotionID, orderID, customerID string) error {
	if _, err := r.pool.Exec(ctx, recordUsageSQL, promotionID, orderID, customerID); err != nil {
		return errors.Wrapf(err, "record usage of %q", promotionID)
	}
	return nil
}

// UpsertPromotions inserts or replaces promotions in one batch. Upserting a
// soft-deleted promotion restores it.
func (r *PromotionRepository) UpsertPromotions(ctx context.Context, promotions []promotion.Promotion) error {
	batch := &pgx.Batch{}
	for _, p := range promotions {
		conditions, err := json.Marshal(operationsOrEmpty(p.Conditions))
		if err != nil {
			return errors.Wrapf(err, "marshal conditions of %q", p.ID)
		}
		actions, err := json.Marshal(operationsOrEmpty(p.Actions))
		if err != nil {
			return errors.Wrapf(err, "marshal actions of %q", p.ID)
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		batch.Queue(upsertPromotionSQL,
			p.ID, p.Name, p.Enabled, p.CouponCode, conditions, actions, p.PriorityScore,
			p.StartsAt, p.EndsAt, p.PerCustomerUsageLimit, p.UsageLimit, createdAt,
		)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert promotions")
	}
	return nil
}

// DeletePromotion soft-deletes a promotion. Its usage records are kept.
func (r *PromotionRepository) DeletePromotion(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, deletePromotionSQL, id); err != nil {
		return errors.Wrapf(err, "delete promotion %q", id)
	}
	return nil
}

func operationsOrEmpty(ops []promotion.Operation) []promotion.Operation {
	if ops == nil {
		return []promotion.Operation{}
	}
	return ops
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p                   promotion.Promotion
		conditions, actions []byte
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Enabled, &p.CouponCode, &conditions, &actions, &p.PriorityScore,
		&p.StartsAt, &p.EndsAt, &p.PerCustomerUsageLimit, &p.UsageLimit, &p.CreatedAt,
	); err != nil {
		return p, err
	}
	if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
		return p, errors.Wrapf(err, "unmarshal conditions of %q", p.ID)
	}
	if err := json.Unmarshal(actions, &p.Actions); err != nil {
		return p, errors.Wrapf(err, "unmarshal actions of %q", p.ID)
	}
	return p, nil
}
