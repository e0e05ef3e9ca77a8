package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/domain/money"
)

// ActionContext tracks what is left to discount while actions run, so that
// no action can push a line, the order or a shipping line below zero.
type ActionContext struct {
	Cart *Cart

	lines         map[string]decimal.Decimal
	orderDiscount decimal.Decimal
	shipping      []decimal.Decimal
}

func newActionContext(cart *Cart) *ActionContext {
	ac := &ActionContext{
		Cart:          cart,
		lines:         make(map[string]decimal.Decimal, len(cart.Lines)),
		orderDiscount: decimal.Zero,
		shipping:      make([]decimal.Decimal, len(cart.Shipping)),
	}
	for _, l := range cart.Lines {
		ac.lines[l.ID] = money.FloorAtZero(l.LinePrice())
	}
	for i, s := range cart.Shipping {
		ac.shipping[i] = money.FloorAtZero(s.Price)
	}
	return ac
}

// LineRemaining returns the line price left after the line discounts applied
// so far.
func (ac *ActionContext) LineRemaining(lineID string) decimal.Decimal {
	return ac.lines[lineID]
}

// DiscountedSubTotal returns the sum of remaining line prices minus the order
// discounts applied so far.
func (ac *ActionContext) DiscountedSubTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range ac.Cart.Lines {
		sum = sum.Add(ac.lines[l.ID])
	}
	return money.FloorAtZero(sum.Sub(ac.orderDiscount))
}

// ShippingRemaining returns what is left of shipping line i.
func (ac *ActionContext) ShippingRemaining(i int) decimal.Decimal {
	if i < 0 || i >= len(ac.shipping) {
		return decimal.Zero
	}
	return ac.shipping[i]
}

// lowestPricedLine returns the id of the line with the cheapest unit, first
// in cart order on ties.
func (ac *ActionContext) lowestPricedLine() (string, bool) {
	var (
		id    string
		price decimal.Decimal
		found bool
	)
	for _, l := range ac.Cart.Lines {
		if l.Quantity <= 0 {
			continue
		}
		if !found || l.UnitPrice.LessThan(price) {
			id, price, found = l.ID, l.UnitPrice, true
		}
	}
	return id, found
}

func clamp(amount, limit decimal.Decimal) decimal.Decimal {
	amount = money.FloorAtZero(amount)
	if amount.GreaterThan(limit) {
		return limit
	}
	return amount
}

// Engine selects applicable promotions and computes their discounts.
type Engine struct {
	cache    *Cache
	registry *Registry
	usage    UsageCounter
	now      func() time.Time
}

// NewEngine creates an Engine. usage may be nil, disabling usage limits.
func NewEngine(cache *Cache, registry *Registry, usage UsageCounter) *Engine {
	return &Engine{cache: cache, registry: registry, usage: usage, now: time.Now}
}

// Registry returns the operation registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Snapshot returns the current promotions snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.cache.Get()
}

// EligiblePromotions returns the promotions that apply to cart, in
// evaluation order. Promotions referencing unknown conditions are skipped.
func (e *Engine) EligiblePromotions(ctx context.Context, cart *Cart) ([]Promotion, error) {
	lg := zctx.From(ctx)
	now := e.now()

	var eligible []Promotion
	for _, p := range e.cache.Get().Promotions() {
		if !p.Enabled || !p.ActiveAt(now) {
			continue
		}
		if p.CouponCode != "" && !cart.HasCouponCode(p.CouponCode) {
			continue
		}
		ok, err := e.checkConditions(cart, p)
		if err != nil {
			lg.Warn("Skipping misconfigured promotion",
				zap.String("promotion_id", p.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

func (e *Engine) checkConditions(cart *Cart, p Promotion) (bool, error) {
	for _, op := range p.Conditions {
		def, ok := e.registry.Condition(op.Code)
		if !ok {
			return false, errors.Wrapf(ErrUnknownOperation, "condition %q", op.Code)
		}
		pass, err := def.Check(cart, op.Args)
		if err != nil {
			return false, errors.Wrapf(err, "condition %q", op.Code)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// ValidateCouponCode checks that code belongs to an enabled promotion inside
// its time window whose usage limits are not exhausted for customerID.
func (e *Engine) ValidateCouponCode(ctx context.Context, code, customerID string) (Promotion, error) {
	lg := zctx.From(ctx)

	p, ok := e.cache.Get().ByCode(code)
	if !ok || !p.Enabled {
		lg.Debug("Coupon code rejected", zap.String("code", code), zap.String("reason", "invalid"))
		return Promotion{}, &CouponCodeInvalidError{Code: code}
	}
	if !p.ActiveAt(e.now()) {
		lg.Debug("Coupon code rejected", zap.String("code", code), zap.String("reason", "expired"))
		return Promotion{}, &CouponCodeExpiredError{Code: code}
	}

	checkCustomer := customerID != "" && p.PerCustomerUsageLimit > 0
	if e.usage == nil || (!checkCustomer && p.UsageLimit <= 0) {
		return p, nil
	}
	perCustomer, total, err := e.usage.CountUsage(ctx, p.ID, customerID)
	if err != nil {
		return Promotion{}, errors.Wrap(err, "count promotion usage")
	}
	if checkCustomer && perCustomer >= p.PerCustomerUsageLimit {
		lg.Debug("Coupon code rejected", zap.String("code", code), zap.String("reason", "customer limit"))
		return Promotion{}, &CouponCodeLimitError{Code: code, Limit: p.PerCustomerUsageLimit}
	}
	if p.UsageLimit > 0 && total >= p.UsageLimit {
		lg.Debug("Coupon code rejected", zap.String("code", code), zap.String("reason", "usage limit"))
		return Promotion{}, &CouponCodeLimitError{Code: code, Limit: p.UsageLimit}
	}
	return p, nil
}

// Apply runs the actions of promotions against cart. Line actions run first,
// then order actions against the discounted subtotal, then shipping actions.
// Within each phase promotions run in priority order.
func (e *Engine) Apply(ctx context.Context, cart *Cart, promotions []Promotion) (Adjustments, error) {
	ordered := make([]Promotion, len(promotions))
	copy(ordered, promotions)
	SortByPriority(ordered)

	type step struct {
		promotion Promotion
		op        Operation
		def       ActionDef
	}
	var steps []step
	for _, p := range ordered {
		for _, op := range p.Actions {
			def, ok := e.registry.Action(op.Code)
			if !ok {
				return Adjustments{}, errors.Wrapf(ErrUnknownOperation, "promotion %s: action %q", p.ID, op.Code)
			}
			steps = append(steps, step{promotion: p, op: op, def: def})
		}
	}

	ac := newActionContext(cart)
	var out Adjustments

	for _, s := range steps {
		if s.def.Target != TargetLine || s.def.ExecuteLine == nil {
			continue
		}
		for _, line := range cart.Lines {
			if line.Quantity <= 0 {
				continue
			}
			raw, units, err := s.def.ExecuteLine(ac, line, s.op.Args)
			if err != nil {
				return Adjustments{}, errors.Wrapf(err, "promotion %s: action %q", s.promotion.ID, s.op.Code)
			}
			amount := clamp(raw, ac.lines[line.ID])
			if amount.IsZero() {
				continue
			}
			ac.lines[line.ID] = ac.lines[line.ID].Sub(amount)
			out.Lines = append(out.Lines, LineAdjustment{
				PromotionID: s.promotion.ID,
				Description: s.promotion.Name,
				LineID:      line.ID,
				Amount:      amount,
				Units:       min(max(units, 0), line.Quantity),
			})
		}
	}

	for _, s := range steps {
		if s.def.Target != TargetOrder || s.def.ExecuteOrder == nil {
			continue
		}
		raw, err := s.def.ExecuteOrder(ac, s.op.Args)
		if err != nil {
			return Adjustments{}, errors.Wrapf(err, "promotion %s: action %q", s.promotion.ID, s.op.Code)
		}
		amount := clamp(raw, ac.DiscountedSubTotal())
		if !amount.Equal(money.FloorAtZero(raw)) {
			zctx.From(ctx).Debug("Order discount clamped",
				zap.String("promotion_id", s.promotion.ID),
				zap.String("requested", raw.String()),
				zap.String("applied", amount.String()),
			)
		}
		if amount.IsZero() {
			continue
		}
		ac.orderDiscount = ac.orderDiscount.Add(amount)
		out.Order = append(out.Order, OrderAdjustment{
			PromotionID: s.promotion.ID,
			Description: s.promotion.Name,
			Amount:      amount,
		})
	}

	for _, s := range steps {
		if s.def.Target != TargetShipping || s.def.ExecuteShipping == nil {
			continue
		}
		for i, sh := range cart.Shipping {
			raw, err := s.def.ExecuteShipping(ac, sh, s.op.Args)
			if err != nil {
				return Adjustments{}, errors.Wrapf(err, "promotion %s: action %q", s.promotion.ID, s.op.Code)
			}
			amount := clamp(raw, ac.shipping[i])
			if amount.IsZero() {
				continue
			}
			ac.shipping[i] = ac.shipping[i].Sub(amount)
			out.Shipping = append(out.Shipping, ShippingAdjustment{
				PromotionID: s.promotion.ID,
				Description: s.promotion.Name,
				Index:       i,
				Amount:      amount,
			})
		}
	}

	return out, nil
}
