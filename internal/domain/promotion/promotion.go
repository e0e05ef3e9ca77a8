// Package promotion evaluates promotions against an order and computes the
// discounts they grant.
//
// A promotion is a list of conditions gating applicability and a list of
// actions computing discounts. Conditions and actions are looked up by code in
// a Registry; promotions only carry the code and its arguments.
package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operation is a configured condition or action: a registry code plus its
// arguments.
type Operation struct {
	Code string `json:"code"`
	Args Args   `json:"args"`
}

// Promotion grants discounts when all its conditions hold.
type Promotion struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	CouponCode string      `json:"couponCode,omitempty"`
	Conditions []Operation `json:"conditions"`
	Actions    []Operation `json:"actions"`
	// PriorityScore orders evaluation; lower runs first.
	PriorityScore         int        `json:"priorityScore"`
	StartsAt              *time.Time `json:"startsAt,omitempty"`
	EndsAt                *time.Time `json:"endsAt,omitempty"`
	PerCustomerUsageLimit int        `json:"perCustomerUsageLimit"`
	UsageLimit            int        `json:"usageLimit"`
	CreatedAt             time.Time  `json:"createdAt"`
}

// ActiveAt reports whether now falls inside the promotion's time window.
func (p Promotion) ActiveAt(now time.Time) bool {
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return false
	}
	return true
}

// NormalizeCode canonicalises a coupon code for comparison.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Cart is the read-only view of an order that conditions and actions see.
type Cart struct {
	CustomerID       string
	CustomerGroupIDs []string
	CouponCodes      []string
	Lines            []CartLine
	Shipping         []CartShipping
}

// CartLine is one order line as seen by promotions. Prices are net,
// pre-discount and unrounded.
type CartLine struct {
	ID               string
	VariantID        string
	FacetValueIDs    []string
	Quantity         int
	UnitPrice        decimal.Decimal
	UnitPriceWithTax decimal.Decimal
}

// LinePrice returns UnitPrice * Quantity.
func (l CartLine) LinePrice() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LinePriceWithTax returns UnitPriceWithTax * Quantity.
func (l CartLine) LinePriceWithTax() decimal.Decimal {
	return l.UnitPriceWithTax.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartShipping is one shipping line as seen by promotions.
type CartShipping struct {
	MethodID string
	Price    decimal.Decimal
}

// SubTotal returns the pre-discount net total of all lines.
func (c *Cart) SubTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.LinePrice())
	}
	return sum
}

// SubTotalWithTax returns the pre-discount gross total of all lines.
func (c *Cart) SubTotalWithTax() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.LinePriceWithTax())
	}
	return sum
}

// TotalQuantity returns the number of units in the cart.
func (c *Cart) TotalQuantity() int {
	total := 0
	for _, l := range c.Lines {
		total += l.Quantity
	}
	return total
}

// HasCouponCode reports whether code has been applied to the cart.
func (c *Cart) HasCouponCode(code string) bool {
	want := NormalizeCode(code)
	for _, cc := range c.CouponCodes {
		if NormalizeCode(cc) == want {
			return true
		}
	}
	return false
}

// LineAdjustment is a discount on one line. Amount is net for the whole line.
// Units is the number of units the discount targets; 0 spreads it over every
// unit of the line.
type LineAdjustment struct {
	PromotionID string
	Description string
	LineID      string
	Amount      decimal.Decimal
	Units       int
}

// OrderAdjustment is an order-wide discount, net.
type OrderAdjustment struct {
	PromotionID string
	Description string
	Amount      decimal.Decimal
}

// ShippingAdjustment is a discount on one shipping line, net.
type ShippingAdjustment struct {
	PromotionID string
	Description string
	Index       int
	Amount      decimal.Decimal
}

// Adjustments is everything Apply produced, in application order.
type Adjustments struct {
	Lines    []LineAdjustment
	Order    []OrderAdjustment
	Shipping []ShippingAdjustment
}

// PromotionIDs returns the distinct ids of promotions that produced a
// non-zero adjustment, in first-seen order.
func (a Adjustments) PromotionIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, l := range a.Lines {
		add(l.PromotionID)
	}
	for _, o := range a.Order {
		add(o.PromotionID)
	}
	for _, s := range a.Shipping {
		add(s.PromotionID)
	}
	return ids
}

// Source loads all non-deleted promotions.
type Source interface {
	ListPromotions(ctx context.Context) ([]Promotion, error)
}

// UsageCounter reports how often a promotion has been used.
type UsageCounter interface {
	CountUsage(ctx context.Context, promotionID, customerID string) (perCustomer, total int, err error)
}

// UsageRecorder records a promotion use when an order is placed.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, promotionID, orderID, customerID string) error
}
