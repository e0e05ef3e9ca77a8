// Package order implements the order lifecycle: pricing, the state machine,
// post-placement modification and guest order merging.
//
// All money amounts are int64 minor units. Discount amounts are stored as
// positive reductions.
package order

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/domain/tax"
)

// Order is the aggregate root. Fields marked derived are written only by
// the Calculator.
type Order struct {
	ID               string   `json:"id"`
	Code             string   `json:"code"`
	State            State    `json:"state"`
	Active           bool     `json:"active"`
	CurrencyCode     string   `json:"currencyCode"`
	CustomerID       string   `json:"customerId,omitempty"`
	CustomerGroupIDs []string `json:"customerGroupIds,omitempty"`
	CouponCodes      []string `json:"couponCodes"`

	Lines         []Line         `json:"lines"`
	Surcharges    []Surcharge    `json:"surcharges"`
	ShippingLines []ShippingLine `json:"shippingLines"`

	ShippingAddress *Address `json:"shippingAddress,omitempty"`
	BillingAddress  *Address `json:"billingAddress,omitempty"`

	Payments      []Payment      `json:"payments"`
	Refunds       []Refund       `json:"refunds"`
	Fulfillments  []Fulfillment  `json:"fulfillments"`
	Modifications []Modification `json:"modifications"`
	History       []StateChange  `json:"history"`

	PreModifyingState State `json:"preModifyingState,omitempty"`
	FreezePromotions  bool  `json:"freezePromotions"`
	StockAllocated    bool  `json:"stockAllocated"`

	// Derived.
	TaxZoneID       string             `json:"taxZoneId"`
	Promotions      []AppliedPromotion `json:"promotions"`
	SubTotal        int64              `json:"subTotal"`
	SubTotalWithTax int64              `json:"subTotalWithTax"`
	Shipping        int64              `json:"shipping"`
	ShippingWithTax int64              `json:"shippingWithTax"`
	Total           int64              `json:"total"`
	TotalWithTax    int64              `json:"totalWithTax"`
	TotalQuantity   int                `json:"totalQuantity"`
	TaxSummary      []TaxSummaryEntry  `json:"taxSummary"`
	// PricedAt is set by every successful recalculation and cleared by any
	// mutation of priced content.
	PricedAt *time.Time `json:"pricedAt,omitempty"`

	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	OrderPlacedAt *time.Time `json:"orderPlacedAt,omitempty"`
}

// Address is a postal address.
type Address struct {
	FullName    string `json:"fullName,omitempty"`
	Company     string `json:"company,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	CountryCode string `json:"countryCode"`
}

// VariantSnapshot is the catalog data a line was priced from.
type VariantSnapshot struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	SKU           string   `json:"sku,omitempty"`
	Price         int64    `json:"price"`
	TaxCategoryID string   `json:"taxCategoryId"`
	FacetValueIDs []string `json:"facetValueIds,omitempty"`
}

// Line is one product variant in the order.
type Line struct {
	ID       string           `json:"id"`
	Variant  *VariantSnapshot `json:"variant"`
	Quantity int              `json:"quantity"`
	Items    []Item           `json:"items"`

	// Derived.
	ListPrice                  int64      `json:"listPrice"`
	ListPriceIncludesTax       bool       `json:"listPriceIncludesTax"`
	UnitPrice                  int64      `json:"unitPrice"`
	UnitPriceWithTax           int64      `json:"unitPriceWithTax"`
	LinePrice                  int64      `json:"linePrice"`
	LinePriceWithTax           int64      `json:"linePriceWithTax"`
	DiscountedUnitPrice        int64      `json:"discountedUnitPrice"`
	DiscountedUnitPriceWithTax int64      `json:"discountedUnitPriceWithTax"`
	DiscountedLinePrice        int64      `json:"discountedLinePrice"`
	DiscountedLinePriceWithTax int64      `json:"discountedLinePriceWithTax"`
	ProratedUnitPrice          int64      `json:"proratedUnitPrice"`
	ProratedUnitPriceWithTax   int64      `json:"proratedUnitPriceWithTax"`
	ProratedLinePrice          int64      `json:"proratedLinePrice"`
	ProratedLinePriceWithTax   int64      `json:"proratedLinePriceWithTax"`
	LineTax                    int64      `json:"lineTax"`
	Discounts                  []Discount `json:"discounts"`
	TaxLines                   []tax.Line `json:"taxLines"`
}

// ActiveItems returns the number of items that are not cancelled.
func (l *Line) ActiveItems() int {
	n := 0
	for _, it := range l.Items {
		if !it.Cancelled {
			n++
		}
	}
	return n
}

// FulfilledItems counts active items assigned to a fulfillment.
func (l *Line) FulfilledItems() int {
	n := 0
	for _, it := range l.Items {
		if !it.Cancelled && it.FulfillmentID != "" {
			n++
		}
	}
	return n
}

// Item is one physical unit of a line.
type Item struct {
	ID            string       `json:"id"`
	Adjustments   []Adjustment `json:"adjustments,omitempty"`
	Cancelled     bool         `json:"cancelled"`
	RefundID      string       `json:"refundId,omitempty"`
	FulfillmentID string       `json:"fulfillmentId,omitempty"`
}

// Adjustment attributes part of a promotion discount to one item.
type Adjustment struct {
	SourceID    string `json:"sourceId"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// DiscountType tells where a discount came from.
type DiscountType string

const (
	DiscountLine     DiscountType = "line"
	DiscountItem     DiscountType = "item"
	DiscountOrder    DiscountType = "order"
	DiscountShipping DiscountType = "shipping"
	// DiscountFrozen is a line discount carried over from item adjustments
	// while promotions are frozen.
	DiscountFrozen DiscountType = "frozen"
)

// Discount is a reduction applied to a line or shipping line.
type Discount struct {
	SourceID      string       `json:"sourceId"`
	Description   string       `json:"description"`
	Type          DiscountType `json:"type"`
	Amount        int64        `json:"amount"`
	AmountWithTax int64        `json:"amountWithTax"`
}

// Surcharge is an ad-hoc charge, or a discount when Price is negative.
type Surcharge struct {
	ID               string `json:"id"`
	Description      string `json:"description"`
	SKU              string `json:"sku,omitempty"`
	Price            int64  `json:"price"`
	PriceIncludesTax bool   `json:"priceIncludesTax"`
	// TaxRate is a fixed percentage; nil means untaxed.
	TaxRate *decimal.Decimal `json:"taxRate,omitempty"`

	// Derived.
	NetPrice     int64      `json:"netPrice"`
	PriceWithTax int64      `json:"priceWithTax"`
	TaxLines     []tax.Line `json:"taxLines"`
}

// ShippingLine is one applied shipping method.
type ShippingLine struct {
	ShippingMethodID string `json:"shippingMethodId"`

	// Derived.
	ListPrice              int64      `json:"listPrice"`
	ListPriceIncludesTax   bool       `json:"listPriceIncludesTax"`
	Price                  int64      `json:"price"`
	PriceWithTax           int64      `json:"priceWithTax"`
	Discounts              []Discount `json:"discounts"`
	DiscountedPrice        int64      `json:"discountedPrice"`
	DiscountedPriceWithTax int64      `json:"discountedPriceWithTax"`
	TaxLines               []tax.Line `json:"taxLines"`
}

// AppliedPromotion records the effect of one promotion on the order.
type AppliedPromotion struct {
	PromotionID string       `json:"promotionId"`
	Description string       `json:"description"`
	CouponCode  string       `json:"couponCode,omitempty"`
	Type        DiscountType `json:"type"`
	Amount      int64        `json:"amount"`
}

// TaxSummaryEntry groups all taxed amounts of one rate.
type TaxSummaryEntry struct {
	Description string          `json:"description"`
	TaxRate     decimal.Decimal `json:"taxRate"`
	TaxBase     int64           `json:"taxBase"`
	TaxTotal    int64           `json:"taxTotal"`
}

// LineChange is the quantity change of one line in a modification.
type LineChange struct {
	LineID        string `json:"lineId"`
	VariantID     string `json:"variantId"`
	QuantityDelta int    `json:"quantityDelta"`
}

// Modification is an immutable record of one amendment of a placed order.
type Modification struct {
	ID             string       `json:"id"`
	Note           string       `json:"note,omitempty"`
	PriceChange    int64        `json:"priceChange"`
	LineChanges    []LineChange `json:"lineChanges,omitempty"`
	SurchargeIDs   []string     `json:"surchargeIds,omitempty"`
	RefundID       string       `json:"refundId,omitempty"`
	PaymentPending bool         `json:"paymentPending"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// StateChange is one entry of the transition history.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Line returns the line with id.
func (o *Order) Line(id string) (*Line, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// LineForVariant returns the first line holding variantID.
func (o *Order) LineForVariant(variantID string) (*Line, bool) {
	for i := range o.Lines {
		if v := o.Lines[i].Variant; v != nil && v.ID == variantID {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// HasCouponCode reports whether code was applied, ignoring case.
func (o *Order) HasCouponCode(code string) bool {
	return slices.ContainsFunc(o.CouponCodes, func(c string) bool {
		return promotion.NormalizeCode(c) == promotion.NormalizeCode(code)
	})
}

// Placed reports whether the order has entered a payment state.
func (o *Order) Placed() bool {
	return o.OrderPlacedAt != nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.CustomerGroupIDs = slices.Clone(o.CustomerGroupIDs)
	c.CouponCodes = slices.Clone(o.CouponCodes)

	c.Lines = make([]Line, len(o.Lines))
	for i, l := range o.Lines {
		c.Lines[i] = l.clone()
	}
	c.Surcharges = make([]Surcharge, len(o.Surcharges))
	for i, s := range o.Surcharges {
		s.TaxLines = slices.Clone(s.TaxLines)
		if s.TaxRate != nil {
			r := *s.TaxRate
			s.TaxRate = &r
		}
		c.Surcharges[i] = s
	}
	c.ShippingLines = make([]ShippingLine, len(o.ShippingLines))
	for i, s := range o.ShippingLines {
		s.Discounts = slices.Clone(s.Discounts)
		s.TaxLines = slices.Clone(s.TaxLines)
		c.ShippingLines[i] = s
	}

	c.ShippingAddress = cloneAddress(o.ShippingAddress)
	c.BillingAddress = cloneAddress(o.BillingAddress)

	c.Payments = slices.Clone(o.Payments)
	c.Refunds = slices.Clone(o.Refunds)
	c.Fulfillments = make([]Fulfillment, len(o.Fulfillments))
	for i, f := range o.Fulfillments {
		f.Lines = cloneMap(f.Lines)
		c.Fulfillments[i] = f
	}
	c.Modifications = make([]Modification, len(o.Modifications))
	for i, m := range o.Modifications {
		m.LineChanges = slices.Clone(m.LineChanges)
		m.SurchargeIDs = slices.Clone(m.SurchargeIDs)
		c.Modifications[i] = m
	}
	c.History = slices.Clone(o.History)
	c.Promotions = slices.Clone(o.Promotions)
	c.TaxSummary = slices.Clone(o.TaxSummary)
	c.PricedAt = cloneTime(o.PricedAt)
	c.OrderPlacedAt = cloneTime(o.OrderPlacedAt)
	return &c
}

func (l Line) clone() Line {
	if l.Variant != nil {
		v := *l.Variant
		v.FacetValueIDs = slices.Clone(v.FacetValueIDs)
		l.Variant = &v
	}
	items := make([]Item, len(l.Items))
	for i, it := range l.Items {
		it.Adjustments = slices.Clone(it.Adjustments)
		items[i] = it
	}
	l.Items = items
	l.Discounts = slices.Clone(l.Discounts)
	l.TaxLines = slices.Clone(l.TaxLines)
	return l
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Repository persists orders.
type Repository interface {
	// Create inserts a new order.
	Create(ctx context.Context, o *Order) error
	// Load returns ErrNotFound when the order does not exist.
	Load(ctx context.Context, id string) (*Order, error)
	// Save writes o if the stored version equals o.Version, else returns
	// ErrVersionConflict. On success o.Version is incremented.
	Save(ctx context.Context, o *Order) error
	Delete(ctx context.Context, id string) error
	// FindActiveByCustomer returns the customer's active order or ErrNotFound.
	FindActiveByCustomer(ctx context.Context, customerID string) (*Order, error)
	// ListActive returns the ids of active orders in AddingItems.
	ListActive(ctx context.Context) ([]string, error)
}

// Inventory answers stock availability questions.
type Inventory interface {
	CheckAvailability(ctx context.Context, variantID string, quantity int) (bool, error)
}

// StockLine is a quantity of one variant to allocate.
type StockLine struct {
	VariantID string
	Quantity  int
}

// StockAllocator reserves stock for placed orders.
type StockAllocator interface {
	Allocate(ctx context.Context, orderID string, lines []StockLine) error
	Release(ctx context.Context, orderID string) error
}
