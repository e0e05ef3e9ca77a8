package order

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-order-core/internal/domain/money"
	"github.com/xenking/kart-order-core/internal/domain/promotion"
	"github.com/xenking/kart-order-core/internal/domain/shipping"
	"github.com/xenking/kart-order-core/internal/domain/tax"
)

// PromotionApplier selects and applies promotions. *promotion.Engine
// implements it.
type PromotionApplier interface {
	EligiblePromotions(ctx context.Context, cart *promotion.Cart) ([]promotion.Promotion, error)
	Apply(ctx context.Context, cart *promotion.Cart, promotions []promotion.Promotion) (promotion.Adjustments, error)
}

// ShippingCalculator quotes shipping methods. *shipping.Provider implements
// it.
type ShippingCalculator interface {
	Quote(ctx context.Context, methodID string, sc shipping.Context) (shipping.Quote, error)
}

var (
	_ PromotionApplier   = (*promotion.Engine)(nil)
	_ ShippingCalculator = (*shipping.Provider)(nil)
)

// Calculator derives every computed amount of an order.
type Calculator struct {
	taxes      *tax.Calculator
	promotions PromotionApplier
	shipping   ShippingCalculator
	now        func() time.Time
	newID      func() string
}

// NewCalculator creates a Calculator. shipping may be nil for orders that
// never carry shipping lines.
func NewCalculator(taxes *tax.Calculator, promotions PromotionApplier, shipping ShippingCalculator) *Calculator {
	return &Calculator{
		taxes:      taxes,
		promotions: promotions,
		shipping:   shipping,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// pricedLine carries the unrounded amounts of one line through the pipeline.
type pricedLine struct {
	rate tax.Rate
	// unitNet is the net pre-discount unit price.
	unitNet decimal.Decimal
	// discountedNet is the net line price after line discounts.
	discountedNet decimal.Decimal
	// capacity is what order discounts may still take from the line.
	capacity int64
	prorated int64
}

type orderDiscount struct {
	promotionID string
	description string
	amount      int64
}

// Recalculate prices a copy of o and returns it. o itself is never modified.
func (c *Calculator) Recalculate(ctx context.Context, o *Order) (*Order, error) {
	if err := validateLines(o); err != nil {
		return nil, err
	}
	out := o.Clone()
	groups := out.CustomerGroupIDs
	out.TaxZoneID = c.taxes.ActiveZone(countryOf(out.ShippingAddress), countryOf(out.BillingAddress))

	priced := make([]pricedLine, len(out.Lines))
	for i := range out.Lines {
		l := &out.Lines[i]
		c.syncItems(l, out.Placed())

		pc := c.taxes.Calculate(l.Variant.Price, l.Variant.TaxCategoryID, out.TaxZoneID, groups...)
		lineNet := pc.Net.Mul(decimal.NewFromInt(int64(l.Quantity)))
		priced[i] = pricedLine{rate: pc.Rate, unitNet: pc.Net}

		l.ListPrice = l.Variant.Price
		l.ListPriceIncludesTax = pc.PriceIncludesTax
		l.UnitPrice = money.Round(pc.Net)
		l.UnitPriceWithTax = tax.GrossOf(pc.Rate, pc.Net)
		l.LinePrice = money.Round(lineNet)
		l.LinePriceWithTax = tax.GrossOf(pc.Rate, lineNet)
		l.TaxLines = []tax.Line{pc.Rate.Line()}
		l.Discounts = nil
		priced[i].discountedNet = lineNet
	}

	var (
		eligible []promotion.Promotion
		applied  = newAppliedSet(o.Promotions)
		orderDis []orderDiscount
	)
	if out.FreezePromotions {
		for i := range out.Lines {
			c.applyFrozenLineDiscounts(&out.Lines[i], &priced[i], applied)
		}
		for _, p := range o.Promotions {
			if p.Type == DiscountOrder {
				orderDis = append(orderDis, orderDiscount{promotionID: p.PromotionID, description: p.Description, amount: p.Amount})
			}
		}
	} else {
		cart := buildCart(out, priced, nil)
		var err error
		eligible, err = c.promotions.EligiblePromotions(ctx, cart)
		if err != nil {
			return nil, errors.Wrap(err, "eligible promotions")
		}
		applied.remember(eligible)
		adj, err := c.promotions.Apply(ctx, cart, eligible)
		if err != nil {
			return nil, errors.Wrap(err, "apply promotions")
		}
		byLine := make(map[string][]promotion.LineAdjustment, len(adj.Lines))
		for _, a := range adj.Lines {
			byLine[a.LineID] = append(byLine[a.LineID], a)
		}
		for i := range out.Lines {
			c.applyLineDiscounts(&out.Lines[i], &priced[i], byLine[out.Lines[i].ID], applied)
		}
		for _, a := range adj.Order {
			orderDis = append(orderDis, orderDiscount{promotionID: a.PromotionID, description: a.Description, amount: money.Round(a.Amount)})
		}
	}

	for i := range out.Lines {
		l := &out.Lines[i]
		l.DiscountedLinePrice = money.Round(priced[i].discountedNet)
		l.DiscountedLinePriceWithTax = tax.GrossOf(priced[i].rate, priced[i].discountedNet)
		priced[i].capacity = l.DiscountedLinePrice
	}

	c.prorateOrderDiscounts(ctx, out, priced, orderDis, applied)

	for i := range out.Lines {
		l := &out.Lines[i]
		p := priced[i]
		proratedNet := p.discountedNet.Sub(money.Dec(p.prorated))
		l.ProratedLinePrice = l.DiscountedLinePrice - p.prorated
		l.ProratedLinePriceWithTax = tax.GrossOf(p.rate, proratedNet)
		l.LineTax = l.ProratedLinePriceWithTax - l.ProratedLinePrice

		if l.Quantity > 0 {
			qty := decimal.NewFromInt(int64(l.Quantity))
			l.DiscountedUnitPrice = money.Round(p.discountedNet.Div(qty))
			l.DiscountedUnitPriceWithTax = tax.GrossOf(p.rate, p.discountedNet.Div(qty))
			l.ProratedUnitPrice = money.Round(proratedNet.Div(qty))
			l.ProratedUnitPriceWithTax = tax.GrossOf(p.rate, proratedNet.Div(qty))
		} else {
			l.DiscountedUnitPrice, l.DiscountedUnitPriceWithTax = l.UnitPrice, l.UnitPriceWithTax
			l.ProratedUnitPrice, l.ProratedUnitPriceWithTax = l.UnitPrice, l.UnitPriceWithTax
		}
	}

	c.priceSurcharges(out)

	out.SubTotal, out.SubTotalWithTax, out.TotalQuantity = 0, 0, 0
	for i := range out.Lines {
		out.SubTotal += out.Lines[i].ProratedLinePrice
		out.SubTotalWithTax += out.Lines[i].ProratedLinePriceWithTax
		out.TotalQuantity += out.Lines[i].Quantity
	}
	for _, s := range out.Surcharges {
		out.SubTotal += s.NetPrice
		out.SubTotalWithTax += s.PriceWithTax
	}

	if err := c.priceShipping(ctx, o, out, priced, eligible, applied); err != nil {
		return nil, err
	}

	out.Total = out.SubTotal + out.Shipping
	out.TotalWithTax = out.SubTotalWithTax + out.ShippingWithTax
	if out.Total < 0 {
		return nil, &NegativeQuantityError{Field: "order total", Value: out.Total}
	}
	if out.TotalWithTax < 0 {
		return nil, &NegativeQuantityError{Field: "order total with tax", Value: out.TotalWithTax}
	}

	out.TaxSummary = taxSummary(out)
	out.Promotions = applied.list()
	now := c.now()
	out.PricedAt = &now
	return out, nil
}

func validateLines(o *Order) error {
	seen := make(map[string]struct{}, len(o.Lines))
	for _, l := range o.Lines {
		if _, dup := seen[l.ID]; dup {
			return &InternalError{OrderID: o.ID, LineID: l.ID, Reason: "duplicate line id"}
		}
		seen[l.ID] = struct{}{}
		if l.Quantity < 0 {
			return &NegativeQuantityError{LineID: l.ID, Field: "quantity", Value: int64(l.Quantity)}
		}
		if l.Variant == nil {
			return &InternalError{OrderID: o.ID, LineID: l.ID, Reason: "missing product variant snapshot"}
		}
		if l.Variant.TaxCategoryID == "" {
			return &InternalError{OrderID: o.ID, LineID: l.ID, Reason: "missing tax category"}
		}
		if l.Variant.Price < 0 {
			return &NegativeQuantityError{LineID: l.ID, Field: "unit price", Value: l.Variant.Price}
		}
	}
	return nil
}

func countryOf(a *Address) string {
	if a == nil {
		return ""
	}
	return a.CountryCode
}

// syncItems makes the number of active items match the quantity. Placed
// orders keep removed items as cancelled. Unfulfilled items go first.
func (c *Calculator) syncItems(l *Line, placed bool) {
	active := l.ActiveItems()
	for active < l.Quantity {
		l.Items = append(l.Items, Item{ID: c.newID()})
		active++
	}
	for _, fulfilled := range []bool{false, true} {
		for i := len(l.Items) - 1; i >= 0 && active > l.Quantity; i-- {
			it := l.Items[i]
			if it.Cancelled || (it.FulfillmentID != "") != fulfilled {
				continue
			}
			if placed {
				l.Items[i].Cancelled = true
			} else {
				l.Items = slices.Delete(l.Items, i, i+1)
			}
			active--
		}
	}
}

func buildCart(o *Order, priced []pricedLine, shippingNet []decimal.Decimal) *promotion.Cart {
	cart := &promotion.Cart{
		CustomerID:       o.CustomerID,
		CustomerGroupIDs: o.CustomerGroupIDs,
		CouponCodes:      o.CouponCodes,
	}
	for i, l := range o.Lines {
		if l.Quantity <= 0 {
			continue
		}
		cart.Lines = append(cart.Lines, promotion.CartLine{
			ID:               l.ID,
			VariantID:        l.Variant.ID,
			FacetValueIDs:    l.Variant.FacetValueIDs,
			Quantity:         l.Quantity,
			UnitPrice:        priced[i].unitNet,
			UnitPriceWithTax: priced[i].rate.GrossPriceOf(priced[i].unitNet),
		})
	}
	if shippingNet == nil {
		return cart
	}
	for i, s := range o.ShippingLines {
		cart.Shipping = append(cart.Shipping, promotion.CartShipping{
			MethodID: s.ShippingMethodID,
			Price:    shippingNet[i],
		})
	}
	return cart
}

func (c *Calculator) applyLineDiscounts(l *Line, p *pricedLine, adjustments []promotion.LineAdjustment, applied *appliedSet) {
	for i := range l.Items {
		if !l.Items[i].Cancelled {
			l.Items[i].Adjustments = nil
		}
	}
	remaining := l.LinePrice
	for _, a := range adjustments {
		amount := min(money.Round(a.Amount), remaining)
		if amount <= 0 {
			continue
		}
		remaining -= amount
		typ := DiscountLine
		if a.Units > 0 {
			typ = DiscountItem
		}
		l.Discounts = append(l.Discounts, Discount{
			SourceID:      a.PromotionID,
			Description:   a.Description,
			Type:          typ,
			Amount:        amount,
			AmountWithTax: tax.GrossOf(p.rate, money.Dec(amount)),
		})
		attributeToItems(l, a.PromotionID, a.Description, amount, a.Units)
		applied.add(a.PromotionID, a.Description, typ, amount)
	}
	p.discountedNet = p.discountedNet.Sub(money.Dec(l.LinePrice - remaining))
}

// applyFrozenLineDiscounts re-derives line discounts from the adjustments of
// the line's active items.
func (c *Calculator) applyFrozenLineDiscounts(l *Line, p *pricedLine, applied *appliedSet) {
	var (
		order  []string
		sums   = make(map[string]int64)
		labels = make(map[string]string)
	)
	for _, it := range l.Items {
		if it.Cancelled {
			continue
		}
		for _, a := range it.Adjustments {
			if _, ok := sums[a.SourceID]; !ok {
				order = append(order, a.SourceID)
				labels[a.SourceID] = a.Description
			}
			sums[a.SourceID] += a.Amount
		}
	}
	remaining := l.LinePrice
	for _, id := range order {
		amount := min(sums[id], remaining)
		if amount <= 0 {
			continue
		}
		remaining -= amount
		l.Discounts = append(l.Discounts, Discount{
			SourceID:      id,
			Description:   labels[id],
			Type:          DiscountFrozen,
			Amount:        amount,
			AmountWithTax: tax.GrossOf(p.rate, money.Dec(amount)),
		})
		applied.add(id, labels[id], DiscountLine, amount)
	}
	p.discountedNet = p.discountedNet.Sub(money.Dec(l.LinePrice - remaining))
}

// attributeToItems spreads amount over the last units active items, or over
// all active items when units is zero.
func attributeToItems(l *Line, sourceID, description string, amount int64, units int) {
	var active []int
	for i := range l.Items {
		if !l.Items[i].Cancelled {
			active = append(active, i)
		}
	}
	if units > 0 && units < len(active) {
		active = active[len(active)-units:]
	}
	for k, part := range splitEven(amount, len(active)) {
		if part == 0 {
			continue
		}
		it := &l.Items[active[k]]
		it.Adjustments = append(it.Adjustments, Adjustment{SourceID: sourceID, Description: description, Amount: part})
	}
}

// prorateOrderDiscounts distributes each order discount over the lines in
// proportion to what is left of their discounted price.
func (c *Calculator) prorateOrderDiscounts(ctx context.Context, out *Order, priced []pricedLine, discounts []orderDiscount, applied *appliedSet) {
	weights := make([]int64, len(priced))
	for _, d := range discounts {
		var room int64
		for i := range priced {
			weights[i] = priced[i].capacity
			room += max(weights[i], 0)
		}
		amount := min(d.amount, room)
		if amount < d.amount {
			zctx.From(ctx).Debug("Order discount capped at subtotal",
				zap.String("order_id", out.ID),
				zap.String("promotion_id", d.promotionID),
				zap.Int64("requested", d.amount),
				zap.Int64("applied", amount),
			)
		}
		if amount <= 0 {
			continue
		}
		for i, share := range prorate(amount, weights) {
			if share == 0 {
				continue
			}
			priced[i].capacity -= share
			priced[i].prorated += share
			l := &out.Lines[i]
			l.Discounts = append(l.Discounts, Discount{
				SourceID:      d.promotionID,
				Description:   d.description,
				Type:          DiscountOrder,
				Amount:        share,
				AmountWithTax: tax.GrossOf(priced[i].rate, money.Dec(share)),
			})
		}
		applied.add(d.promotionID, d.description, DiscountOrder, amount)
	}
}

func (c *Calculator) priceSurcharges(out *Order) {
	for i := range out.Surcharges {
		s := &out.Surcharges[i]
		rate := tax.Rate{Name: "Surcharge", Value: decimal.Zero}
		if s.TaxRate != nil {
			rate.Value = *s.TaxRate
		}
		net := money.Dec(s.Price)
		if s.PriceIncludesTax {
			net = rate.NetPriceOf(net)
		}
		s.NetPrice = money.Round(net)
		s.PriceWithTax = tax.GrossOf(rate, net)
		s.TaxLines = []tax.Line{rate.Line()}
	}
}

// priceShipping quotes every shipping line against the discounted subtotal.
// Shipping promotions need the quoted prices, so they run in a second pass.
func (c *Calculator) priceShipping(ctx context.Context, prev, out *Order, priced []pricedLine, eligible []promotion.Promotion, applied *appliedSet) error {
	out.Shipping, out.ShippingWithTax = 0, 0
	if len(out.ShippingLines) == 0 {
		return nil
	}
	if c.shipping == nil {
		return &InternalError{OrderID: out.ID, Reason: "order has shipping lines but no shipping calculator is configured"}
	}

	sc := shipping.Context{
		SubTotal:        out.SubTotal,
		SubTotalWithTax: out.SubTotalWithTax,
		TotalQuantity:   out.TotalQuantity,
		Country:         countryOf(out.ShippingAddress),
	}
	nets := make([]decimal.Decimal, len(out.ShippingLines))
	rates := make([]tax.Rate, len(out.ShippingLines))
	for i := range out.ShippingLines {
		sl := &out.ShippingLines[i]
		q, err := c.shipping.Quote(ctx, sl.ShippingMethodID, sc)
		if err != nil {
			return errors.Wrapf(err, "quote shipping method %s", sl.ShippingMethodID)
		}
		pc := c.taxes.CalculateFor(q.Price, q.PriceIncludesTax, q.TaxCategoryID, out.TaxZoneID, out.CustomerGroupIDs...)
		nets[i], rates[i] = pc.Net, pc.Rate
		sl.ListPrice = q.Price
		sl.ListPriceIncludesTax = q.PriceIncludesTax
		sl.Price = money.Round(pc.Net)
		sl.PriceWithTax = tax.GrossOf(pc.Rate, pc.Net)
		sl.TaxLines = []tax.Line{pc.Rate.Line()}
		sl.Discounts = nil
	}

	type shipDiscount struct {
		index       int
		promotionID string
		description string
		amount      int64
	}
	var discounts []shipDiscount
	if out.FreezePromotions {
		for i := range out.ShippingLines {
			if i >= len(prev.ShippingLines) || prev.ShippingLines[i].ShippingMethodID != out.ShippingLines[i].ShippingMethodID {
				continue
			}
			for _, d := range prev.ShippingLines[i].Discounts {
				discounts = append(discounts, shipDiscount{index: i, promotionID: d.SourceID, description: d.Description, amount: d.Amount})
			}
		}
	} else if len(eligible) > 0 {
		adj, err := c.promotions.Apply(ctx, buildCart(out, priced, nets), eligible)
		if err != nil {
			return errors.Wrap(err, "apply shipping promotions")
		}
		for _, a := range adj.Shipping {
			discounts = append(discounts, shipDiscount{index: a.Index, promotionID: a.PromotionID, description: a.Description, amount: money.Round(a.Amount)})
		}
	}

	taken := make([]int64, len(out.ShippingLines))
	for _, d := range discounts {
		sl := &out.ShippingLines[d.index]
		amount := min(d.amount, sl.Price-taken[d.index])
		if amount <= 0 {
			continue
		}
		taken[d.index] += amount
		sl.Discounts = append(sl.Discounts, Discount{
			SourceID:      d.promotionID,
			Description:   d.description,
			Type:          DiscountShipping,
			Amount:        amount,
			AmountWithTax: tax.GrossOf(rates[d.index], money.Dec(amount)),
		})
		applied.add(d.promotionID, d.description, DiscountShipping, amount)
	}

	for i := range out.ShippingLines {
		sl := &out.ShippingLines[i]
		net := nets[i].Sub(money.Dec(taken[i]))
		sl.DiscountedPrice = sl.Price - taken[i]
		sl.DiscountedPriceWithTax = tax.GrossOf(rates[i], net)
		out.Shipping += sl.DiscountedPrice
		out.ShippingWithTax += sl.DiscountedPriceWithTax
	}
	return nil
}

// taxSummary groups taxed amounts by rate. Each entry's TaxTotal is the sum
// of the gross minus net of its contributors, so the summary adds up to the
// order's total tax exactly.
func taxSummary(o *Order) []TaxSummaryEntry {
	byRate := make(map[string]*TaxSummaryEntry)
	add := func(rate tax.Line, base, withTax int64) {
		key := rate.Rate.String()
		e, ok := byRate[key]
		if !ok {
			e = &TaxSummaryEntry{Description: rate.Description, TaxRate: rate.Rate}
			byRate[key] = e
		}
		e.TaxBase += base
		e.TaxTotal += withTax - base
	}
	for _, l := range o.Lines {
		if len(l.TaxLines) > 0 {
			add(l.TaxLines[0], l.ProratedLinePrice, l.ProratedLinePriceWithTax)
		}
	}
	for _, s := range o.ShippingLines {
		if len(s.TaxLines) > 0 {
			add(s.TaxLines[0], s.DiscountedPrice, s.DiscountedPriceWithTax)
		}
	}
	for _, s := range o.Surcharges {
		if len(s.TaxLines) > 0 {
			add(s.TaxLines[0], s.NetPrice, s.PriceWithTax)
		}
	}

	out := make([]TaxSummaryEntry, 0, len(byRate))
	for _, e := range byRate {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TaxRate.Cmp(out[j].TaxRate); c != 0 {
			return c < 0
		}
		return out[i].Description < out[j].Description
	})
	return out
}

// appliedSet accumulates the effect of each promotion, keeping coupon codes
// known from previous pricing.
type appliedSet struct {
	order   []AppliedPromotion
	index   map[string]int
	coupons map[string]string
}

func newAppliedSet(previous []AppliedPromotion) *appliedSet {
	s := &appliedSet{index: make(map[string]int), coupons: make(map[string]string)}
	for _, p := range previous {
		if p.CouponCode != "" {
			s.coupons[p.PromotionID] = p.CouponCode
		}
	}
	return s
}

func (s *appliedSet) remember(promotions []promotion.Promotion) {
	for _, p := range promotions {
		if p.CouponCode != "" {
			s.coupons[p.ID] = p.CouponCode
		}
	}
}

func (s *appliedSet) add(id, description string, typ DiscountType, amount int64) {
	key := id + "/" + string(typ)
	if i, ok := s.index[key]; ok {
		s.order[i].Amount += amount
		return
	}
	s.index[key] = len(s.order)
	s.order = append(s.order, AppliedPromotion{
		PromotionID: id,
		Description: description,
		CouponCode:  s.coupons[id],
		Type:        typ,
		Amount:      amount,
	})
}

func (s *appliedSet) list() []AppliedPromotion {
	return s.order
}
