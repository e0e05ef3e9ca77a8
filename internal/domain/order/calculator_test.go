package order

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-order-core/internal/domain/promotion"
)

// --- Helpers ---

func freeShipping(id string) promotion.Promotion {
	return promotion.Promotion{
		ID:      id,
		Name:    "Free shipping",
		Enabled: true,
		Actions: []promotion.Operation{{Code: promotion.ActionFreeShipping}},
	}
}

func freeLowest(id string) promotion.Promotion {
	return promotion.Promotion{
		ID:      id,
		Name:    "Cheapest item free",
		Enabled: true,
		Actions: []promotion.Operation{{Code: promotion.ActionFreeLowestItem}},
	}
}

func buyXGetYFree(id string, x, y int, variantIDs ...string) promotion.Promotion {
	return promotion.Promotion{
		ID:      id,
		Name:    fmt.Sprintf("Buy %d get %d free", x, y),
		Enabled: true,
		Actions: []promotion.Operation{{
			Code: promotion.ActionBuyXGetYFree,
			Args: promotion.Args{
				{Name: "x", Value: fmt.Sprint(x)},
				{Name: "y", Value: fmt.Sprint(y)},
				{Name: "productVariantIds", Value: promotion.StringList(variantIDs...)},
			},
		}},
	}
}

func orderPercentage(id, pct string) promotion.Promotion {
	return promotion.Promotion{
		ID:      id,
		Name:    pct + "% off order",
		Enabled: true,
		Actions: []promotion.Operation{{
			Code: promotion.ActionOrderPercentageDiscount,
			Args: promotion.Args{{Name: "discount", Value: pct}},
		}},
	}
}

func reducedVariant(id string, price int64) *VariantSnapshot {
	v := variant(id, price)
	v.TaxCategoryID = "reduced"
	return v
}

func orderDiscountTotal(l Line) int64 {
	var sum int64
	for _, dsc := range l.Discounts {
		if dsc.Type == DiscountOrder {
			sum += dsc.Amount
		}
	}
	return sum
}

// --- Tests ---

func TestRecalculate_TaxScenarios(t *testing.T) {
	tests := []struct {
		name             string
		pricesIncludeTax bool
		country          string
		wantZone         string
		wantUnitPrice    int64
		wantWithTax      int64
		wantIncludesTax  bool
	}{
		{
			name:            "exclusive prices in default zone",
			wantZone:        "eu",
			wantUnitPrice:   6543,
			wantWithTax:     7852,
			wantIncludesTax: false,
		},
		{
			name:             "inclusive prices in default zone",
			pricesIncludeTax: true,
			wantZone:         "eu",
			wantUnitPrice:    5453,
			wantWithTax:      6543,
			wantIncludesTax:  true,
		},
		{
			name:             "inclusive prices retaxed in another zone",
			pricesIncludeTax: true,
			country:          "US",
			wantZone:         "us",
			wantUnitPrice:    5453,
			wantWithTax:      5998,
			wantIncludesTax:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator(t, tt.pricesIncludeTax)
			o := newTestOrder(newLine("l1", variant("v1", 6543), 1))
			if tt.country != "" {
				o.ShippingAddress = &Address{CountryCode: tt.country}
			}

			out := recalc(t, c, o)

			l := out.Lines[0]
			assert.Equal(t, tt.wantZone, out.TaxZoneID)
			assert.Equal(t, int64(6543), l.ListPrice)
			assert.Equal(t, tt.wantIncludesTax, l.ListPriceIncludesTax)
			assert.Equal(t, tt.wantUnitPrice, l.UnitPrice)
			assert.Equal(t, tt.wantWithTax, l.UnitPriceWithTax)
			assert.Equal(t, tt.wantUnitPrice, out.SubTotal)
			assert.Equal(t, tt.wantWithTax, out.SubTotalWithTax)
			assert.Equal(t, tt.wantWithTax-tt.wantUnitPrice, l.LineTax)
		})
	}
}

func TestRecalculate_OrderDiscountSplit(t *testing.T) {
	c := newTestCalculator(t, false, fixedOrderDiscount("p-1000", 1000))
	o := newTestOrder(
		newLine("l1", variant("v1", 7000), 1),
		newLine("l2", variant("v2", 1000), 3),
	)

	out := recalc(t, c, o)

	l1, l2 := out.Lines[0], out.Lines[1]
	assert.Equal(t, int64(7000), l1.DiscountedLinePrice)
	assert.Equal(t, int64(3000), l2.DiscountedLinePrice)
	assert.Equal(t, int64(700), orderDiscountTotal(l1))
	assert.Equal(t, int64(300), orderDiscountTotal(l2))
	assert.Equal(t, int64(6300), l1.ProratedLinePrice)
	assert.Equal(t, int64(2700), l2.ProratedLinePrice)
	assert.Equal(t, int64(900), l2.ProratedUnitPrice)
	assert.Equal(t, int64(1080), l2.ProratedUnitPriceWithTax)

	assert.Equal(t, int64(9000), out.SubTotal)
	assert.Equal(t, int64(10800), out.SubTotalWithTax)
	require.Len(t, out.Promotions, 1)
	assert.Equal(t, AppliedPromotion{
		PromotionID: "p-1000",
		Description: "1000 off",
		Type:        DiscountOrder,
		Amount:      1000,
	}, out.Promotions[0])
}

func TestRecalculate_ProrationIsExact(t *testing.T) {
	for _, qty := range []int{1, 2, 3, 7, 10, 99, 1000, 9999, 10000} {
		o := newTestOrder(
			newLine("l1", variant("v1", 1999), qty),
			newLine("l2", variant("v2", 333), max(1, qty/3)),
			newLine("l3", reducedVariant("v3", 7), 1),
		)
		total := int64(1999*qty + 333*max(1, qty/3) + 7)

		for _, amount := range []int64{1, 2, total / 7, total / 2, total - 1, total} {
			if amount <= 0 {
				continue
			}
			t.Run(fmt.Sprintf("qty=%d/discount=%d", qty, amount), func(t *testing.T) {
				c := newTestCalculator(t, false, fixedOrderDiscount("p", amount))
				out := recalc(t, c, o)

				var absorbed int64
				for _, l := range out.Lines {
					share := l.DiscountedLinePrice - l.ProratedLinePrice
					assert.Equal(t, orderDiscountTotal(l), share)
					assert.GreaterOrEqual(t, l.ProratedLinePrice, int64(0))
					absorbed += share
				}
				assert.Equal(t, amount, absorbed)
				assert.Equal(t, total-amount, out.SubTotal)
			})
		}
	}
}

func TestRecalculate_Idempotent(t *testing.T) {
	for _, inclusive := range []bool{false, true} {
		t.Run(fmt.Sprintf("inclusive=%v", inclusive), func(t *testing.T) {
			c := newTestCalculator(t, inclusive,
				productDiscount("p-prod", "15", "v1"),
				buyXGetYFree("p-b2g1", 2, 1, "v2"),
				fixedOrderDiscount("p-fixed", 333),
				freeShipping("p-ship"),
			)
			o := newTestOrder(
				newLine("l1", variant("v1", 1999), 3),
				newLine("l2", reducedVariant("v2", 1234), 4),
			)
			o.ShippingLines = []ShippingLine{{ShippingMethodID: "std"}}
			o.ShippingAddress = &Address{CountryCode: "US"}
			o.Surcharges = []Surcharge{{ID: "s1", Description: "Gift wrap", Price: 299, PriceIncludesTax: inclusive, TaxRate: ptr(d("20"))}}

			first := recalc(t, c, o)
			second := recalc(t, c, first)
			third := recalc(t, c, second)

			assert.Equal(t, first, second)
			assert.Equal(t, second, third)
		})
	}
}

func TestRecalculate_TaxConservation(t *testing.T) {
	for _, inclusive := range []bool{false, true} {
		for _, country := range []string{"", "DE", "US"} {
			t.Run(fmt.Sprintf("inclusive=%v/country=%q", inclusive, country), func(t *testing.T) {
				c := newTestCalculator(t, inclusive,
					productDiscount("p-prod", "15", "v2"),
					fixedOrderDiscount("p-fixed", 777),
				)
				o := newTestOrder(
					newLine("l1", variant("v1", 1999), 3),
					newLine("l2", reducedVariant("v2", 1234), 2),
					newLine("l3", variant("v3", 1), 7),
				)
				if country != "" {
					o.ShippingAddress = &Address{CountryCode: country}
				}
				o.ShippingLines = []ShippingLine{{ShippingMethodID: "std"}}
				o.Surcharges = []Surcharge{
					{ID: "s1", Price: 250, PriceIncludesTax: inclusive, TaxRate: ptr(d("20"))},
					{ID: "s2", Price: -99},
				}

				out := recalc(t, c, o)

				want := make(map[string]int64)
				for _, l := range out.Lines {
					want[l.TaxLines[0].Rate.String()] += l.ProratedLinePriceWithTax - l.ProratedLinePrice
				}
				for _, s := range out.ShippingLines {
					want[s.TaxLines[0].Rate.String()] += s.DiscountedPriceWithTax - s.DiscountedPrice
				}
				for _, s := range out.Surcharges {
					want[s.TaxLines[0].Rate.String()] += s.PriceWithTax - s.NetPrice
				}

				got := make(map[string]int64)
				var summaryTotal int64
				for _, e := range out.TaxSummary {
					got[e.TaxRate.String()] += e.TaxTotal
					summaryTotal += e.TaxTotal
				}
				assert.Equal(t, want, got)
				assert.Equal(t, (out.SubTotalWithTax-out.SubTotal)+(out.ShippingWithTax-out.Shipping), summaryTotal)
				assert.Equal(t, out.SubTotal+out.Shipping, out.Total)
				assert.Equal(t, out.SubTotalWithTax+out.ShippingWithTax, out.TotalWithTax)

				var sub int64
				for _, l := range out.Lines {
					sub += l.ProratedLinePrice
				}
				for _, s := range out.Surcharges {
					sub += s.NetPrice
				}
				assert.Equal(t, sub, out.SubTotal)

				for i := 1; i < len(out.TaxSummary); i++ {
					assert.True(t, out.TaxSummary[i-1].TaxRate.LessThanOrEqual(out.TaxSummary[i].TaxRate))
				}
			})
		}
	}
}

func TestRecalculate_DiscountsAreMonotonic(t *testing.T) {
	combos := map[string][]promotion.Promotion{
		"product 50%":      {productDiscount("a", "50", "v1")},
		"free lowest":      {freeLowest("b")},
		"buy 2 get 1":      {buyXGetYFree("c", 2, 1, "v2")},
		"over discounted":  {productDiscount("a", "100", "v1"), fixedOrderDiscount("d", 1_000_000)},
		"order percentage": {orderPercentage("e", "33.3")},
		"everything": {
			productDiscount("a", "50", "v1"),
			freeLowest("b"),
			buyXGetYFree("c", 2, 1, "v2"),
			orderPercentage("e", "10"),
			fixedOrderDiscount("f", 1234),
		},
	}

	for name, promos := range combos {
		for _, inclusive := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/inclusive=%v", name, inclusive), func(t *testing.T) {
				c := newTestCalculator(t, inclusive, promos...)
				o := newTestOrder(
					newLine("l1", variant("v1", 1999), 3),
					newLine("l2", reducedVariant("v2", 1234), 4),
					newLine("l3", variant("v3", 5), 7),
				)

				out := recalc(t, c, o)

				for _, l := range out.Lines {
					assert.LessOrEqual(t, l.DiscountedLinePrice, l.LinePrice, l.ID)
					assert.LessOrEqual(t, l.ProratedLinePrice, l.DiscountedLinePrice, l.ID)
					assert.LessOrEqual(t, l.ProratedLinePriceWithTax, l.LinePriceWithTax, l.ID)
					assert.LessOrEqual(t, l.DiscountedUnitPrice, l.UnitPrice, l.ID)
					assert.LessOrEqual(t, l.ProratedUnitPrice, l.DiscountedUnitPrice, l.ID)
					assert.GreaterOrEqual(t, l.ProratedLinePrice, int64(0), l.ID)

					var lineDiscounts int64
					for _, dsc := range l.Discounts {
						assert.Positive(t, dsc.Amount)
						if dsc.Type != DiscountOrder {
							lineDiscounts += dsc.Amount
						}
					}
					assert.Equal(t, l.LinePrice-l.DiscountedLinePrice, lineDiscounts, l.ID)
				}
			})
		}
	}
}

func TestRecalculate_ItemAdjustments(t *testing.T) {
	c := newTestCalculator(t, false,
		productDiscount("p-10", "10", "v1"),
		buyXGetYFree("p-b2g1", 2, 1, "v2"),
	)
	o := newTestOrder(
		newLine("l1", variant("v1", 3500), 2),
		newLine("l2", variant("v2", 1000), 3),
	)

	out := recalc(t, c, o)

	l1, l2 := out.Lines[0], out.Lines[1]
	require.Len(t, l1.Discounts, 1)
	assert.Equal(t, DiscountLine, l1.Discounts[0].Type)
	assert.Equal(t, int64(700), l1.Discounts[0].Amount)
	assert.Equal(t, int64(840), l1.Discounts[0].AmountWithTax)
	require.Len(t, l1.Items, 2)
	for _, it := range l1.Items {
		assert.Equal(t, []Adjustment{{SourceID: "p-10", Description: "10% off products", Amount: 350}}, it.Adjustments)
	}

	require.Len(t, l2.Discounts, 1)
	assert.Equal(t, DiscountItem, l2.Discounts[0].Type)
	assert.Equal(t, int64(1000), l2.Discounts[0].Amount)
	require.Len(t, l2.Items, 3)
	assert.Empty(t, l2.Items[0].Adjustments)
	assert.Empty(t, l2.Items[1].Adjustments)
	assert.Equal(t, int64(1000), l2.Items[2].Adjustments[0].Amount)
	assert.Equal(t, int64(2000), l2.DiscountedLinePrice)
	assert.Equal(t, int64(667), l2.DiscountedUnitPrice)
}

func TestRecalculate_Shipping(t *testing.T) {
	tests := []struct {
		name            string
		method          string
		qty             int
		promotions      []promotion.Promotion
		wantShipping    int64
		wantShippingTax int64
		wantDiscounts   int
	}{
		{name: "flat rate", method: "std", qty: 2, wantShipping: 500, wantShippingTax: 600},
		{name: "below free threshold", method: "free-over", qty: 1, wantShipping: 700, wantShippingTax: 840},
		{name: "above free threshold", method: "free-over", qty: 3, wantShipping: 0, wantShippingTax: 0},
		{name: "free shipping promotion", method: "std", qty: 2, promotions: []promotion.Promotion{freeShipping("p-ship")}, wantDiscounts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator(t, false, tt.promotions...)
			o := newTestOrder(newLine("l1", variant("v1", 3500), tt.qty))
			o.ShippingLines = []ShippingLine{{ShippingMethodID: tt.method}}

			out := recalc(t, c, o)

			sl := out.ShippingLines[0]
			assert.Len(t, sl.Discounts, tt.wantDiscounts)
			assert.Equal(t, tt.wantShipping, out.Shipping)
			assert.Equal(t, tt.wantShippingTax, out.ShippingWithTax)
			assert.Equal(t, out.SubTotal+out.Shipping, out.Total)
			if tt.wantDiscounts > 0 {
				assert.Equal(t, int64(500), sl.Price)
				assert.Equal(t, int64(500), sl.Discounts[0].Amount)
				assert.Equal(t, int64(600), sl.Discounts[0].AmountWithTax)
				assert.Equal(t, int64(0), sl.DiscountedPrice)
				assert.Contains(t, out.Promotions, AppliedPromotion{
					PromotionID: "p-ship", Description: "Free shipping", Type: DiscountShipping, Amount: 500,
				})
			}
		})
	}
}

func TestRecalculate_UnknownShippingMethod(t *testing.T) {
	c := newTestCalculator(t, false)
	o := newTestOrder(newLine("l1", variant("v1", 100), 1))
	o.ShippingLines = []ShippingLine{{ShippingMethodID: "teleport"}}

	_, err := c.Recalculate(context.Background(), o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestRecalculate_Surcharges(t *testing.T) {
	c := newTestCalculator(t, false)
	o := newTestOrder(newLine("l1", variant("v1", 1000), 1))
	o.Surcharges = []Surcharge{
		{ID: "s1", Description: "Goodwill", Price: -200},
		{ID: "s2", Description: "Gift wrap", Price: 120, PriceIncludesTax: true, TaxRate: ptr(d("20"))},
	}

	out := recalc(t, c, o)

	assert.Equal(t, int64(-200), out.Surcharges[0].NetPrice)
	assert.Equal(t, int64(-200), out.Surcharges[0].PriceWithTax)
	assert.Equal(t, int64(100), out.Surcharges[1].NetPrice)
	assert.Equal(t, int64(120), out.Surcharges[1].PriceWithTax)
	assert.Equal(t, int64(900), out.SubTotal)
	assert.Equal(t, int64(1120), out.SubTotalWithTax)

	require.Len(t, out.TaxSummary, 2)
	assert.True(t, out.TaxSummary[0].TaxRate.IsZero())
	assert.Equal(t, int64(-200), out.TaxSummary[0].TaxBase)
	assert.Equal(t, int64(0), out.TaxSummary[0].TaxTotal)
	assert.True(t, out.TaxSummary[1].TaxRate.Equal(d("20")))
	assert.Equal(t, int64(1100), out.TaxSummary[1].TaxBase)
	assert.Equal(t, int64(220), out.TaxSummary[1].TaxTotal)
}

func TestRecalculate_Errors(t *testing.T) {
	noCategory := variant("v1", 100)
	noCategory.TaxCategoryID = ""

	tests := []struct {
		name      string
		order     *Order
		wantField string
		internal  bool
	}{
		{name: "missing variant", order: newTestOrder(Line{ID: "l1", Quantity: 1}), internal: true},
		{name: "missing tax category", order: newTestOrder(newLine("l1", noCategory, 1)), internal: true},
		{name: "duplicate line id", order: newTestOrder(newLine("l1", variant("v1", 1), 1), newLine("l1", variant("v2", 1), 1)), internal: true},
		{name: "negative quantity", order: newTestOrder(newLine("l1", variant("v1", 100), -1)), wantField: "quantity"},
		{name: "negative price", order: newTestOrder(newLine("l1", variant("v1", -100), 1)), wantField: "unit price"},
		{
			name: "negative total",
			order: func() *Order {
				o := newTestOrder(newLine("l1", variant("v1", 1000), 1))
				o.Surcharges = []Surcharge{{ID: "s1", Price: -5000}}
				return o
			}(),
			wantField: "order total",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator(t, false)
			before := tt.order.Clone()

			_, err := c.Recalculate(context.Background(), tt.order)

			if tt.internal {
				var ie *InternalError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, "order-1", ie.OrderID)
			} else {
				var nq *NegativeQuantityError
				require.ErrorAs(t, err, &nq)
				assert.Equal(t, tt.wantField, nq.Field)
			}
			assert.Equal(t, before, tt.order)
		})
	}
}

func TestRecalculate_DoesNotModifyInput(t *testing.T) {
	c := newTestCalculator(t, false, fixedOrderDiscount("p", 100))
	o := newTestOrder(newLine("l1", variant("v1", 1000), 2))
	before := o.Clone()

	out := recalc(t, c, o)

	assert.Equal(t, before, o)
	assert.NotNil(t, out.PricedAt)
	assert.Len(t, out.Lines[0].Items, 2)
}

func TestRecalculate_SyncItems(t *testing.T) {
	c := newTestCalculator(t, false)
	o := newTestOrder(newLine("l1", variant("v1", 100), 3))

	out := recalc(t, c, o)
	require.Len(t, out.Lines[0].Items, 3)
	firstID := out.Lines[0].Items[0].ID

	t.Run("cart shrink deletes items", func(t *testing.T) {
		cart := out.Clone()
		cart.Lines[0].Quantity = 1
		shrunk := recalc(t, c, cart)
		require.Len(t, shrunk.Lines[0].Items, 1)
		assert.Equal(t, firstID, shrunk.Lines[0].Items[0].ID)
	})

	t.Run("placed order cancels items", func(t *testing.T) {
		placed := out.Clone()
		placed.OrderPlacedAt = ptr(testNow)
		placed.Lines[0].Quantity = 1
		shrunk := recalc(t, c, placed)
		items := shrunk.Lines[0].Items
		require.Len(t, items, 3)
		assert.False(t, items[0].Cancelled)
		assert.True(t, items[1].Cancelled)
		assert.True(t, items[2].Cancelled)
		assert.Equal(t, 1, shrunk.Lines[0].ActiveItems())
		assert.Equal(t, int64(100), shrunk.SubTotal)

		grown := shrunk.Clone()
		grown.Lines[0].Quantity = 2
		grown = recalc(t, c, grown)
		assert.Len(t, grown.Lines[0].Items, 4)
		assert.Equal(t, 2, grown.Lines[0].ActiveItems())
	})
}

func TestRecalculate_FrozenPromotions(t *testing.T) {
	live := newTestCalculator(t, false,
		productDiscount("p-10", "10", "v1"),
		fixedOrderDiscount("p-500", 500),
	)
	o := newTestOrder(
		newLine("l1", variant("v1", 3500), 2),
		newLine("l2", variant("v2", 1000), 3),
	)
	placed := recalc(t, live, o)
	assert.Equal(t, int64(339), orderDiscountTotal(placed.Lines[0]))
	assert.Equal(t, int64(161), orderDiscountTotal(placed.Lines[1]))
	assert.Equal(t, int64(9300-500), placed.SubTotal)

	placed.OrderPlacedAt = ptr(testNow)
	placed.State = Modifying
	placed.FreezePromotions = true

	// The promotions are gone; frozen discounts must survive anyway.
	frozen := newTestCalculator(t, false)

	t.Run("unchanged order keeps its discounts", func(t *testing.T) {
		out := recalc(t, frozen, placed)
		assert.Equal(t, placed.SubTotal, out.SubTotal)
		assert.Equal(t, placed.TotalWithTax, out.TotalWithTax)
		assert.Equal(t, int64(6300), out.Lines[0].DiscountedLinePrice)
		assert.Equal(t, DiscountFrozen, out.Lines[0].Discounts[0].Type)
		assert.Equal(t, int64(339), orderDiscountTotal(out.Lines[0]))
	})

	t.Run("removed item takes its discount with it", func(t *testing.T) {
		changed := placed.Clone()
		changed.Lines[0].Quantity = 1

		out := recalc(t, frozen, changed)

		l1 := out.Lines[0]
		require.Len(t, l1.Items, 2)
		assert.True(t, l1.Items[1].Cancelled)
		assert.Equal(t, int64(3150), l1.DiscountedLinePrice)
		assert.Equal(t, int64(257), orderDiscountTotal(l1))
		assert.Equal(t, int64(243), orderDiscountTotal(out.Lines[1]))
		assert.Equal(t, int64(5650), out.SubTotal)
	})

	t.Run("live engine would differ", func(t *testing.T) {
		unfrozen := placed.Clone()
		unfrozen.FreezePromotions = false
		out := recalc(t, frozen, unfrozen)
		assert.Equal(t, int64(3500*2+3000), out.SubTotal)
	})
}

func TestRecalculate_CouponPromotion(t *testing.T) {
	coupon := orderPercentage("p-coupon", "10")
	coupon.CouponCode = "SAVE10"
	c := newTestCalculator(t, false, coupon)
	o := newTestOrder(newLine("l1", variant("v1", 3500), 2))

	out := recalc(t, c, o)
	assert.Equal(t, int64(7000), out.SubTotal)
	assert.Empty(t, out.Promotions)

	o.CouponCodes = []string{"save10"}
	out = recalc(t, c, o)
	assert.Equal(t, int64(6300), out.SubTotal)
	require.Len(t, out.Promotions, 1)
	assert.Equal(t, "SAVE10", out.Promotions[0].CouponCode)
	assert.Equal(t, int64(700), out.Promotions[0].Amount)
}
