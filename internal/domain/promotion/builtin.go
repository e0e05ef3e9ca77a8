package promotion

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-order-core/internal/domain/money"
)

// Built-in condition codes.
const (
	ConditionMinimumOrderAmount = "minimum_order_amount"
	ConditionMinItemCount       = "min_item_count"
	ConditionContainsProducts   = "contains_products"
	ConditionHasFacetValues     = "has_facet_values"
	ConditionCustomerGroup      = "customer_group"
)

// Built-in action codes.
const (
	ActionOrderPercentageDiscount       = "order_percentage_discount"
	ActionOrderFixedDiscount            = "order_fixed_discount"
	ActionFreeLowestItem                = "free_lowest_item"
	ActionProductPercentageDiscount     = "product_percentage_discount"
	ActionFacetValuesPercentageDiscount = "facet_values_percentage_discount"
	ActionBuyXGetYFree                  = "buy_x_get_y_free"
	ActionFreeShipping                  = "free_shipping"
)

func builtinConditions() []ConditionDef {
	return []ConditionDef{
		{
			Code:        ConditionMinimumOrderAmount,
			Description: "Order subtotal is at least the given amount",
			Args: []ArgDef{
				{Name: "amount", Type: ArgMoney, Required: true},
				{Name: "taxInclusive", Type: ArgBool},
			},
			Check: func(cart *Cart, args Args) (bool, error) {
				amount, err := args.Int("amount")
				if err != nil {
					return false, err
				}
				inclusive, err := args.Bool("taxInclusive")
				if err != nil {
					return false, err
				}
				subtotal := cart.SubTotal()
				if inclusive {
					subtotal = cart.SubTotalWithTax()
				}
				return subtotal.GreaterThanOrEqual(money.Dec(amount)), nil
			},
		},
		{
			Code:        ConditionMinItemCount,
			Description: "Order contains at least the given number of units",
			Args:        []ArgDef{{Name: "count", Type: ArgInt, Required: true}},
			Check: func(cart *Cart, args Args) (bool, error) {
				count, err := args.Int("count")
				if err != nil {
					return false, err
				}
				return int64(cart.TotalQuantity()) >= count, nil
			},
		},
		{
			Code:        ConditionContainsProducts,
			Description: "Order contains at least the minimum quantity of the given variants",
			Args: []ArgDef{
				{Name: "productVariantIds", Type: ArgStringList, Required: true},
				{Name: "minimum", Type: ArgInt},
			},
			Check: func(cart *Cart, args Args) (bool, error) {
				ids, err := args.Strings("productVariantIds")
				if err != nil {
					return false, err
				}
				minimum, err := args.IntOr("minimum", 1)
				if err != nil {
					return false, err
				}
				var matched int64
				for _, l := range cart.Lines {
					if slices.Contains(ids, l.VariantID) {
						matched += int64(l.Quantity)
					}
				}
				return matched >= minimum, nil
			},
		},
		{
			Code:        ConditionHasFacetValues,
			Description: "Order contains at least the minimum quantity of items carrying all the given facet values",
			Args: []ArgDef{
				{Name: "facets", Type: ArgStringList, Required: true},
				{Name: "minimum", Type: ArgInt},
			},
			Check: func(cart *Cart, args Args) (bool, error) {
				facets, err := args.Strings("facets")
				if err != nil {
					return false, err
				}
				minimum, err := args.IntOr("minimum", 1)
				if err != nil {
					return false, err
				}
				var matched int64
				for _, l := range cart.Lines {
					if hasAllFacets(l, facets) {
						matched += int64(l.Quantity)
					}
				}
				return matched >= minimum, nil
			},
		},
		{
			Code:        ConditionCustomerGroup,
			Description: "Customer belongs to the given group",
			Args:        []ArgDef{{Name: "customerGroupId", Type: ArgString, Required: true}},
			Check: func(cart *Cart, args Args) (bool, error) {
				group, err := args.String("customerGroupId")
				if err != nil {
					return false, err
				}
				return slices.Contains(cart.CustomerGroupIDs, group), nil
			},
		},
	}
}

func builtinActions() []ActionDef {
	return []ActionDef{
		{
			Code:        ActionOrderPercentageDiscount,
			Description: "Discount the order by a percentage",
			Target:      TargetOrder,
			Args:        []ArgDef{{Name: "discount", Type: ArgPercent, Required: true}},
			ExecuteOrder: func(ac *ActionContext, args Args) (decimal.Decimal, error) {
				pct, err := args.Decimal("discount")
				if err != nil {
					return decimal.Zero, err
				}
				return money.Percent(ac.DiscountedSubTotal(), pct), nil
			},
		},
		{
			Code:        ActionOrderFixedDiscount,
			Description: "Discount the order by a fixed amount",
			Target:      TargetOrder,
			Args:        []ArgDef{{Name: "discount", Type: ArgMoney, Required: true}},
			ExecuteOrder: func(_ *ActionContext, args Args) (decimal.Decimal, error) {
				amount, err := args.Int("discount")
				if err != nil {
					return decimal.Zero, err
				}
				return money.Dec(amount), nil
			},
		},
		{
			Code:        ActionFreeLowestItem,
			Description: "Make one unit of the cheapest item free",
			Target:      TargetLine,
			ExecuteLine: func(ac *ActionContext, line CartLine, _ Args) (decimal.Decimal, int, error) {
				lowest, ok := ac.lowestPricedLine()
				if !ok || lowest != line.ID {
					return decimal.Zero, 0, nil
				}
				return line.UnitPrice, 1, nil
			},
		},
		{
			Code:        ActionProductPercentageDiscount,
			Description: "Discount the given variants by a percentage",
			Target:      TargetLine,
			Args: []ArgDef{
				{Name: "discount", Type: ArgPercent, Required: true},
				{Name: "productVariantIds", Type: ArgStringList, Required: true},
			},
			ExecuteLine: func(_ *ActionContext, line CartLine, args Args) (decimal.Decimal, int, error) {
				pct, err := args.Decimal("discount")
				if err != nil {
					return decimal.Zero, 0, err
				}
				ids, err := args.Strings("productVariantIds")
				if err != nil {
					return decimal.Zero, 0, err
				}
				if !slices.Contains(ids, line.VariantID) {
					return decimal.Zero, 0, nil
				}
				return money.Percent(line.LinePrice(), pct), 0, nil
			},
		},
		{
			Code:        ActionFacetValuesPercentageDiscount,
			Description: "Discount items carrying all the given facet values by a percentage",
			Target:      TargetLine,
			Args: []ArgDef{
				{Name: "discount", Type: ArgPercent, Required: true},
				{Name: "facets", Type: ArgStringList, Required: true},
			},
			ExecuteLine: func(_ *ActionContext, line CartLine, args Args) (decimal.Decimal, int, error) {
				pct, err := args.Decimal("discount")
				if err != nil {
					return decimal.Zero, 0, err
				}
				facets, err := args.Strings("facets")
				if err != nil {
					return decimal.Zero, 0, err
				}
				if !hasAllFacets(line, facets) {
					return decimal.Zero, 0, nil
				}
				return money.Percent(line.LinePrice(), pct), 0, nil
			},
		},
		{
			Code:        ActionBuyXGetYFree,
			Description: "For every X units of a variant bought, Y further units are free",
			Target:      TargetLine,
			Args: []ArgDef{
				{Name: "x", Type: ArgInt, Required: true},
				{Name: "y", Type: ArgInt, Required: true},
				{Name: "productVariantIds", Type: ArgStringList, Required: true},
			},
			ExecuteLine: func(_ *ActionContext, line CartLine, args Args) (decimal.Decimal, int, error) {
				x, err := args.Int("x")
				if err != nil {
					return decimal.Zero, 0, err
				}
				y, err := args.Int("y")
				if err != nil {
					return decimal.Zero, 0, err
				}
				ids, err := args.Strings("productVariantIds")
				if err != nil {
					return decimal.Zero, 0, err
				}
				if x <= 0 || y <= 0 || !slices.Contains(ids, line.VariantID) {
					return decimal.Zero, 0, nil
				}
				free := (int64(line.Quantity) / (x + y)) * y
				if free == 0 {
					return decimal.Zero, 0, nil
				}
				return line.UnitPrice.Mul(decimal.NewFromInt(free)), int(free), nil
			},
		},
		{
			Code:        ActionFreeShipping,
			Description: "Make shipping free",
			Target:      TargetShipping,
			ExecuteShipping: func(_ *ActionContext, shipping CartShipping, _ Args) (decimal.Decimal, error) {
				return shipping.Price, nil
			},
		},
	}
}

func hasAllFacets(line CartLine, facets []string) bool {
	if len(facets) == 0 {
		return false
	}
	for _, f := range facets {
		if !slices.Contains(line.FacetValueIDs, f) {
			return false
		}
	}
	return true
}
