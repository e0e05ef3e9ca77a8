package main

import (
	"sort"
	"strconv"

	"github.com/xenking/kart-order-core/internal/domain/promotion"
)

// rule is the discount granted by a coupon code.
type rule struct {
	name       string
	conditions []promotion.Operation
	actions    []promotion.Operation
}

func percentOff(name string, percent int) rule {
	return rule{
		name: name,
		actions: []promotion.Operation{{
			Code: promotion.ActionOrderPercentageDiscount,
			Args: promotion.Args{{Name: "discount", Value: strconv.Itoa(percent)}},
		}},
	}
}

func freeLowest(name string, minItems int) rule {
	r := rule{
		name:    name,
		actions: []promotion.Operation{{Code: promotion.ActionFreeLowestItem}},
	}
	if minItems > 0 {
		r.conditions = []promotion.Operation{{
			Code: promotion.ConditionMinItemCount,
			Args: promotion.Args{{Name: "count", Value: strconv.Itoa(minItems)}},
		}}
	}
	return r
}

var rules = map[string]rule{
	"BIRTHDAY": freeLowest("Birthday: lowest priced item free", 0),
	"BUYGETON": freeLowest("Lowest priced item free when buying 2 or more", 2),
	"FIFTYOFF": percentOff("50% off the order", 50),
	"SIXTYOFF": percentOff("60% off the order", 60),
	"FREEZAAA": percentOff("Everything free", 100),
	"GNULINUX": percentOff("Open source discount: 15% off", 15),
	"HAPPYHRS": percentOff("Happy hours: 18% off", 18),
	"OVER9000": {
		name: "9.00 off the order",
		actions: []promotion.Operation{{
			Code: promotion.ActionOrderFixedDiscount,
			Args: promotion.Args{{Name: "discount", Value: "900"}},
		}},
	},
}

var defaultRule = percentOff("Promo code: 10% off", 10)

// couponPromotions maps accepted codes to enabled coupon promotions, each
// usable once per customer, sorted by code.
func couponPromotions(codes []string) []promotion.Promotion {
	out := make([]promotion.Promotion, 0, len(codes))
	for _, raw := range codes {
		code := promotion.NormalizeCode(raw)
		r, ok := rules[code]
		if !ok {
			r = defaultRule
		}
		out = append(out, promotion.Promotion{
			ID:                    "coupon-" + code,
			Name:                  r.name,
			Enabled:               true,
			CouponCode:            code,
			Conditions:            r.conditions,
			Actions:               r.actions,
			PerCustomerUsageLimit: 1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CouponCode < out[j].CouponCode })
	return out
}
