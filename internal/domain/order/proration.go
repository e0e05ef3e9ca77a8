package order

import (
	"sort"

	"github.com/shopspring/decimal"
)

// prorate splits amount across weights in proportion to each weight. Every
// share is at most its weight and the shares sum to min(amount, Σweights).
//
// Shares are floored first; the remainder goes to the largest weight (first
// index on ties) and spills to the next largest once a share reaches its
// weight.
func prorate(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if amount <= 0 || total == 0 {
		return shares
	}
	amount = min(amount, total)

	a := decimal.NewFromInt(amount)
	t := decimal.NewFromInt(total)
	var assigned int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		q, _ := a.Mul(decimal.NewFromInt(w)).QuoRem(t, 0)
		shares[i] = q.IntPart()
		assigned += shares[i]
	}

	remainder := amount - assigned
	if remainder == 0 {
		return shares
	}
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return weights[order[i]] > weights[order[j]]
	})
	for _, i := range order {
		if remainder == 0 {
			break
		}
		room := weights[i] - shares[i]
		if room <= 0 {
			continue
		}
		give := min(room, remainder)
		shares[i] += give
		remainder -= give
	}
	return shares
}

// splitEven splits amount into n near-equal parts, earlier parts taking the
// extra units.
func splitEven(amount int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	parts := make([]int64, n)
	base := amount / int64(n)
	extra := amount % int64(n)
	for i := range parts {
		parts[i] = base
		if int64(i) < extra {
			parts[i]++
		}
	}
	return parts
}
