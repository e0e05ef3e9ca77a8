package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRound(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"5452.5", 5453},
		{"5452.4999", 5452},
		{"5997.75", 5998},
		{"0", 0},
		{"0.5", 1},
		{"-0.5", 0},
		{"-1.5", -1},
		{"-1.51", -2},
		{"7851.6", 7852},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Round(decimal.RequireFromString(tt.in)))
		})
	}
}

func TestPercentAndFactor(t *testing.T) {
	assert.True(t, decimal.RequireFromString("1308.6").Equal(Percent(Dec(6543), decimal.NewFromInt(20))))
	assert.True(t, decimal.RequireFromString("1.2").Equal(Factor(decimal.NewFromInt(20))))
	assert.True(t, Zero.Equal(FloorAtZero(decimal.NewFromInt(-3))))
	assert.Equal(t, int64(6), Sum(1, 2, 3))
}
