package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-order-core/internal/domain/tax"
)

func TestLoadCatalog(t *testing.T) {
	c, err := loadCatalog(filepath.Join("..", "..", "db", "seed", "catalog.json"))
	require.NoError(t, err)

	assert.NotEmpty(t, c.ShippingMethods)
	require.NotEmpty(t, c.Promotions)

	snap := tax.NewSnapshot(c.Rates, c.Zones, c.Categories, time.Now())
	zone, ok := snap.ZoneForCountry("de")
	require.True(t, ok)
	assert.Equal(t, "eu", zone)
	assert.True(t, snap.Resolve(zone, "standard").Value.Equal(decimal.NewFromInt(20)))
	assert.True(t, snap.Resolve(zone, "standard", "b2b").IsZero())
	assert.Equal(t, "standard", snap.DefaultCategory())

	var tracked int
	for _, v := range c.Variants {
		if v.Stock != nil {
			tracked++
		}
	}
	assert.Positive(t, tracked)
}

func TestLoadCatalog_InvalidPromotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"promotions": [{"id": "bad", "enabled": true, "actions": [{"code": "no_such_action", "args": []}]}]
	}`), 0o600))

	_, err := loadCatalog(path)
	assert.ErrorContains(t, err, `promotion "bad"`)
}

func TestLoadCatalog_Missing(t *testing.T) {
	_, err := loadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read catalog")
}
