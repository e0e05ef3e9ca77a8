package tax

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/singleflight"
)

type rateKey struct {
	zone     string
	category string
	group    string
}

// Snapshot is an immutable, indexed view of the tax configuration. It is
// built once and never mutated, so readers need no locking.
type Snapshot struct {
	rates           map[rateKey]Rate
	zones           map[string]Zone
	zoneByCountry   map[string]string
	defaultCategory string
	builtAt         time.Time
}

// NewSnapshot indexes rates, zones and categories. Disabled rates are
// skipped. When several rates share a key the one with the lowest ID wins.
func NewSnapshot(rates []Rate, zones []Zone, categories []Category, builtAt time.Time) *Snapshot {
	s := &Snapshot{
		rates:         make(map[rateKey]Rate, len(rates)),
		zones:         make(map[string]Zone, len(zones)),
		zoneByCountry: make(map[string]string),
		builtAt:       builtAt,
	}

	sorted := make([]Rate, len(rates))
	copy(sorted, rates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, r := range sorted {
		if !r.Enabled {
			continue
		}
		k := rateKey{zone: r.ZoneID, category: r.CategoryID, group: r.CustomerGroupID}
		if _, ok := s.rates[k]; !ok {
			s.rates[k] = r
		}
	}

	sortedZones := make([]Zone, len(zones))
	copy(sortedZones, zones)
	sort.SliceStable(sortedZones, func(i, j int) bool { return sortedZones[i].ID < sortedZones[j].ID })
	for _, z := range sortedZones {
		s.zones[z.ID] = z
		for _, m := range z.Members {
			code := normalizeCountry(m)
			if _, ok := s.zoneByCountry[code]; !ok {
				s.zoneByCountry[code] = z.ID
			}
		}
	}

	for _, c := range categories {
		if c.IsDefault && s.defaultCategory == "" {
			s.defaultCategory = c.ID
		}
	}
	return s
}

// Resolve picks the rate for a zone and category: first a rate restricted to
// one of the customer's groups (in the order given), then an unrestricted
// rate, then ZeroRate.
func (s *Snapshot) Resolve(zoneID, categoryID string, groups ...string) Rate {
	for _, g := range groups {
		if g == "" {
			continue
		}
		if r, ok := s.rates[rateKey{zone: zoneID, category: categoryID, group: g}]; ok {
			return r
		}
	}
	if r, ok := s.rates[rateKey{zone: zoneID, category: categoryID}]; ok {
		return r
	}
	return ZeroRate
}

// ZoneForCountry returns the first zone (by id) containing the country.
func (s *Snapshot) ZoneForCountry(country string) (string, bool) {
	id, ok := s.zoneByCountry[normalizeCountry(country)]
	return id, ok
}

// Zone returns a zone by id.
func (s *Snapshot) Zone(id string) (Zone, bool) {
	z, ok := s.zones[id]
	return z, ok
}

// DefaultCategory returns the id of the default tax category, if any.
func (s *Snapshot) DefaultCategory() string {
	return s.defaultCategory
}

// BuiltAt is when the snapshot was indexed.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Len returns the number of indexed rates.
func (s *Snapshot) Len() int {
	return len(s.rates)
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Cache holds the current tax Snapshot. Invalidate rebuilds a complete new
// snapshot from the Source and swaps it in; in-flight readers keep using the
// previous one.
type Cache struct {
	source Source
	snap   atomic.Pointer[Snapshot]
	group  singleflight.Group
	now    func() time.Time

	// requested counts Invalidate calls; built is the count a rebuild saw
	// before it read the source.
	requested atomic.Uint64
	built     atomic.Uint64
}

// NewCache creates an empty Cache. Call Invalidate to populate it.
func NewCache(source Source) *Cache {
	c := &Cache{source: source, now: time.Now}
	c.snap.Store(NewSnapshot(nil, nil, nil, time.Time{}))
	return c
}

// Get returns the current snapshot. It is never nil.
func (c *Cache) Get() *Snapshot {
	return c.snap.Load()
}

// Invalidate rebuilds the snapshot. Concurrent calls share one rebuild,
// but a call never returns before a rebuild that started after it.
func (c *Cache) Invalidate(ctx context.Context) error {
	want := c.requested.Add(1)
	for c.built.Load() < want {
		_, err, _ := c.group.Do("rebuild", func() (any, error) {
			gen := c.requested.Load()
			rates, err := c.source.ListRates(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "list tax rates")
			}
			zones, err := c.source.ListZones(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "list zones")
			}
			categories, err := c.source.ListCategories(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "list tax categories")
			}
			c.snap.Store(NewSnapshot(rates, zones, categories, c.now()))
			c.built.Store(gen)
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Resolve implements Lookup against the current snapshot.
func (c *Cache) Resolve(zoneID, categoryID string, groups ...string) Rate {
	return c.Get().Resolve(zoneID, categoryID, groups...)
}

// ZoneForCountry implements Lookup against the current snapshot.
func (c *Cache) ZoneForCountry(country string) (string, bool) {
	return c.Get().ZoneForCountry(country)
}
