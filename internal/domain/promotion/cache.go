package promotion

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/singleflight"
)

// Snapshot is an immutable view of all promotions, sorted in evaluation
// order.
type Snapshot struct {
	promotions []Promotion
	byID       map[string]Promotion
	byCode     map[string]Promotion
	builtAt    time.Time
}

// NewSnapshot sorts and indexes promotions. When several promotions share a
// coupon code an enabled one is preferred, then the first in evaluation order.
func NewSnapshot(promotions []Promotion, builtAt time.Time) *Snapshot {
	sorted := make([]Promotion, len(promotions))
	copy(sorted, promotions)
	SortByPriority(sorted)

	s := &Snapshot{
		promotions: sorted,
		byID:       make(map[string]Promotion, len(sorted)),
		byCode:     make(map[string]Promotion),
		builtAt:    builtAt,
	}
	for _, p := range sorted {
		s.byID[p.ID] = p
		if p.CouponCode == "" {
			continue
		}
		code := NormalizeCode(p.CouponCode)
		if prev, ok := s.byCode[code]; ok && (prev.Enabled || !p.Enabled) {
			continue
		}
		s.byCode[code] = p
	}
	return s
}

// Promotions returns every promotion in evaluation order. The slice must not
// be modified.
func (s *Snapshot) Promotions() []Promotion {
	return s.promotions
}

// ByID returns a promotion by id.
func (s *Snapshot) ByID(id string) (Promotion, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// ByCode returns the promotion owning a coupon code.
func (s *Snapshot) ByCode(code string) (Promotion, bool) {
	p, ok := s.byCode[NormalizeCode(code)]
	return p, ok
}

// BuiltAt is when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Len returns the number of promotions.
func (s *Snapshot) Len() int {
	return len(s.promotions)
}

// SortByPriority orders promotions by PriorityScore, then CreatedAt, then ID.
func SortByPriority(promotions []Promotion) {
	sort.SliceStable(promotions, func(i, j int) bool {
		a, b := promotions[i], promotions[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore < b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Cache holds the active promotions snapshot.
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
	c.snap.Store(NewSnapshot(nil, time.Time{}))
	return c
}

// Get returns the current snapshot. It is never nil.
func (c *Cache) Get() *Snapshot {
	return c.snap.Load()
}

// Invalidate reloads all promotions and swaps in a new snapshot. Concurrent
// calls share one reload, but a call never returns before a reload that
// started after it.
func (c *Cache) Invalidate(ctx context.Context) error {
	want := c.requested.Add(1)
	for c.built.Load() < want {
		_, err, _ := c.group.Do("rebuild", func() (any, error) {
			gen := c.requested.Load()
			promotions, err := c.source.ListPromotions(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "list promotions")
			}
			c.snap.Store(NewSnapshot(promotions, c.now()))
			c.built.Store(gen)
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
