package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-order-core/internal/domain/order"
)

// --- Mock implementations ---

type mockLister struct {
	ids []string
	err error
}

func (m *mockLister) ListActive(context.Context) ([]string, error) {
	return m.ids, m.err
}

type mockRepricer struct {
	mu       sync.Mutex
	seen     []string
	fail     map[string]error
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (m *mockRepricer) Reprice(_ context.Context, id string) (*order.Order, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.delay)

	m.mu.Lock()
	m.seen = append(m.seen, id)
	m.mu.Unlock()
	if err := m.fail[id]; err != nil {
		return nil, err
	}
	return &order.Order{ID: id}, nil
}

// --- Tests ---

func TestRepriceAll(t *testing.T) {
	lister := &mockLister{ids: []string{"o1", "o2", "o3", "o4", "o5", "o6"}}
	svc := &mockRepricer{
		delay: 5 * time.Millisecond,
		fail: map[string]error{
			"o2": order.ErrNotFound,
			"o5": errors.New("boom"),
		},
	}
	r := NewRepricer(lister, svc, zaptest.NewLogger(t), 2)

	n, err := r.RepriceAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	assert.ElementsMatch(t, lister.ids, svc.seen)
	assert.LessOrEqual(t, svc.peak.Load(), int32(2))
}

func TestRepriceAll_ListError(t *testing.T) {
	r := NewRepricer(&mockLister{err: errors.New("db down")}, &mockRepricer{}, zaptest.NewLogger(t), 1)

	_, err := r.RepriceAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRepricer_TriggersCoalesce(t *testing.T) {
	svc := &mockRepricer{}
	r := NewRepricer(&mockLister{ids: []string{"o1"}}, svc, zaptest.NewLogger(t), 1)

	r.Trigger()
	r.Trigger()
	r.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.seen) == 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.seen, 1)
}
