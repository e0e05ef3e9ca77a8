package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// --- Helpers ---

func passing() Probe {
	return func(context.Context) error { return nil }
}

func failing(msg string) Probe {
	return func(context.Context) error { return errors.New(msg) }
}

type response struct {
	Status string
	Checks map[string]string
}

func serve(t *testing.T, m *Monitor, kind Kind) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler(kind).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var r response
	d := jx.DecodeBytes(w.Body.Bytes())
	require.NoError(t, d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			r.Status = s
			return err
		case "checks":
			r.Checks = make(map[string]string)
			return d.Obj(func(d *jx.Decoder, name string) error {
				s, err := d.Str()
				r.Checks[name] = s
				return err
			})
		default:
			return d.Skip()
		}
	}))
	return w.Code, r
}

func observe(m *Monitor, times int) {
	for range times {
		for _, p := range m.probes {
			p.observe(context.Background(), m.lg)
		}
	}
}

// --- Tests ---

func TestLiveness(t *testing.T) {
	tests := []struct {
		name       string
		probe      Probe
		runs       int
		wantCode   int
		wantChecks map[string]string
	}{
		{name: "healthy", probe: passing(), runs: 3, wantCode: http.StatusOK},
		{name: "failing below threshold", probe: failing("slow"), runs: 2, wantCode: http.StatusOK},
		{
			name:       "failing at threshold",
			probe:      failing("connection refused"),
			runs:       3,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(zaptest.NewLogger(t))
			m.Register(Liveness, "postgres", tt.probe)
			observe(m, tt.runs)

			code, body := serve(t, m, Liveness)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantChecks, body.Checks)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
			} else {
				assert.Equal(t, "unhealthy", body.Status)
			}
		})
	}
}

func TestReadiness_Switch(t *testing.T) {
	m := NewMonitor(nil)
	m.Register(Readiness, "cache", passing())

	code, body := serve(t, m, Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "instance is not ready", body.Checks["_readiness"])
	assert.False(t, m.Ready())

	m.SetReady(true)
	code, _ = serve(t, m, Readiness)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, m.Ready())

	m.SetReady(false)
	assert.False(t, m.Ready())
}

func TestReadiness_IgnoresLivenessProbes(t *testing.T) {
	m := NewMonitor(nil)
	m.Register(Liveness, "goroutines", failing("too many"), WithFailureThreshold(1))
	m.Register(Readiness, "postgres", passing())
	m.SetReady(true)
	observe(m, 1)

	code, _ := serve(t, m, Readiness)
	assert.Equal(t, http.StatusOK, code)
	code, _ = serve(t, m, Liveness)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRecovery(t *testing.T) {
	var healthy atomic.Bool
	probe := func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}

	m := NewMonitor(nil)
	m.Register(Readiness, "redis", probe, WithFailureThreshold(1), WithSuccessThreshold(2))
	m.SetReady(true)

	observe(m, 1)
	assert.False(t, m.Ready())

	healthy.Store(true)
	observe(m, 1)
	assert.False(t, m.Ready(), "one success is below the threshold")
	observe(m, 1)
	assert.True(t, m.Ready())
}

func TestProbeTimeout(t *testing.T) {
	m := NewMonitor(nil)
	m.Register(Liveness, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithFailureThreshold(1))

	observe(m, 1)

	_, body := serve(t, m, Liveness)
	assert.Equal(t, context.DeadlineExceeded.Error(), body.Checks["slow"])
}

func TestRun(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(nil)
	m.Register(Liveness, "counter", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		builtAt time.Time
		wantErr string
	}{
		{name: "fresh", builtAt: now.Add(-time.Minute)},
		{name: "stale", builtAt: now.Add(-2 * time.Hour), wantErr: "built 2h0m0s ago, max 1h0m0s"},
		{name: "never built", wantErr: "never built"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := freshness(func() time.Time { return tt.builtAt }, time.Hour, clock)(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestGoroutineLimit(t *testing.T) {
	assert.NoError(t, GoroutineLimit(1_000_000)(context.Background()))
	assert.Error(t, GoroutineLimit(0)(context.Background()))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	assert.NoError(t, Ping(pinger{})(context.Background()))
	assert.EqualError(t, Ping(pinger{err: errors.New("refused")})(context.Background()), "refused")
}
