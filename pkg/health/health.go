// Package health runs background probes and serves their aggregate state on
// liveness and readiness endpoints.
//
// A probe flips to unhealthy only after a run of consecutive failures and
// back to healthy after a run of consecutive successes, so a single slow
// query does not take the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Kind selects the endpoint a probe contributes to.
type Kind int

const (
	// Liveness probes failing means the process should be restarted.
	Liveness Kind = iota
	// Readiness probes failing means the instance should get no traffic.
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Option tunes a registered probe.
type Option func(p *probe)

// WithTimeout bounds a single probe run. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(p *probe) { p.timeout = d }
}

// WithFailureThreshold sets how many consecutive failures mark the probe
// unhealthy. Default 3.
func WithFailureThreshold(n int) Option {
	return func(p *probe) { p.failAfter = max(n, 1) }
}

// WithSuccessThreshold sets how many consecutive successes mark the probe
// healthy again. Default 1.
func WithSuccessThreshold(n int) Option {
	return func(p *probe) { p.okAfter = max(n, 1) }
}

type probe struct {
	name      string
	kind      Kind
	fn        Probe
	timeout   time.Duration
	failAfter int
	okAfter   int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the probe's goroutine.
	fails int
	oks   int
}

func (p *probe) observe(ctx context.Context, lg *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.fn(runCtx)
	cancel()
	p.lastErr.Store(&err)

	was := p.healthy.Load()
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failAfter {
			p.healthy.Store(false)
		}
	} else {
		p.fails = 0
		p.oks++
		if p.oks >= p.okAfter {
			p.healthy.Store(true)
		}
	}

	if now := p.healthy.Load(); now != was {
		lg.Info("Probe state changed",
			zap.String("probe", p.name),
			zap.Stringer("kind", p.kind),
			zap.Bool("healthy", now),
			zap.Error(err),
		)
	}
}

func (p *probe) failure() string {
	if ep := p.lastErr.Load(); ep != nil && *ep != nil {
		return (*ep).Error()
	}
	return "unhealthy"
}

// Monitor owns a set of probes and the manual readiness switch. Instances
// start not ready.
type Monitor struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
}

// NewMonitor creates a Monitor that logs probe flips to lg.
func NewMonitor(lg *zap.Logger) *Monitor {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Monitor{lg: lg}
}

// Register adds a probe. Probes start healthy. Register before Run.
func (m *Monitor) Register(kind Kind, name string, fn Probe, opts ...Option) {
	p := &probe{
		name:      name,
		kind:      kind,
		fn:        fn,
		timeout:   5 * time.Second,
		failAfter: 3,
		okAfter:   1,
	}
	for _, o := range opts {
		o(p)
	}
	p.healthy.Store(true)

	m.mu.Lock()
	m.probes = append(m.probes, p)
	m.mu.Unlock()
}

// Run drives every probe once immediately and then every interval until ctx
// is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	m.mu.RLock()
	probes := append([]*probe(nil), m.probes...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.observe(ctx, m.lg)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// SetReady flips the manual readiness switch.
func (m *Monitor) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Ready reports whether the switch is on and every readiness probe is
// healthy.
func (m *Monitor) Ready() bool {
	return m.ready.Load() && len(m.failures(Readiness)) == 0
}

func (m *Monitor) failures(kind Kind) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range m.probes {
		if p.kind == kind && !p.healthy.Load() {
			out[p.name] = p.failure()
		}
	}
	return out
}

// Handler serves the state of kind's probes: 200 {"status":"ok"} or 503 with
// the failing probes. Readiness also fails while the switch is off.
func (m *Monitor) Handler(kind Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failures := m.failures(kind)
		if kind == Readiness && !m.ready.Load() {
			failures["_readiness"] = "instance is not ready"
		}
		write(w, failures)
	})
}

func write(w http.ResponseWriter, failures map[string]string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
	} else {
		e.Str("unhealthy")
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)

		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failures[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	if len(failures) == 0 {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(e.Bytes())
}
