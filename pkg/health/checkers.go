package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes a connection pool.
func Ping(p Pinger) Probe {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// GoroutineLimit fails when the process runs more than limit goroutines.
func GoroutineLimit(limit int) Probe {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines, limit %d", n, limit)
		}
		return nil
	}
}

// Freshness fails when builtAt reports a time older than maxAge, or the zero
// time (never built).
func Freshness(builtAt func() time.Time, maxAge time.Duration) Probe {
	return freshness(builtAt, maxAge, time.Now)
}

func freshness(builtAt func() time.Time, maxAge time.Duration, now func() time.Time) Probe {
	return func(context.Context) error {
		at := builtAt()
		if at.IsZero() {
			return errors.New("never built")
		}
		if age := now().Sub(at); age > maxAge {
			return errors.Errorf("built %s ago, max %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
