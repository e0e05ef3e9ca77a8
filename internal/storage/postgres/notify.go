package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CacheChannel is the notification channel the schema triggers publish to.
// The payload is the name of the changed topic.
const CacheChannel = "order_core_cache"

// Topics published on CacheChannel.
const (
	TopicPromotions = "promotions"
	TopicTax        = "tax"
)

// Listener dispatches cache change notifications to per-topic handlers.
type Listener struct {
	pool     *pgxpool.Pool
	lg       *zap.Logger
	handlers map[string]func(ctx context.Context)
	backoff  time.Duration
}

// NewListener returns a Listener on pool.
func NewListener(pool *pgxpool.Pool, lg *zap.Logger) *Listener {
	return &Listener{
		pool:     pool,
		lg:       lg,
		handlers: make(map[string]func(ctx context.Context)),
		backoff:  time.Second,
	}
}

// Handle registers fn for topic. Handlers run on the listener goroutine.
func (l *Listener) Handle(topic string, fn func(ctx context.Context)) {
	l.handlers[topic] = fn
}

// Run listens until ctx is done. A lost connection is re-acquired, and every
// handler runs once after each (re)connect so no change is missed in between.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.lg.Warn("Cache listener disconnected", zap.Error(err), zap.Duration("backoff", l.backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{CacheChannel}.Sanitize()); err != nil {
		return errors.Wrap(err, "listen")
	}
	for _, fn := range l.handlers {
		fn(ctx)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait")
		}
		fn, ok := l.handlers[n.Payload]
		if !ok {
			l.lg.Debug("Unhandled cache topic", zap.String("topic", n.Payload))
			continue
		}
		fn(ctx)
	}
}

// Notify publishes topic on CacheChannel.
func Notify(ctx context.Context, pool *pgxpool.Pool, topic string) error {
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", CacheChannel, topic); err != nil {
		return errors.Wrapf(err, "notify %q", topic)
	}
	return nil
}
