package lock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// ErrNotAcquired is returned by TryLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another owner")

// RedisConfig configures a Redis lock.
type RedisConfig struct {
	// Prefix is prepended to every key.
	Prefix string
	// TTL bounds how long a crashed holder can block others. Locks taken
	// with Lock are extended every TTL/3 while held.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// Redis is a distributed keyed lock built on SET NX with a token-checked
// release, so a holder never deletes a lock it no longer owns.
//
// There is no fencing token: a holder paused for longer than TTL (GC, network
// partition) can lose the lock without noticing. Writers must still reject
// stale writes themselves; order saves do so with their version check.
type Redis struct {
	client redis.UniversalClient
	script *redis.Script
	extend *redis.Script
	cfg    RedisConfig
}

// NewRedis creates a Redis lock.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		extend: redis.NewScript(extendScript),
		cfg:    cfg,
	}
}

// TryLock makes a single acquisition attempt and returns the owner token.
func (r *Redis) TryLock(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.New("lock key is empty")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.cfg.Prefix+key, token, r.cfg.TTL).Result()
	if err != nil {
		return "", errors.Wrap(err, "setnx")
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// Lock retries TryLock until it succeeds or ctx is done. The lock is kept
// alive until the returned function is called.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		token, err := r.TryLock(ctx, key)
		if err == nil {
			stop := r.keepAlive(ctx, key, token)
			return func() {
				stop()
				r.unlock(ctx, key, token)
			}, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "lock %s", key)
		case <-ticker.C:
		}
	}
}

// Extend resets the TTL of key if token still owns it and reports whether
// it did.
func (r *Redis) Extend(ctx context.Context, key, token string) (bool, error) {
	n, err := r.extend.Run(ctx, r.client, []string{r.cfg.Prefix + key}, token, r.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "extend")
	}
	return n == 1, nil
}

// keepAlive extends the lock every TTL/3 until stop is called or the lock
// is lost.
func (r *Redis) keepAlive(ctx context.Context, key, token string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.Extend(ctx, key, token)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				zctx.From(ctx).Warn("Extend lock",
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				zctx.From(ctx).Error("Lock lost",
					zap.String("key", key),
				)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Release deletes key if token still owns it.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return r.script.Run(ctx, r.client, []string{r.cfg.Prefix + key}, token).Err()
}

func (r *Redis) unlock(ctx context.Context, key, token string) {
	// Release even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.Release(ctx, key, token); err != nil {
		zctx.From(ctx).Warn("Release lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
