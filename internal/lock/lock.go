// Package lock guards a deployment run against a concurrent run from the
// same sender on the same network. Two such runs would race on nonces.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crownsmarket/deployer/internal/config"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// Locker acquires run locks.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another operator is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript resets the expiry while the key still holds our token.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// client is the subset of *redis.Client the lock uses.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Close() error
}

var (
	_ Locker = (*Redis)(nil)
	_ Locker = Noop{}
)

// Redis is a lock shared by every operator using the same Redis server.
type Redis struct {
	client client
	ttl    time.Duration
}

// NewRedis connects to the Redis server named by cfg.
func NewRedis(ctx context.Context, cfg config.LockConfig) (*Redis, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, deperrors.WrapConfiguration("connect to lock redis", err)
	}

	return newRedis(c, cfg.TTL), nil
}

func newRedis(c client, ttl time.Duration) *Redis {
	return &Redis{client: c, ttl: ttl}
}

// Acquire takes the lock for key. It fails at once when another operator
// holds it; runs never queue behind each other. The lock is renewed every
// third of its TTL until released, so a run may outlast the TTL.
func (l *Redis) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, deperrors.WrapConfiguration("acquire run lock", err)
	}
	if !ok {
		return nil, deperrors.NewConfigurationError("run lock %s is held by another deployment", key)
	}

	var (
		stop     = make(chan struct{})
		done     = make(chan struct{})
		lost     atomic.Bool
		stopOnce sync.Once
	)
	go func() {
		defer close(done)
		l.keepAlive(key, token, stop, &lost)
	}()

	return func(ctx context.Context) error {
		stopOnce.Do(func() { close(stop) })
		<-done
		if lost.Load() {
			return fmt.Errorf("release run lock %s: lock was lost during the run", key)
		}

		n, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release run lock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("release run lock %s: lock expired before release", key)
		}
		return nil
	}, nil
}

// keepAlive extends the lock until stop is closed or the lock is found to
// belong to someone else. Failed renewals are retried on the next tick.
func (l *Redis) keepAlive(key, token string, stop <-chan struct{}, lost *atomic.Bool) {
	interval := max(l.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.client.Eval(ctx, extendScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				slog.Warn("failed to renew run lock", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				slog.Warn("run lock lost", slog.String("key", key))
				lost.Store(true)
				return
			}
		}
	}
}

// Close closes the Redis connection.
func (l *Redis) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Noop is the default lock: it always succeeds.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
