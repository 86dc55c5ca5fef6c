// Package lock serialises code allocation across callers. The store already
// serialises writers; a lock only narrows contention on the code range.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker hands out a release func for key. Release is always non-nil.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process per-key lock. Each key is a one-slot channel.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: map[string]chan struct{}{}}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// Redis takes a redislock lease per key so several wirline processes sharing
// one database agree on who allocates next. It is best effort: when redis is
// down or the lease is busy past the retry budget the caller proceeds and the
// store's write lock still keeps codes unique.
type Redis struct {
	Client *redislock.Client
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewRedis(addr string, ttl time.Duration, logger *logrus.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Redis{Client: redislock.New(rdb), TTL: ttl, Logger: logger}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lk, err := r.Client.Obtain(ctx, "lock:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return func() {}, ctxErr
		}
		entry := r.logger().WithFields(logrus.Fields{"key": key})
		if errors.Is(err, redislock.ErrNotObtained) {
			entry.Warn("could not obtain redis lock; proceeding without redis lock")
		} else {
			entry.WithError(err).Warn("error obtaining redis lock; proceeding without redis lock")
		}
		return func() {}, nil
	}
	return func() {
		if err := lk.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger().WithError(err).WithField("key", key).Warn("release redis lock")
		}
	}, nil
}

func (r *Redis) logger() *logrus.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}
