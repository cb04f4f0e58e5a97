package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/cache"
)

// Locker grants exclusive runs of a named stage. ok is false when the stage
// is already running elsewhere; release must be called after a successful lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}

// LocalLocker excludes concurrent runs inside one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// RedisLocker excludes runs across every process sharing the Redis server.
// The lease expires after ttl even if the holder dies.
type RedisLocker struct {
	client *cache.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisLocker creates a locker on top of a connected Redis client
func NewRedisLocker(client *cache.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	token, ok, err := l.client.AcquireLease(ctx, name, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}

	return func() {
		// the run's context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.ReleaseLease(releaseCtx, name, token); err != nil {
			l.logger.WithField("stage", name).WithError(err).Warn("failed to release stage lease")
		}
	}, true, nil
}
