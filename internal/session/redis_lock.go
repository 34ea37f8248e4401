package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLockLease = 30 * time.Second
	lockRetry        = 25 * time.Millisecond
	lockReleaseWait  = 2 * time.Second
)

// Only the holder's token may touch the key.
var (
	releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocks serialises work per session id across every process sharing
// the Redis server. A lock is a key holding a random token with a lease; the
// holder renews the lease until it unlocks, so a crashed holder frees the
// session once the lease runs out.
type RedisLocks struct {
	client *redis.Client
	lease  time.Duration
	retry  time.Duration
}

func NewRedisLocks(client *redis.Client, lease time.Duration) *RedisLocks {
	if lease <= 0 {
		lease = defaultLockLease
	}
	return &RedisLocks{client: client, lease: lease, retry: lockRetry}
}

func lockKey(id string) string { return keyPrefix + "lock:" + id }

func (l *RedisLocks) Lock(ctx context.Context, id string) (func(), error) {
	ctx, span := tracer.Start(ctx, "redis.session.lock", trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	key, token := lockKey(id), uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(key, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			rctx, cancel := context.WithTimeout(context.Background(), lockReleaseWait)
			defer cancel()
			_ = releaseLock.Run(rctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// renew extends the lease at a third of its length until stop closes.
func (l *RedisLocks) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.lease/3)
			_ = extendLock.Run(ctx, l.client, []string{key}, token, l.lease.Milliseconds()).Err()
			cancel()
		}
	}
}
