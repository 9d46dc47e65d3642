package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// ErrLeaseLost is the cause of a lease context cancelled because the lock expired or was taken over.
var ErrLeaseLost = errors.New("lock lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a lease lock shared by every instance of the service.
// Leases are refreshed while held so long provider calls do not lose the lock.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	prefix    string
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retryWait: 25 * time.Millisecond,
		prefix:    "lock:",
	}
}

// Acquire polls SET NX until the lease is won or ctx is done. The returned context is cancelled with
// ErrLeaseLost if a refresh finds the lease gone, and on release.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	go l.refresh(lockKey, token, stop, cancel)

	var once sync.Once
	return leaseCtx, func() {
		once.Do(func() {
			close(stop)
			cancel(nil)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				telemetry.Logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) refresh(lockKey, token string, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				telemetry.Logger.Warn("Failed to refresh lock lease", zap.String("key", lockKey), zap.Error(err))
				continue
			}
			if n == 0 {
				telemetry.Logger.Error("Lock lease lost", zap.String("key", lockKey))
				lost(ErrLeaseLost)
				return
			}
		}
	}
}
