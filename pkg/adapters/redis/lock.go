package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/oklog/ulid/v2"
	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker implements ports.DistributedLocker using Redis.
type Locker struct {
	client *backend.Client
	prefix string

	minPoll time.Duration
	maxPoll time.Duration
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithPollInterval bounds the exponential polling interval used while waiting
// for a held lock.
func WithPollInterval(minPoll, maxPoll time.Duration) LockerOption {
	return func(l *Locker) {
		l.minPoll, l.maxPoll = minPoll, maxPoll
	}
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client:  client,
		prefix:  prefix,
		minPoll: 20 * time.Millisecond,
		maxPoll: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires a distributed lock for the given key using Redis SET NX PX.
// While the lock is held elsewhere it polls with exponential backoff until ctx
// is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := ulid.Make().String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.minPoll
	b.MaxInterval = l.maxPoll
	b.MaxElapsedTime = 0 // ctx decides when to give up

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return l.unlocker(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (l *Locker) unlocker(lockKey, token string) ports.UnlockFunc {
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Int()
		if err != nil {
			return fmt.Errorf("redis error releasing lock: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("release %s: %w", lockKey, domain.ErrLockNotHeld)
		}
		return nil
	}
}
