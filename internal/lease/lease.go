package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lease owned by someone else.
var ErrNotHeld = errors.New("lease not held")

// Locker grants the single active consumer of a partition.
type Locker interface {
	// Acquire takes or renews the lease on key. It reports false when another owner holds it.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds partition leases in Redis. Each process has one owner token, so a
// process renews its own leases and never steals another's before the TTL runs out.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	owner     string
	ttl       time.Duration
}

func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		owner:     uuid.NewString(),
		ttl:       ttl,
	}
}

// Owner returns the token this locker writes into held keys.
func (l *RedisLocker) Owner() string {
	return l.owner
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	key = l.keyPrefix + key
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	extended, err := extendScript.Run(ctx, l.client, []string{key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	return extended == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	key = l.keyPrefix + key
	released, err := releaseScript.Run(ctx, l.client, []string{key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	if released == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLocker is the lease used when no Redis is configured. The process is the only consumer,
// so every Acquire succeeds and renews.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = struct{}{}
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; !ok {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}
