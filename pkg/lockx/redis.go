package lockx

import (
	"context"
	"fmt"
	"time"

	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "credcore:lock:"

// Deletes the key only when it still holds our token.
var releaseLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Pushes the expiry out only when the key still holds our token.
var extendLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so every instance of the job
// runner shares one lock.
type RedisLocker struct {
	redis *redis.Client
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{redis: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}

	key := lockKeyPrefix + name
	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lockx: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLock{redis: l.redis, key: key, token: token}, nil
}

type redisLock struct {
	redis *redis.Client
	key   string
	token string
}

func (k *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendLua.Run(ctx, k.redis, []string{k.key}, k.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lockx: extend %s: %w", k.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (k *redisLock) Unlock(ctx context.Context) error {
	if err := releaseLua.Run(ctx, k.redis, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("lockx: release %s: %w", k.key, err)
	}
	return nil
}
