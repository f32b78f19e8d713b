package lockx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when the lock is still held when ctx expires.
var ErrLockTimeout = errors.New("lock wait timed out")

// NewRedisClient connects to addr and pings it with a short timeout.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// RedisLocker is a Locker backed by SET NX PX with a random owner token.
// The TTL bounds how long a crashed holder can block others; it must exceed
// the longest expected secure erase.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 100 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := common.MakeRandHexString(16)
	if err != nil {
		return nil, err
	}
	full := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("redis lock %s: %w: %v", key, ErrLockTimeout, ctx.Err())
		case <-t.C:
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{full}, token).Err()
	}, nil
}
