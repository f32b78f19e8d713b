package lockx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "session-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, m.size())
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx2, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	unlock()
	assert.Equal(t, 0, m.size())
}

func TestRedisLocker_UnreachableFailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	l := NewRedisLocker(client, "cognisync:lock:", 0)
	assert.Equal(t, 5*time.Minute, l.ttl)

	_, err := l.Lock(context.Background(), "session-1")
	require.Error(t, err)
}

func TestNewRedisClient_PingFailure(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func newMiniRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, "cognisync:lock:", time.Minute)
	l.retry = 10 * time.Millisecond
	return l, mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	l, mr := newMiniRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "therapy_session:s-1")
	require.NoError(t, err)

	key := "cognisync:lock:therapy_session:s-1"
	token, err := mr.Get(key)
	require.NoError(t, err)
	assert.Len(t, token, 32)
	assert.Equal(t, time.Minute, mr.TTL(key))

	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedisLocker_SecondCallerWaitsForRelease(t *testing.T) {
	l, _ := newMiniRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		u, err := l.Lock(ctx, "k")
		if assert.NoError(t, err) {
			acquired <- u
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second caller got a held lock")
	case <-time.After(80 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never acquired the released lock")
	}
}

func TestRedisLocker_HeldByOtherOwnerTimesOut(t *testing.T) {
	l, mr := newMiniRedisLocker(t)
	require.NoError(t, mr.Set("cognisync:lock:k", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	got, err := mr.Get("cognisync:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ReleaseChecksOwner(t *testing.T) {
	l, mr := newMiniRedisLocker(t)
	key := "cognisync:lock:k"

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// The TTL ran out and another replica took the key.
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key))
	require.NoError(t, mr.Set(key, "new-owner"))

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "new-owner", got)
}

func TestRedisLocker_ExpiredHolderFreesKey(t *testing.T) {
	l, mr := newMiniRedisLocker(t)
	ctx := context.Background()

	_, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(time.Minute + time.Second)

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}
