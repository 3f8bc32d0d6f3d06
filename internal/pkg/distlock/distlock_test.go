package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func redisLockPair(t *testing.T) (Lock, Lock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	a := New(client, nil, "scheduler", time.Minute)
	b := New(client, nil, "scheduler", time.Minute)
	return a, b
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	a, b := redisLockPair(t)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Errorf("second holder should not acquire a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLock_ReleaseIsOwnerChecked(t *testing.T) {
	ctx := context.Background()
	a, b := redisLockPair(t)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatalf("acquire failed")
	}
	// A non-holder release must not free the lock.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Errorf("lock was freed by a non-holder")
	}
}

func TestNew_PicksBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if _, ok := New(client, nil, "k", time.Minute).(*redisLock); !ok {
		t.Errorf("expected redis backend when a client is provided")
	}
	if _, ok := New(nil, nil, "k", time.Minute).(*advisoryLock); !ok {
		t.Errorf("expected advisory backend without a redis client")
	}
}
