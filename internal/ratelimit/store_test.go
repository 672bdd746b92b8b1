package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore_IncrementAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	v, err := store.Increment(ctx, "a", 2, time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 2 {
		t.Errorf("Increment() = %d, want 2", v)
	}

	now = now.Add(30 * time.Second)
	if v, _ := store.Increment(ctx, "a", 3, time.Minute); v != 5 {
		t.Errorf("Increment() = %d, want 5", v)
	}

	// TTL runs from the first write, so the key is gone one minute after it.
	now = now.Add(31 * time.Second)
	v, ok, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok || v != 0 {
		t.Errorf("Get() = (%d, %v), want (0, false)", v, ok)
	}
}

func TestMemoryStore_SetAndLen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "short", 1, time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set(ctx, "forever", 7, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := store.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	now = now.Add(2 * time.Second)
	if got := store.Len(); got != 1 {
		t.Errorf("Len() after expiry = %d, want 1", got)
	}
	if v, ok, _ := store.Get(ctx, "forever"); !ok || v != 7 {
		t.Errorf("Get(forever) = (%d, %v), want (7, true)", v, ok)
	}
}

func TestMemoryStore_IncrementMany(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.IncrementMany(ctx, []Increment{
		{Key: "r", Amount: 1, TTL: time.Minute},
		{Key: "t", Amount: 40, TTL: time.Minute},
		{Key: "r", Amount: 1, TTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("IncrementMany() error = %v", err)
	}

	tests := map[string]int64{"r": 2, "t": 40}
	for key, want := range tests {
		if got, _, _ := store.Get(ctx, key); got != want {
			t.Errorf("Get(%s) = %d, want %d", key, got, want)
		}
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client)
}

func TestRedisStore_Counters(t *testing.T) {
	ctx := context.Background()
	mr, store := newTestRedis(t)

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("Get(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	v, err := store.Increment(ctx, "k", 5, time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 5 {
		t.Errorf("Increment() = %d, want 5", v)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, time.Minute)
	}

	err = store.IncrementMany(ctx, []Increment{
		{Key: "k", Amount: 1, TTL: time.Minute},
		{Key: "j", Amount: 9, TTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("IncrementMany() error = %v", err)
	}
	if got, _, _ := store.Get(ctx, "k"); got != 6 {
		t.Errorf("Get(k) = %d, want 6", got)
	}
	if got, _, _ := store.Get(ctx, "j"); got != 9 {
		t.Errorf("Get(j) = %d, want 9", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("Get(k) after expiry: want absent")
	}
	if _, ok, _ := store.Get(ctx, "j"); !ok {
		t.Error("Get(j) after two minutes: want present")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, store := newTestRedis(t)
	mr.Close()

	if _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Error("Get() on closed server: want error")
	}
	if err := store.IncrementMany(context.Background(), []Increment{{Key: "k", Amount: 1}}); err == nil {
		t.Error("IncrementMany() on closed server: want error")
	}
}
