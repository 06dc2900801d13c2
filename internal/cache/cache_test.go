package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestMemoryExpiresEntriesAgainstClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store, err := NewMemory[string](MemoryConfig{Capacity: 4, TTL: time.Minute, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if err := store.Set(ctx, "image", "https://cdn/a.jpg"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clock.Advance(59 * time.Second)
	if value, ok, _ := store.Get(ctx, "image"); !ok || value != "https://cdn/a.jpg" {
		t.Fatalf("expected live entry, got %q %v", value, ok)
	}
	clock.Advance(time.Second)
	if _, ok, _ := store.Get(ctx, "image"); ok {
		t.Fatalf("expected entry to expire at ttl")
	}
	if store.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted on read, len=%d", store.Len())
	}
}

func TestMemoryEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	store, err := NewMemory[int](MemoryConfig{Capacity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	_ = store.Set(ctx, "a", 1)
	_ = store.Set(ctx, "b", 2)
	_, _, _ = store.Get(ctx, "a")
	_ = store.Set(ctx, "c", 3)

	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Fatalf("expected least recently used key to be evicted")
	}
	if value, ok, _ := store.Get(ctx, "a"); !ok || value != 1 {
		t.Fatalf("expected recently used key to survive")
	}
}

func TestMemoryLoadOrStoreCreatesOnce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store, err := NewMemory[*int](MemoryConfig{Capacity: 8, TTL: time.Hour, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created := 0
	create := func() *int {
		created++
		value := created
		return &value
	}

	first := store.LoadOrStore("user-1", create)
	second := store.LoadOrStore("user-1", create)
	if first != second || created != 1 {
		t.Fatalf("expected a single creation, created=%d", created)
	}

	clock.Advance(time.Hour)
	third := store.LoadOrStore("user-1", create)
	if third == first || created != 2 {
		t.Fatalf("expected expired entry to be recreated, created=%d", created)
	}
}

func TestNewMemoryRejectsZeroCapacity(t *testing.T) {
	if _, err := NewMemory[string](MemoryConfig{}); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	address := os.Getenv("ROLODEX_TEST_REDIS_ADDRESS")
	if address == "" {
		t.Skip("ROLODEX_TEST_REDIS_ADDRESS not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, address)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	store, err := NewRedis(RedisConfig{Client: client, Prefix: "rolodex-test:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("unexpected get result %q %v %v", value, ok, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected key to be deleted")
	}
}
