// Package cache provides bounded, expiring key/value stores used for rate limiting and
// deduplication state that must not live in ad hoc process maps.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidCapacity indicates that a memory store was configured without room for entries.
	ErrInvalidCapacity = errors.New("cache: capacity must be positive")
)

// Store is a string-keyed cache with a store-wide time-to-live.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
}

// MemoryConfig configures an in-process store.
type MemoryConfig struct {
	Capacity int
	TTL      time.Duration
	Clock    func() time.Time
}

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an LRU-bounded store whose expiry is evaluated against an injected clock.
type Memory[V any] struct {
	entries *lru.Cache[string, memoryEntry[V]]
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemory constructs an in-process store.
func NewMemory[V any](cfg MemoryConfig) (*Memory[V], error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	entries, err := lru.New[string, memoryEntry[V]](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: create lru: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Memory[V]{entries: entries, ttl: cfg.TTL, clock: clock}, nil
}

// Get returns a live entry. Expired entries are evicted on read.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	value, ok := m.load(key)
	return value, ok, nil
}

// Set stores value, resetting its expiry.
func (m *Memory[V]) Set(_ context.Context, key string, value V) error {
	m.entries.Add(key, m.newEntry(value))
	return nil
}

// Delete removes key.
func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// LoadOrStore returns the live value for key, creating and storing one when absent.
func (m *Memory[V]) LoadOrStore(key string, create func() V) V {
	if value, ok := m.load(key); ok {
		return value
	}
	entry := m.newEntry(create())
	previous, found, _ := m.entries.PeekOrAdd(key, entry)
	if found && !m.expired(previous) {
		return previous.value
	}
	if found {
		m.entries.Add(key, entry)
	}
	return entry.value
}

// Len reports the number of stored entries, including ones not yet evicted for expiry.
func (m *Memory[V]) Len() int {
	return m.entries.Len()
}

func (m *Memory[V]) load(key string) (V, bool) {
	entry, ok := m.entries.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if m.expired(entry) {
		m.entries.Remove(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (m *Memory[V]) newEntry(value V) memoryEntry[V] {
	entry := memoryEntry[V]{value: value}
	if m.ttl > 0 {
		entry.expiresAt = m.clock().Add(m.ttl)
	}
	return entry
}

func (m *Memory[V]) expired(entry memoryEntry[V]) bool {
	if entry.expiresAt.IsZero() {
		return false
	}
	return !m.clock().Before(entry.expiresAt)
}
