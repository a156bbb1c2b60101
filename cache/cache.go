// Package cache stores successful UDF results by request hash.
//
// The cache is an optimization only: every error is logged by the caller and
// the request is executed as if the cache were empty.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/isdmx/openeo-udf/udf"
)

// Cache stores results keyed by the canonical request hash
type Cache interface {
	Get(ctx context.Context, key string) (*udf.Result, bool, error)
	Set(ctx context.Context, key string, res *udf.Result) error
	Close() error
}

// Noop never stores anything
type Noop struct{}

func (Noop) Get(context.Context, string) (*udf.Result, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, *udf.Result) error         { return nil }
func (Noop) Close() error                                           { return nil }

type memoryEntry struct {
	res     *udf.Result
	expires time.Time
}

// Memory is a process-local cache used when no Redis address is configured
type Memory struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory creates a Memory cache holding at most maxSize results
func NewMemory(ttl time.Duration, maxSize int) *Memory {
	return &Memory{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) (*udf.Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.res, true, nil
}

func (m *Memory) Set(_ context.Context, key string, res *udf.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictLocked()
	}
	m.entries[key] = memoryEntry{res: res, expires: m.now().Add(m.ttl)}
	return nil
}

// evictLocked drops expired entries, or the entry closest to expiry if none
func (m *Memory) evictLocked() {
	now := m.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if m.ttl > 0 && now.After(e.expires) {
			delete(m.entries, k)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if len(m.entries) >= m.maxSize && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) Close() error { return nil }
