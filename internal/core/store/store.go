// Package store provides the persistence adapter the semantic cache
// sits on: a plain key/value contract with in-memory, Redis, and gorm
// implementations. The ledger and audit log do not use it; they take a
// *gorm.DB directly.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Adapter is the persistence contract. Get returns (nil, false, nil) on
// a miss, never an error, so callers don't need to special-case "not
// found" vs "failed" beyond checking the error.
type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns every key under prefix; used by eviction/export paths.
	// Implementations that cannot scan efficiently may return a snapshot.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Memory is the default, always-available in-process adapter. It never
// fails, matching the "in-memory fallback must never fail" shared
// resource policy every store.Adapter implementation follows.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]memEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = memEntry{value: value, expiresAt: exp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if hasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) == 0 {
		return true
	}
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Fallback wraps a possibly-unavailable adapter and demotes every
// failure to Memory, logging exactly one warning the first time it
// falls back — the "one-time warning" behavior expected from the
// persistence layer.
type Fallback struct {
	primary  Adapter
	fallback *Memory
	logger   *zap.Logger

	warnOnce sync.Once
	onFallback func()
}

func NewFallback(primary Adapter, logger *zap.Logger) *Fallback {
	return &Fallback{primary: primary, fallback: NewMemory(), logger: logger}
}

// OnFallback registers a callback invoked (once) the first time the
// primary adapter fails and this wrapper demotes to memory, e.g. so a
// caller can emit a storage:error event.
func (f *Fallback) OnFallback(cb func()) { f.onFallback = cb }

func (f *Fallback) warn(op string, err error) {
	f.warnOnce.Do(func() {
		f.logger.Warn("persistence adapter unavailable, falling back to in-memory store",
			zap.String("op", op), zap.Error(err))
		if f.onFallback != nil {
			f.onFallback()
		}
	})
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if err != nil {
		f.warn("get", err)
		return f.fallback.Get(ctx, key)
	}
	return v, ok, nil
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.warn("set", err)
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return nil
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	if err := f.primary.Delete(ctx, key); err != nil {
		f.warn("delete", err)
		return f.fallback.Delete(ctx, key)
	}
	return nil
}

func (f *Fallback) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := f.primary.Scan(ctx, prefix)
	if err != nil {
		f.warn("scan", err)
		return f.fallback.Scan(ctx, prefix)
	}
	return keys, nil
}
