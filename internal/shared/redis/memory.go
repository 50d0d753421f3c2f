package redis

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KV with the same contract as Client, used by
// tests and local development without a Redis instance. Update holds the
// store lock for the whole read-modify-write, giving the same
// no-lost-update guarantee as the WATCH/MULTI transaction.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (m *Memory) MGet(ctx context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = m.data[k]
	}
	return vals, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) Update(ctx context.Context, key string, fn func(cur string, found bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.data[key]
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}
