package cache

import (
	"context"
	"time"
)

// InsertAsync runs Insert on its own goroutine and delivers the outcome through the manager's
// executor exactly once.
func (m *Manager) InsertAsync(ctx context.Context, key string, value any, ttl time.Duration,
	done func(error)) {
	go func() {
		err := m.Insert(ctx, key, value, ttl)
		m.executor.Do(func() { done(err) })
	}()
}

// GetAsync runs Get on its own goroutine and delivers the value or error through the manager's
// executor exactly once.
func GetAsync[T any](ctx context.Context, m *Manager, key string, done func(T, error)) {
	go func() {
		value, err := Get[T](ctx, m, key)
		m.executor.Do(func() { done(value, err) })
	}()
}

// InvalidateAsync runs Invalidate on its own goroutine and delivers the outcome through the
// manager's executor exactly once.
func (m *Manager) InvalidateAsync(ctx context.Context, key string, done func(error)) {
	go func() {
		err := m.Invalidate(ctx, key)
		m.executor.Do(func() { done(err) })
	}()
}
