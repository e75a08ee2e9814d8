package datalist

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Mutex serializes the mutating operations of every list built from one
// Model. Waiters are admitted in submission order. Once admitted, an
// operation runs to completion even if the submitter's context is cancelled.
type Mutex struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
}

func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

func (m *Mutex) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	m.pending.Add(1)
	defer m.pending.Add(-1)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)
	return fn(context.WithoutCancel(ctx))
}

// Pending counts operations that are running or waiting.
func (m *Mutex) Pending() int {
	return int(m.pending.Load())
}

// Wait returns once every operation submitted before it has finished.
func (m *Mutex) Wait(ctx context.Context) error {
	return m.Exec(ctx, func(context.Context) error { return nil })
}

func execValue[T any](ctx context.Context, m *Mutex, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Exec(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
