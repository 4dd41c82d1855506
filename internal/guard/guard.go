// Package guard tracks sends that are currently in flight so a credential
// refresh never starts underneath one.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
)

type Registry struct {
	count   atomic.Int64
	mu      sync.Mutex
	waiters []func()
	idle    chan struct{}
}

func New() *Registry {
	r := &Registry{idle: make(chan struct{})}
	close(r.idle)
	return r
}

// Acquire registers one in-flight send. The returned release func is
// idempotent.
func (r *Registry) Acquire() (release func()) {
	r.mu.Lock()
	if r.count.Add(1) == 1 {
		r.idle = make(chan struct{})
	}
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(r.release) }
}

func (r *Registry) release() {
	r.mu.Lock()
	if r.count.Add(-1) != 0 {
		r.mu.Unlock()
		return
	}
	close(r.idle)
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

func (r *Registry) Count() int { return int(r.count.Load()) }

func (r *Registry) Empty() bool { return r.count.Load() == 0 }

// OnEmpty calls fn once the registry next becomes empty, or right away if it
// already is. fn runs on the goroutine of the last release.
func (r *Registry) OnEmpty(fn func()) {
	r.mu.Lock()
	if r.count.Load() == 0 {
		r.mu.Unlock()
		fn()
		return
	}
	r.waiters = append(r.waiters, fn)
	r.mu.Unlock()
}

// Wait blocks until no send is in flight or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
