// Package pool provides a bounded object pool with asynchronous, FIFO-ordered
// delivery to callers waiting for a free instance.
//
// When every instance is in use and the pool has reached its maximum size,
// Get suspends the caller until another caller returns an instance or the
// caller's context is done. Returned instances are handed straight to the
// oldest waiter that is still interested.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Get once the pool has been closed
	ErrClosed = errors.New("pool: closed")
	// ErrNotPooled is returned when returning an instance the pool did not lend
	ErrNotPooled = errors.New("pool: instance is not in use by this pool")
	// ErrNotReady is returned when a stale pooled object is used after release
	ErrNotReady = errors.New("pool: pooled object is not ready for use")
	// ErrInvalidPolicy is returned by New for an unusable policy
	ErrInvalidPolicy = errors.New("pool: invalid policy")
)

// Policy controls how a pool creates and recycles its instances.
//
// All hooks run while the pool lock is held, with the exception of Destroy,
// which runs after Close has released it.
type Policy[T comparable] struct {
	// MaxSize is the maximum number of instances the pool creates
	MaxSize int
	// Create builds a new instance; required
	Create func() T
	// Initialize prepares an instance each time it is handed out
	Initialize func(T)
	// Reset cleans an instance each time it is returned
	Reset func(T)
	// Destroy releases an instance when the pool is closed
	Destroy func(T)
}

// Pool is a bounded pool of T instances.
type Pool[T comparable] struct {
	policy Policy[T]

	mu      sync.Mutex
	free    []*Pooled[T]
	inUse   map[T]*Pooled[T]
	waiters []*waiter[T]
	created int
	closed  bool
}

type waiter[T comparable] struct {
	ctx    context.Context
	result chan *Pooled[T]
	// done is set once the waiter has been served, cancelled or failed
	done bool
}

// New creates a pool governed by policy.
func New[T comparable](policy Policy[T]) (*Pool[T], error) {
	if policy.MaxSize <= 0 {
		return nil, errors.Join(ErrInvalidPolicy, errors.New("max size must be greater than zero"))
	}
	if policy.Create == nil {
		return nil, errors.Join(ErrInvalidPolicy, errors.New("create function is required"))
	}

	return &Pool[T]{
		policy: policy,
		inUse:  make(map[T]*Pooled[T], policy.MaxSize),
	}, nil
}

// Get hands out a free instance, creates one while under MaxSize, or waits
// for a returned instance. Waiters are served in arrival order.
func (p *Pool[T]) Get(ctx context.Context) (*Pooled[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if n := len(p.free); n > 0 {
		pooled := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.initialize(pooled)
		p.mu.Unlock()
		return pooled, nil
	}

	if len(p.inUse) < p.policy.MaxSize {
		pooled := &Pooled[T]{pool: p, instance: p.policy.Create()}
		p.created++
		p.initialize(pooled)
		p.mu.Unlock()
		return pooled, nil
	}

	w := &waiter[T]{ctx: ctx, result: make(chan *Pooled[T], 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case pooled, ok := <-w.result:
		if !ok {
			return nil, ErrClosed
		}
		return pooled, nil

	case <-ctx.Done():
		p.mu.Lock()
		if w.done {
			// Served or failed between the context firing and taking the lock.
			p.mu.Unlock()
			if pooled, ok := <-w.result; ok {
				return pooled, nil
			}
			return nil, ErrClosed
		}
		w.done = true
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Return gives instance back to the pool.
func (p *Pool[T]) Return(instance T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pooled, ok := p.inUse[instance]
	if !ok {
		if p.closed {
			return nil
		}
		return ErrNotPooled
	}

	p.release(pooled)
	return nil
}

// Close fails every waiter with ErrClosed and destroys all instances, free
// or in use. Closing twice is a no-op.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for _, w := range p.waiters {
		if !w.done {
			w.done = true
			close(w.result)
		}
	}
	p.waiters = nil

	instances := make([]T, 0, len(p.free)+len(p.inUse))
	for _, pooled := range p.free {
		instances = append(instances, pooled.instance)
	}
	for instance, pooled := range p.inUse {
		pooled.ready.Store(false)
		instances = append(instances, instance)
	}
	p.free = nil
	clear(p.inUse)
	p.mu.Unlock()

	if p.policy.Destroy != nil {
		for _, instance := range instances {
			p.policy.Destroy(instance)
		}
	}
	return nil
}

// InUse returns the number of instances currently lent out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Idle returns the number of free instances.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Waiting returns the number of callers suspended in Get.
func (p *Pool[T]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.waiters {
		if !w.done && w.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Created returns how many instances the pool has built.
func (p *Pool[T]) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// MaxSize returns the configured upper bound.
func (p *Pool[T]) MaxSize() int {
	return p.policy.MaxSize
}

// initialize must be called with p.mu held.
func (p *Pool[T]) initialize(pooled *Pooled[T]) {
	pooled.ready.Store(true)
	p.inUse[pooled.instance] = pooled
	if p.policy.Initialize != nil {
		p.policy.Initialize(pooled.instance)
	}
}

// release must be called with p.mu held.
func (p *Pool[T]) release(pooled *Pooled[T]) {
	pooled.ready.Store(false)
	delete(p.inUse, pooled.instance)
	if p.policy.Reset != nil {
		p.policy.Reset(pooled.instance)
	}

	// A fresh wrapper keeps stale references to the old one unusable.
	fresh := &Pooled[T]{pool: p, instance: pooled.instance}

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]

		if w.done {
			continue
		}
		if w.ctx.Err() != nil {
			w.done = true
			continue
		}

		w.done = true
		p.initialize(fresh)
		w.result <- fresh
		return
	}

	p.free = append(p.free, fresh)
}

// Pooled wraps an instance lent out by a Pool.
type Pooled[T comparable] struct {
	pool     *Pool[T]
	instance T
	ready    atomic.Bool
}

// Instance returns the wrapped instance, or ErrNotReady once the object has
// been released.
func (o *Pooled[T]) Instance() (T, error) {
	if !o.ready.Load() {
		var zero T
		return zero, ErrNotReady
	}
	return o.instance, nil
}

// Release returns the instance to its pool. Releasing twice returns ErrNotReady.
func (o *Pooled[T]) Release() error {
	p := o.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if !o.ready.Load() || p.inUse[o.instance] != o {
		return ErrNotReady
	}

	p.release(o)
	return nil
}
