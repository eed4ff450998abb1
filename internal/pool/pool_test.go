package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id          int
	initialized int
	reset       int
	destroyed   bool
}

func newItemPool(t *testing.T, maxSize int) *Pool[*item] {
	t.Helper()
	var next atomic.Int32
	p, err := New(Policy[*item]{
		MaxSize:    maxSize,
		Create:     func() *item { return &item{id: int(next.Add(1))} },
		Initialize: func(i *item) { i.initialized++ },
		Reset:      func(i *item) { i.reset++ },
		Destroy:    func(i *item) { i.destroyed = true },
	})
	require.NoError(t, err)
	return p
}

func waitForWaiters(t *testing.T, p *Pool[*item], n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Waiting() == n }, time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	t.Run("rejects non-positive max size", func(t *testing.T) {
		_, err := New(Policy[*item]{MaxSize: 0, Create: func() *item { return &item{} }})
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})

	t.Run("rejects missing create function", func(t *testing.T) {
		_, err := New(Policy[*item]{MaxSize: 1})
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})
}

func TestPoolGet(t *testing.T) {
	t.Run("creates instances up to max size", func(t *testing.T) {
		p := newItemPool(t, 2)
		ctx := context.Background()

		a, err := p.Get(ctx)
		require.NoError(t, err)
		b, err := p.Get(ctx)
		require.NoError(t, err)

		ia, _ := a.Instance()
		ib, _ := b.Instance()
		assert.NotSame(t, ia, ib)
		assert.Equal(t, 2, p.Created())
		assert.Equal(t, 2, p.InUse())
		assert.Equal(t, 1, ia.initialized)
	})

	t.Run("reuses a released instance without creating", func(t *testing.T) {
		p := newItemPool(t, 2)
		ctx := context.Background()

		first, err := p.Get(ctx)
		require.NoError(t, err)
		instance, _ := first.Instance()
		require.NoError(t, first.Release())

		second, err := p.Get(ctx)
		require.NoError(t, err)
		again, err := second.Instance()
		require.NoError(t, err)

		assert.Same(t, instance, again)
		assert.Equal(t, 1, p.Created())
		assert.Equal(t, 1, again.reset)
		assert.Equal(t, 2, again.initialized)
	})

	t.Run("blocks at max size until an instance is returned", func(t *testing.T) {
		p := newItemPool(t, 1)
		ctx := context.Background()

		held, err := p.Get(ctx)
		require.NoError(t, err)
		instance, _ := held.Instance()

		got := make(chan *Pooled[*item], 1)
		go func() {
			pooled, err := p.Get(ctx)
			if err == nil {
				got <- pooled
			}
		}()

		waitForWaiters(t, p, 1)
		select {
		case <-got:
			t.Fatal("waiter served before return")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, p.Return(instance))

		select {
		case pooled := <-got:
			served, err := pooled.Instance()
			require.NoError(t, err)
			assert.Same(t, instance, served)
		case <-time.After(time.Second):
			t.Fatal("waiter was not served")
		}
		assert.Equal(t, 1, p.Created())
		assert.Equal(t, 0, p.Idle())
	})

	t.Run("returns context error when cancelled while waiting", func(t *testing.T) {
		p := newItemPool(t, 1)
		_, err := p.Get(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = p.Get(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, p.Created())
	})

	t.Run("serves remaining waiters in order when one is cancelled", func(t *testing.T) {
		p := newItemPool(t, 1)
		held, err := p.Get(context.Background())
		require.NoError(t, err)

		order := make(chan string, 3)
		start := func(name string, ctx context.Context) <-chan error {
			errs := make(chan error, 1)
			go func() {
				pooled, err := p.Get(ctx)
				if err != nil {
					errs <- err
					return
				}
				order <- name
				errs <- pooled.Release()
			}()
			return errs
		}

		errA := start("a", context.Background())
		waitForWaiters(t, p, 1)
		ctxB, cancelB := context.WithCancel(context.Background())
		errB := start("b", ctxB)
		waitForWaiters(t, p, 2)
		errC := start("c", context.Background())
		waitForWaiters(t, p, 3)

		cancelB()
		assert.ErrorIs(t, <-errB, context.Canceled)

		require.NoError(t, held.Release())
		assert.NoError(t, <-errA)
		assert.NoError(t, <-errC)

		close(order)
		var served []string
		for name := range order {
			served = append(served, name)
		}
		assert.Equal(t, []string{"a", "c"}, served)
		assert.Equal(t, 1, p.Created())
	})

	t.Run("never exceeds max size under concurrency", func(t *testing.T) {
		const maxSize = 3
		p := newItemPool(t, maxSize)

		var inUse, peak atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pooled, err := p.Get(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inUse.Add(-1)
				assert.NoError(t, pooled.Release())
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, p.Created(), maxSize)
		assert.LessOrEqual(t, int(peak.Load()), maxSize)
		assert.Equal(t, 0, p.InUse())
	})
}

func TestPoolReturn(t *testing.T) {
	t.Run("rejects an instance the pool did not lend", func(t *testing.T) {
		p := newItemPool(t, 1)
		assert.ErrorIs(t, p.Return(&item{}), ErrNotPooled)
	})

	t.Run("stale pooled object is unusable after release", func(t *testing.T) {
		p := newItemPool(t, 1)
		pooled, err := p.Get(context.Background())
		require.NoError(t, err)
		require.NoError(t, pooled.Release())

		_, err = pooled.Instance()
		assert.ErrorIs(t, err, ErrNotReady)
		assert.ErrorIs(t, pooled.Release(), ErrNotReady)
	})

	t.Run("stale wrapper cannot release a re-leased instance", func(t *testing.T) {
		p := newItemPool(t, 1)
		first, err := p.Get(context.Background())
		require.NoError(t, err)
		require.NoError(t, first.Release())

		second, err := p.Get(context.Background())
		require.NoError(t, err)

		assert.ErrorIs(t, first.Release(), ErrNotReady)
		assert.Equal(t, 1, p.InUse())
		assert.NoError(t, second.Release())
	})
}

func TestPoolClose(t *testing.T) {
	t.Run("fails waiters and destroys every instance", func(t *testing.T) {
		p := newItemPool(t, 2)
		ctx := context.Background()

		a, err := p.Get(ctx)
		require.NoError(t, err)
		b, err := p.Get(ctx)
		require.NoError(t, err)
		ia, _ := a.Instance()
		ib, _ := b.Instance()
		require.NoError(t, b.Release())

		errs := make(chan error, 1)
		go func() {
			// Instance b is free, so drain it first to force a wait.
			_, _ = p.Get(ctx)
			_, err := p.Get(ctx)
			errs <- err
		}()
		waitForWaiters(t, p, 1)

		require.NoError(t, p.Close())
		assert.ErrorIs(t, <-errs, ErrClosed)
		assert.True(t, ia.destroyed)
		assert.True(t, ib.destroyed)

		_, err = p.Get(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, p.Return(ia))
		assert.NoError(t, p.Close())
	})
}
