// Package pool manages a fixed set of engines handed out one at a time.
//
// Engines are not safe for concurrent generations, so the pool is the
// concurrency limiter for the whole process: at most len(engines) runs
// generate at once, and callers queue FIFO on the free list when all
// engines are rented.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/engine"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool: closed")

// Option configures a Pool.
type Option func(*Pool)

// WithWaitObserver registers a callback invoked with the time each
// successful Acquire spent waiting for a free engine. Used for metrics.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(p *Pool) { p.onWait = fn }
}

// Pool is a bounded free list of engines.
type Pool struct {
	free   chan engine.Engine
	size   int
	onWait func(time.Duration)

	mu      sync.Mutex
	closed  bool
	engines []engine.Engine
}

// New builds a pool over engines. The slice must be non-empty; the pool
// takes ownership and closes every engine on Close.
func New(engines []engine.Engine, opts ...Option) (*Pool, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("pool: need at least one engine")
	}
	p := &Pool{
		free:    make(chan engine.Engine, len(engines)),
		size:    len(engines),
		engines: engines,
	}
	for _, e := range engines {
		p.free <- e
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Size returns the number of engines the pool was built with.
func (p *Pool) Size() int { return p.size }

// Idle returns the number of engines currently free. Racy by nature; use
// it for health reporting only.
func (p *Pool) Idle() int { return len(p.free) }

// Closed reports whether the pool has shut down.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire rents an engine, blocking until one is free or ctx is done.
// The returned release func must be called exactly once, on every exit
// path of the run; it is idempotent.
func (p *Pool) Acquire(ctx context.Context) (engine.Engine, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	p.mu.Unlock()

	start := time.Now()
	select {
	case e, ok := <-p.free:
		if !ok {
			return nil, nil, ErrClosed
		}
		if p.onWait != nil {
			p.onWait(time.Since(start))
		}
		var once sync.Once
		release := func() {
			once.Do(func() { p.put(e) })
		}
		return e, release, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// put returns an engine to the free list, or closes it if the pool shut
// down while it was rented. The send happens under the mutex so it cannot
// race a concurrent Close of the channel.
func (p *Pool) put(e engine.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = e.Close()
		return
	}
	p.free <- e
}

// Close stops handing out engines and closes every engine. Engines still
// rented are closed when released. Safe to call once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.free)
	p.mu.Unlock()
	var errs []error
	for e := range p.free {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
