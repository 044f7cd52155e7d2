package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned by Submit once Shutdown has been called.
var ErrPoolShutdown = errors.New("run pool is shut down")

// Pool bounds how many runs execute at once.
type Pool struct {
	slots chan struct{}
	quit  chan struct{}

	// mu orders wg.Add in Submit against wg.Wait in Shutdown.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active, queued, completed, failed, panics atomic.Int64
}

// NewPool creates a pool admitting size concurrent jobs, at least one.
func NewPool(size int) *Pool {
	return &Pool{
		slots: make(chan struct{}, max(size, 1)),
		quit:  make(chan struct{}),
	}
}

// Submit waits for a free slot and runs fn on its own goroutine. Waiting
// ends early with ctx's error or with ErrPoolShutdown.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case <-p.quit:
		return ErrPoolShutdown
	default:
	}
	p.queued.Add(1)
	defer p.queued.Add(-1)
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}
}

func (p *Pool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Shutdown refuses new work and waits for running jobs. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Queued:    p.queued.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
