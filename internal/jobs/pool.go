package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
)

var (
	// ErrSaturated is returned when every slot of the pool is taken.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrClosed is returned after Stop has been called.
	ErrClosed = errors.New("worker pool closed")
)

// Func is one unit of background work. ctx is cancelled when the pool gives
// up waiting during shutdown.
type Func func(ctx context.Context) error

// Pool runs background units with a fixed upper bound on how many may be
// admitted at once. Admission never blocks: a full pool rejects immediately.
type Pool struct {
	capacity int64
	slots    *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	// OnError, when set, observes every unit failure after it is logged.
	OnError func(name string, err error)
}

// NewPool constructs a pool admitting at most capacity units.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		capacity: int64(capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ticket is a reserved slot. Exactly one of Go or Release must be called.
type Ticket struct {
	pool *Pool
	once sync.Once
}

// Reserve claims a slot without starting work, so callers can reject a
// request before persisting anything for it.
func (p *Pool) Reserve() (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if !p.slots.TryAcquire(1) {
		metrics.IncPoolRejected()
		return nil, ErrSaturated
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	return &Ticket{pool: p}, nil
}

// Submit reserves a slot and starts fn in it.
func (p *Pool) Submit(name string, fn Func) error {
	t, err := p.Reserve()
	if err != nil {
		return err
	}
	t.Go(name, fn)
	return nil
}

// Go runs fn on the reserved slot. Panics and errors are logged.
func (t *Ticket) Go(name string, fn Func) {
	started := false
	t.once.Do(func() {
		started = true
		go t.pool.run(name, fn)
	})
	if !started {
		telemetry.Warn("jobs.ticket_reused", map[string]any{"job": name})
	}
}

// Release returns an unused slot.
func (t *Ticket) Release() {
	t.once.Do(t.pool.release)
}

func (p *Pool) run(name string, fn Func) {
	defer p.release()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				telemetry.Error("jobs.panic", map[string]any{
					"job":   name,
					"panic": fmt.Sprint(rec),
					"stack": string(debug.Stack()),
				})
			}
		}()
		return fn(p.ctx)
	}()
	if err != nil {
		telemetry.Error("jobs.failed", map[string]any{"job": name, "error": err})
		if p.OnError != nil {
			p.OnError(name, err)
		}
	}
}

func (p *Pool) release() {
	p.inFlight.Add(-1)
	p.slots.Release(1)
	p.wg.Done()
}

// InFlight returns the number of reserved or running units.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Capacity returns the admission bound.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Stop refuses new work and waits for in-flight units. If ctx expires first,
// running units are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		telemetry.Warn("jobs.shutdown_timeout", map[string]any{"in_flight": p.InFlight()})
		return ctx.Err()
	}
}
