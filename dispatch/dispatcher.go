// Package dispatch runs blocking driver calls off the caller's goroutine.
//
// A Dispatcher owns a fixed pool of workers. Each worker is locked to its OS
// thread for its whole life, so a driver call and the read of that call's
// last-error state always happen on the same thread. Results come back through
// a Future that resolves exactly once.
//
// Ordering: jobs are picked up in submission order but run concurrently on
// different workers, so two submissions are only ordered if the caller waits
// for the first before submitting the second.
//
// Cancellation: a driver call cannot be aborted once started. Cancelling the
// context passed to Future.Wait only stops waiting; the worker stays busy
// until the call returns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the worker count used when none is configured.
	DefaultWorkers = 4
	// DefaultQueueSize is the pending-job capacity used when none is configured.
	DefaultQueueSize = 64
)

var (
	// ErrClosed resolves futures submitted after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrPanic wraps a panic raised by a submitted operation.
	ErrPanic = errors.New("operation panicked")
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of worker threads.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait for a free worker.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// WithMetrics registers the dispatcher's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.registerer = reg
	}
}

// Dispatcher is a bounded pool of thread-pinned workers.
type Dispatcher struct {
	workers    int
	queueSize  int
	log        logr.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan func()
	group  errgroup.Group
}

// New starts a Dispatcher.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		log:       logr.Discard(),
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.registerer != nil {
		if err := d.metrics.register(d.registerer); err != nil {
			return nil, fmt.Errorf("failed to register dispatcher metrics: %w", err)
		}
	}

	d.jobs = make(chan func(), d.queueSize)
	for i := 0; i < d.workers; i++ {
		d.group.Go(d.work)
	}
	d.log.V(1).Info("dispatcher started", "workers", d.workers, "queueSize", d.queueSize)
	return d, nil
}

func (d *Dispatcher) work() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for job := range d.jobs {
		job()
	}
	return nil
}

// Close stops accepting work, lets queued jobs finish, and waits for every
// worker to exit. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	err := d.group.Wait()
	d.log.V(1).Info("dispatcher stopped")
	return err
}

// Submit schedules op on a worker and returns its future. If ctx is done
// before a worker slot is available, the future resolves with ctx.Err() and
// op never runs.
func Submit[T any](ctx context.Context, d *Dispatcher, op func() (T, error)) *Future[T] {
	f := newFuture[T]()

	job := func() {
		d.metrics.inflight.Inc()
		start := time.Now()
		v, err := run(op)
		d.metrics.duration.Observe(time.Since(start).Seconds())
		d.metrics.inflight.Dec()
		if err != nil {
			d.metrics.failures.Inc()
		}
		f.resolve(v, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		var zero T
		f.resolve(zero, ErrClosed)
		return f
	}
	if err := ctx.Err(); err != nil {
		var zero T
		f.resolve(zero, err)
		return f
	}

	select {
	case d.jobs <- job:
		d.metrics.submitted.Inc()
	case <-ctx.Done():
		var zero T
		f.resolve(zero, ctx.Err())
	}
	return f
}

func run[T any](op func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return op()
}
