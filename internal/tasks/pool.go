// Package tasks runs background work (artifact writes, property computation)
// on a fixed set of workers fed by a bounded queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Submit once the pool has been stopped.
var ErrStopped = errors.New("task pool stopped")

// Status describes the lifecycle stage of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Recorder observes task completions.
type Recorder interface {
	Observe(ctx context.Context, op string, success bool, duration time.Duration)
}

// Func is a unit of work. The context is cancelled only when the pool is
// stopped without draining.
type Func func(ctx context.Context) error

// Handle tracks one submitted task.
type Handle struct {
	name   string
	done   chan struct{}
	status atomic.Value
	err    error
}

func newHandle(name string) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	h.status.Store(StatusQueued)
	return h
}

// Completed returns a handle that is already finished with err.
func Completed(name string, err error) *Handle {
	h := newHandle(name)
	h.finish(err)
	return h
}

// Name returns the label given at submission.
func (h *Handle) Name() string { return h.name }

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status reports the current lifecycle stage.
func (h *Handle) Status() Status { return h.status.Load().(Status) }

// Err returns the task error once Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	if err != nil {
		h.status.Store(StatusFailed)
	} else {
		h.status.Store(StatusSucceeded)
	}
	close(h.done)
}

type job struct {
	handle *Handle
	fn     Func
}

// Options tunes a Pool.
type Options struct {
	Workers  int
	Queue    int
	Logger   *slog.Logger
	Recorder Recorder
}

// Pool executes submitted functions asynchronously.
type Pool struct {
	queue    chan job
	logger   *slog.Logger
	recorder Recorder

	mu      sync.RWMutex
	stopped bool
	started bool
	workers int
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a pool. Call Start before relying on progress.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    make(chan job, opts.Queue),
		logger:   logger,
		recorder: opts.Recorder,
		workers:  opts.Workers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Pending returns the number of submitted tasks that have not finished.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Submit queues fn, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, name string, fn Func) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}
	h := newHandle(name)
	p.pending.Add(1)
	select {
	case p.queue <- job{handle: h, fn: fn}:
		return h, nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return nil, ctx.Err()
	}
}

// Stop refuses new work, drains the queue, and waits for the workers. If ctx
// ends first the running tasks are cancelled and ctx.Err is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	if !p.started {
		p.started = true
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.loop()
		}
	}
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
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	j.handle.status.Store(StatusRunning)
	start := time.Now()
	err := p.call(j)
	if err != nil {
		p.logger.Warn("task failed", "task", j.handle.name, "error", err)
	}
	if p.recorder != nil {
		p.recorder.Observe(p.ctx, "task", err == nil, time.Since(start))
	}
	p.pending.Add(-1)
	j.handle.finish(err)
}

func (p *Pool) call(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.handle.name, r)
		}
	}()
	return j.fn(p.ctx)
}

// WaitAll waits for every handle, returning the first error encountered.
func WaitAll(ctx context.Context, handles ...*Handle) error {
	var first error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
