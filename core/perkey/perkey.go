// Package perkey serializes work per key: two tasks for the same key never
// run at once, while tasks for different keys run in parallel.
//
// Its place in a cache client is around compare-and-swap loops on hot
// keys, where local writers racing the same key would only burn CAS
// retries against each other.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned for work submitted after Close.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	queueSize int
}

// WithBufferSize sets the queued-task capacity per key (default 64). On a
// full queue Do blocks until the lane drains.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Scheduler dispatches tasks onto one lane per key. A lane is a goroutine
// draining a queue, so tasks for its key run one after another in
// submission order. Lanes live until Close; the scheduler is meant for
// bounded key spaces.
type Scheduler[K comparable] struct {
	queueSize int

	mu     sync.Mutex
	lanes  map[K]*lane
	closed bool
	// inflight covers every Do past the closed check, so Close cannot
	// close a queue that is about to receive.
	inflight sync.WaitGroup
}

type lane struct {
	queue chan *job
}

type job struct {
	fn   func() error
	done chan error
}

// New creates an empty scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	o := options{queueSize: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler[K]{
		queueSize: o.queueSize,
		lanes:     make(map[K]*lane),
	}
}

// Do runs fn on key's lane, blocks until it finishes, and returns its
// error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is Do with cancellation while queueing or waiting. A task
// that made it into the queue before the caller gave up still runs; its
// result goes nowhere.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inflight.Add(1)
	ln := s.laneLocked(key)
	s.mu.Unlock()
	defer s.inflight.Done()

	j := &job{fn: fn, done: make(chan error, 1)}
	select {
	case ln.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new work, waits for outstanding Do calls to return, then
// releases the lanes. Tasks a cancelled caller left behind in a queue may
// still run afterwards.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// No new Do can pass the closed check; wait out the ones already
	// past it before closing their queues.
	s.inflight.Wait()

	s.mu.Lock()
	for _, ln := range s.lanes {
		close(ln.queue)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	ln, ok := s.lanes[key]
	if !ok {
		ln = &lane{queue: make(chan *job, s.queueSize)}
		s.lanes[key] = ln
		go ln.drain()
	}
	return ln
}

// drain runs the lane's tasks in arrival order. The buffered done channel
// makes the result send non-blocking when the submitter is gone.
func (ln *lane) drain() {
	for j := range ln.queue {
		j.done <- j.fn()
	}
}
