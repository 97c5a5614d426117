// Package async provides the future/worker-pool primitives used by the
// economy services. Every public ledger operation is submitted to a Pool and
// hands the caller a Future that is always completed, even when the pool is
// shutting down.
package async

import (
	"context"
	"sync"
)

// Future holds the eventual result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already completed with value.
func Resolved[T any](value T) *Future[T] {
	future := newFuture[T]()
	future.complete(value)
	return future
}

func (future *Future[T]) complete(value T) {
	future.value = value
	close(future.done)
}

// Await blocks until the future completes or the context is done.
func (future *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-future.done:
		return future.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the completion channel for select-based composition.
func (future *Future[T]) Done() <-chan struct{} {
	return future.done
}

// Pool runs submitted tasks on a fixed set of workers over a bounded queue.
// Submission never blocks the caller: when the queue is full the task runs on
// a fresh goroutine instead of being dropped.
type Pool struct {
	mu      sync.Mutex
	tasks   chan func(context.Context)
	base    context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	closed  bool
}

// NewPool starts workerCount workers over a queue of queueDepth tasks.
func NewPool(workerCount int, queueDepth int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	base, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		tasks:  make(chan func(context.Context), queueDepth),
		base:   base,
		cancel: cancel,
	}
	for index := 0; index < workerCount; index++ {
		pool.workers.Add(1)
		go pool.run()
	}
	return pool
}

func (pool *Pool) run() {
	defer pool.workers.Done()
	for task := range pool.tasks {
		task(pool.base)
	}
}

// Close stops accepting tasks, waits for queued tasks to finish, then cancels
// the base context handed to late stragglers. Idempotent.
func (pool *Pool) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	close(pool.tasks)
	pool.mu.Unlock()
	pool.workers.Wait()
	pool.cancel()
}

func (pool *Pool) enqueue(task func(context.Context)) {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		go task(pool.base)
		return
	}
	select {
	case pool.tasks <- task:
		pool.mu.Unlock()
	default:
		pool.mu.Unlock()
		go task(pool.base)
	}
}

// Submit schedules task on the pool and returns a future for its result.
func Submit[T any](pool *Pool, task func(ctx context.Context) T) *Future[T] {
	future := newFuture[T]()
	pool.enqueue(func(ctx context.Context) {
		future.complete(task(ctx))
	})
	return future
}
