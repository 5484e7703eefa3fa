package server

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"uds-rpc/rpcerr"
)

// signalQueue runs triggered signals one at a time in arrival order, across all connections.
// The queue is unbounded so an acknowledgement never waits for earlier signals.
type signalQueue struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool
	wake   chan struct{} // capacity 1, coalesces wake-ups
	done   chan struct{}
	logger *zap.Logger
}

func newSignalQueue(logger *zap.Logger) *signalQueue {
	q := &signalQueue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *signalQueue) enqueue(job func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return rpcerr.Internal("server is shutting down")
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *signalQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *signalQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *signalQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.execute(job)
	}
}

func (q *signalQueue) execute(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("signal handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	job()
}

// close stops accepting signals and waits for the queued ones to finish.
func (q *signalQueue) close(timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	select {
	case <-q.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for %d queued signals", q.pending())
	}
}
