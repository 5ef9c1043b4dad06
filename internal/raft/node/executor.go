package node

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TaskExecutor serializes the tasks submitted to it. The node runs all role
// and membership mutations on one executor, so handlers never race.
type TaskExecutor interface {
	// Submit enqueues the task. Tasks submitted after Shutdown are dropped.
	Submit(task func())

	// Shutdown stops accepting tasks, runs the ones already queued, and
	// waits for the worker to finish or the context to expire.
	Shutdown(ctx context.Context) error
}

// SingleThreadExecutor runs tasks one at a time on a dedicated goroutine.
// A panicking task is logged and does not take the worker down.
type SingleThreadExecutor struct {
	name     string
	tasks    chan func()
	quit     chan struct{}
	finished chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewSingleThreadExecutor(name string) *SingleThreadExecutor {
	e := &SingleThreadExecutor{
		name:     name,
		tasks:    make(chan func(), 1024),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *SingleThreadExecutor) run() {
	for {
		select {
		case task := <-e.tasks:
			e.runTask(task)
		case <-e.quit:
			for {
				select {
				case task := <-e.tasks:
					e.runTask(task)
				default:
					close(e.finished)
					return
				}
			}
		}
	}
}

func (e *SingleThreadExecutor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s executor, task panicked: %v", e.name, r)
		}
	}()
	task()
}

func (e *SingleThreadExecutor) Submit(task func()) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		log.Debugf("%s executor, dropping task submitted after shutdown", e.name)
		return
	}
	select {
	case e.tasks <- task:
	case <-e.quit:
		log.Debugf("%s executor, dropping task submitted after shutdown", e.name)
	}
}

func (e *SingleThreadExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	select {
	case <-e.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DirectExecutor runs tasks synchronously on the caller's goroutine. Tests
// use it so handler interleavings are deterministic.
type DirectExecutor struct{}

func (DirectExecutor) Submit(task func()) { task() }

func (DirectExecutor) Shutdown(context.Context) error { return nil }
