// Package workerpool provides a bounded goroutine pool. Discovery uses it to
// keep observer callbacks off the network I/O thread; the relay uses it for
// control-plane notifications.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hylarana/hylarana/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs tasks on a fixed set of workers fed by a bounded queue. A full
// queue rejects instead of blocking the submitter.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates a pool with workers goroutines and a task queue of queueSize.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task. It returns false when the pool is stopped or the
// queue is full. The waitgroup is bumped before the enqueue so Drain cannot
// miss a task that is in flight between the two.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// StopAccepting prevents further submissions.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and in-flight tasks, bounded by the context. Call
// StopAccepting first. Workers exit once the queue is closed.
func (p *Pool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		case <-p.stopChan:
			// Finish whatever is still queued, then exit.
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

// run executes one task with panic recovery; the waitgroup decrement matches
// the increment in Submit.
func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
