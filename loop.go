package vnet

//
// Cooperative scheduler
//

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Loop is a cooperative scheduler running deferred turns in FIFO order. The
// zero value is invalid; please, use [NewLoop] to construct.
//
// All the state of sockets, servers, requests and bridge sessions created
// on top of a [Loop] is only ever touched by tasks running on the loop,
// so only one goroutine at a time should run the loop. Any goroutine may
// call [Loop.Post]; this is how host transports deliver their results.
type Loop struct {
	// mu protects tasks.
	mu sync.Mutex

	// tasks contains the pending func() tasks.
	tasks *queue.Queue

	// wakeup becomes readable when a task has been posted.
	wakeup chan struct{}
}

// NewLoop creates a new [Loop] instance.
func NewLoop() *Loop {
	return &Loop{
		mu:     sync.Mutex{},
		tasks:  queue.New(),
		wakeup: make(chan struct{}, 1),
	}
}

// Post schedules fn to run on a later turn of the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks.Add(fn)
	l.mu.Unlock()
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Pending returns the number of tasks waiting to run.
func (l *Loop) Pending() int {
	defer l.mu.Unlock()
	l.mu.Lock()
	return l.tasks.Length()
}

// runOne runs the first pending task, if any, and returns whether it did.
func (l *Loop) runOne() bool {
	l.mu.Lock()
	if l.tasks.Length() <= 0 {
		l.mu.Unlock()
		return false
	}
	fn := l.tasks.Remove().(func())
	l.mu.Unlock()
	fn()
	return true
}

// RunPending runs tasks until the queue is empty, including the tasks
// posted by the tasks it runs, and returns how many tasks it ran. Timers
// that have not fired yet are not waited for.
func (l *Loop) RunPending() int {
	var count int
	for l.runOne() {
		count++
	}
	return count
}

// Run runs tasks as they are posted until the context is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wakeup:
		}
	}
}

// RunUntil runs tasks as they are posted until cond returns true or the
// context is done. The cond function runs on the loop between tasks.
func (l *Loop) RunUntil(ctx context.Context, cond func() bool) error {
	for {
		for !cond() {
			if !l.runOne() {
				break
			}
		}
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wakeup:
		}
	}
}

// Timer is a timer created by [Loop.AfterFunc].
type Timer struct {
	stopped atomic.Bool
	t       *time.Timer
}

// Stop prevents the timer callback from running, if it did not run already.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.t.Stop()
}

// AfterFunc runs fn on the loop once the given duration has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !timer.stopped.Load() {
				timer.stopped.Store(true)
				fn()
			}
		})
	})
	return timer
}
