// File: internal/concurrency/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is the single dispatch goroutine of the bridge. Every server,
// coordinator and connection-handle mutation happens on it. Work arrives in
// two flavours:
//   - immediate tasks, posted from any goroutine (engine readers, HTTP handlers,
//     or the loop itself)
//   - deferred tasks, queued from inside the loop and run once the current
//     batch of immediate tasks has returned (the "next tick").

package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-bridge/api"
)

// Task is a unit of work executed on the loop goroutine.
type Task = func()

var _ api.Dispatcher = (*EventLoop)(nil)

// EventLoop implements a batched FIFO dispatcher with a deferred-work queue.
type EventLoop struct {
	inbox     chan Task
	deferred  *queue.Queue // touched by the loop goroutine only
	batchSize int

	// overflow holds tasks posted while the inbox was full. Once it is
	// non-empty every Post lands here until the loop has drained it.
	mu       sync.Mutex
	overflow *queue.Queue
	kick     chan struct{}

	quitCh   chan struct{}
	doneCh   chan struct{}
	quitOnce sync.Once
	running  atomic.Bool
	started  atomic.Bool

	// OnPanic, if set, receives values recovered from panicking tasks.
	OnPanic func(v any)
}

// NewEventLoop creates a loop. batchSize bounds the immediate tasks drained per
// turn; inboxSize is the capacity of the cross-goroutine inbox.
func NewEventLoop(batchSize, inboxSize int) *EventLoop {
	if batchSize <= 0 {
		batchSize = 64
	}
	if inboxSize <= 0 {
		inboxSize = 4096
	}
	return &EventLoop{
		inbox:     make(chan Task, inboxSize),
		deferred:  queue.New(),
		batchSize: batchSize,
		overflow:  queue.New(),
		kick:      make(chan struct{}, 1),
		quitCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Post enqueues fn for execution on the loop and returns false once the loop
// has been stopped. It never blocks: when the inbox is full the task spills
// into an unbounded overflow queue, so the loop may post to itself.
func (el *EventLoop) Post(fn func()) bool {
	select {
	case <-el.quitCh:
		return false
	default:
	}
	el.mu.Lock()
	if el.overflow.Length() == 0 {
		select {
		case el.inbox <- fn:
			el.mu.Unlock()
			return true
		default:
		}
	}
	el.overflow.Add(Task(fn))
	el.mu.Unlock()
	select {
	case el.kick <- struct{}{}:
	default:
	}
	return true
}

// Defer schedules fn to run after the immediate tasks of the current turn.
// Must be called from the loop goroutine.
func (el *EventLoop) Defer(fn func()) {
	el.deferred.Add(Task(fn))
}

// Do posts fn and waits for it to finish. Must not be called from the loop
// goroutine.
func (el *EventLoop) Do(fn func()) error {
	done := make(chan struct{})
	if !el.Post(func() {
		defer close(done)
		fn()
	}) {
		return api.ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-el.doneCh:
		// loop exited; fn may or may not have run
		select {
		case <-done:
			return nil
		default:
			return api.ErrLoopStopped
		}
	}
}

// Pending returns the approximate number of immediate tasks waiting.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.inbox) + el.overflow.Length()
}

func (el *EventLoop) spilled() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.overflow.Length() > 0
}

// takeOverflow appends spilled tasks to batch. It only does so once the inbox
// is empty, since everything still in the inbox was posted before them.
func (el *EventLoop) takeOverflow(batch []Task) []Task {
	el.mu.Lock()
	defer el.mu.Unlock()
	for len(batch) < el.batchSize && len(el.inbox) == 0 && el.overflow.Length() > 0 {
		batch = append(batch, el.overflow.Remove().(Task))
	}
	return batch
}

// Run dispatches tasks until Stop is called. Only one Run may be active.
func (el *EventLoop) Run() {
	if !el.started.CompareAndSwap(false, true) {
		return
	}
	el.running.Store(true)
	defer func() {
		el.running.Store(false)
		close(el.doneCh)
	}()

	batch := make([]Task, 0, el.batchSize)
	for {
		batch = batch[:0]

		if el.deferred.Length() == 0 && !el.spilled() {
			select {
			case <-el.quitCh:
				return
			case fn := <-el.inbox:
				batch = append(batch, fn)
			case <-el.kick:
			}
		}

	DrainLoop:
		for len(batch) < el.batchSize {
			select {
			case fn := <-el.inbox:
				batch = append(batch, fn)
			default:
				break DrainLoop
			}
		}
		batch = el.takeOverflow(batch)

		for _, fn := range batch {
			el.exec(fn)
		}

		// tasks deferred while draining belong to the next turn
		for n := el.deferred.Length(); n > 0; n-- {
			el.exec(el.deferred.Remove().(Task))
		}

		select {
		case <-el.quitCh:
			return
		default:
		}
	}
}

func (el *EventLoop) exec(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			if el.OnPanic != nil {
				el.OnPanic(r)
				return
			}
			panic(r)
		}
	}()
	fn()
}

// Stop signals the loop to exit and waits for Run to return if it was started.
// Tasks still queued are dropped.
func (el *EventLoop) Stop() {
	el.quitOnce.Do(func() { close(el.quitCh) })
	if el.started.Load() {
		<-el.doneCh
	}
}

// Done is closed after Run returns.
func (el *EventLoop) Done() <-chan struct{} {
	return el.doneCh
}
