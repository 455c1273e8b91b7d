// File: internal/concurrency/eventloop_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-bridge/internal/concurrency"
)

// TestEventLoop_Basic posts tasks from many goroutines and checks they all run.
func TestEventLoop_Basic(t *testing.T) {
	loop := concurrency.NewEventLoop(8, 64)
	go loop.Run()
	defer loop.Stop()

	var wg sync.WaitGroup
	count := 0 // mutated only on the loop goroutine
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			if !loop.Post(func() { count++; wg.Done() }) {
				t.Error("Post rejected on running loop")
				wg.Done()
			}
		}()
	}
	wg.Wait()

	var got int
	if err := loop.Do(func() { got = count }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 50 {
		t.Errorf("Expected 50 tasks, got %d", got)
	}
}

func TestEventLoop_PostOrder(t *testing.T) {
	loop := concurrency.NewEventLoop(4, 128)
	go loop.Run()
	defer loop.Stop()

	var seen []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { seen = append(seen, i) })
	}
	var snapshot []int
	if err := loop.Do(func() { snapshot = append(snapshot, seen...) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(snapshot) != 100 {
		t.Fatalf("len = %d, want 100", len(snapshot))
	}
	for i, v := range snapshot {
		if v != i {
			t.Fatalf("seen[%d] = %d, tasks reordered", i, v)
		}
	}
}

// TestEventLoop_DeferRunsAfterCurrentTask checks a deferred task never runs
// inside the call stack that queued it and preserves FIFO order.
func TestEventLoop_DeferRunsAfterCurrentTask(t *testing.T) {
	loop := concurrency.NewEventLoop(16, 64)
	go loop.Run()
	defer loop.Stop()

	var trace []string
	err := loop.Do(func() {
		loop.Defer(func() { trace = append(trace, "deferred-1") })
		loop.Defer(func() { trace = append(trace, "deferred-2") })
		trace = append(trace, "immediate")
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	var got []string
	loop.Do(func() { got = append(got, trace...) })

	want := []string{"immediate", "deferred-1", "deferred-2"}
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v", got, want)
		}
	}
}

func TestEventLoop_DeferFromDeferredRunsNextTurn(t *testing.T) {
	loop := concurrency.NewEventLoop(16, 64)
	go loop.Run()
	defer loop.Stop()

	done := make(chan []string, 1)
	var trace []string
	loop.Post(func() {
		loop.Defer(func() {
			trace = append(trace, "first")
			loop.Defer(func() {
				trace = append(trace, "second")
				done <- trace
			})
		})
	})

	select {
	case got := <-done:
		if len(got) != 2 || got[0] != "first" || got[1] != "second" {
			t.Fatalf("trace = %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("nested deferred task never ran")
	}
}

func TestEventLoop_StopRejectsPost(t *testing.T) {
	loop := concurrency.NewEventLoop(8, 8)
	go loop.Run()
	loop.Stop()
	loop.Stop() // idempotent

	if loop.Post(func() {}) {
		t.Fatal("Post accepted after Stop")
	}
	if err := loop.Do(func() {}); err == nil {
		t.Fatal("Do succeeded after Stop")
	}
}

func TestEventLoop_OnPanicKeepsLoopAlive(t *testing.T) {
	loop := concurrency.NewEventLoop(8, 8)
	recovered := make(chan any, 1)
	loop.OnPanic = func(v any) { recovered <- v }
	go loop.Run()
	defer loop.Stop()

	loop.Post(func() { panic("boom") })
	select {
	case v := <-recovered:
		if v != "boom" {
			t.Fatalf("recovered %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
	if err := loop.Do(func() {}); err != nil {
		t.Fatalf("loop dead after panic: %v", err)
	}
}

// TestEventLoop_SelfPostPastFullInbox posts far more tasks than the inbox
// holds from inside a task. The loop must not wait on itself.
func TestEventLoop_SelfPostPastFullInbox(t *testing.T) {
	loop := concurrency.NewEventLoop(1, 4)
	go loop.Run()
	defer loop.Stop()

	var seen []int
	posted := make(chan struct{})
	go func() {
		loop.Do(func() {
			for i := 0; i < 100; i++ {
				i := i
				if !loop.Post(func() { seen = append(seen, i) }) {
					t.Error("Post rejected on running loop")
				}
			}
		})
		close(posted)
	}()
	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("loop blocked posting to its own inbox")
	}

	var got []int
	if err := loop.Do(func() { got = append(got, seen...) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("seen[%d] = %d, tasks reordered", i, v)
		}
	}
	if n := loop.Pending(); n != 0 {
		t.Fatalf("pending = %d after drain", n)
	}
}

// TestEventLoop_OverflowKeepsPerSenderOrder floods a tiny inbox from several
// goroutines while the loop is slow; each sender's tasks stay in order.
func TestEventLoop_OverflowKeepsPerSenderOrder(t *testing.T) {
	const senders, perSender = 4, 200
	loop := concurrency.NewEventLoop(2, 2)
	go loop.Run()
	defer loop.Stop()

	last := make([]int, senders) // loop goroutine only
	for i := range last {
		last[i] = -1
	}
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				i := i
				loop.Post(func() {
					if i != last[s]+1 {
						t.Errorf("sender %d: task %d ran after %d", s, i, last[s])
					}
					last[s] = i
					if i%50 == 0 {
						time.Sleep(time.Millisecond)
					}
				})
			}
		}(s)
	}
	wg.Wait()

	var got []int
	if err := loop.Do(func() { got = append(got, last...) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	for s, v := range got {
		if v != perSender-1 {
			t.Errorf("sender %d finished at %d", s, v)
		}
	}
}
