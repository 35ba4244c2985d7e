// Package sched implements the single-threaded cooperative event loop
// described in §5: every event (Send, Deliver, Crash, Init, Timeout, ...)
// runs to completion before the next one starts, and an event posted from
// within a handler runs strictly after that handler returns, in FIFO order
// of posting. This is what lets a child module's Init reference a parent
// that has not finished constructing (§9's "cyclic Init references").
//
// The teacher's Peer.poll (pkg/mcast/core/peer.go) drives its own process
// loop the same way: a single goroutine selecting on a handful of channels
// and spawning further work through an Invoker. Scheduler generalizes that
// into the one loop a whole module stack shares.
package sched

import (
	"sync"
	"time"
)

// Scheduler is a per-process cooperative event loop. One Scheduler is
// shared by every module instance in a process's stack.
type Scheduler struct {
	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	timers   []*time.Timer
	stopped  bool
}

// New starts a Scheduler's loop goroutine and returns it running.
func New() *Scheduler {
	s := &Scheduler{
		queue: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.done:
			// drain what's already queued so in-flight posts complete,
			// then exit; nothing new can be posted after Stop.
			for {
				select {
				case fn := <-s.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop, strictly after the currently
// executing handler (if any) returns. Safe to call from any goroutine,
// including from within a handler itself.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// PostAfter arms a timer that, on firing, posts fn onto the loop rather
// than invoking it directly — a bare time.AfterFunc would run fn on its own
// goroutine, breaking the single-threaded guarantee. Mirrors the Python
// start_timer(delay, callback, *args) helper in basic.py.
func (s *Scheduler) PostAfter(d time.Duration, fn func()) *time.Timer {
	t := time.AfterFunc(d, func() { s.Post(fn) })
	s.mu.Lock()
	if s.stopped {
		t.Stop()
	} else {
		s.timers = append(s.timers, t)
	}
	s.mu.Unlock()
	return t
}

// Stop halts the loop after draining already-queued work, and cancels any
// outstanding timers. Stale timer firings after Stop are no-ops because
// Post refuses new work once stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}
