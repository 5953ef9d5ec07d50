// Package phase drives timed phase transitions.
package phase

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Ticket identifies one scheduled action. A fired ticket is only honoured while it is still Valid.
type Ticket uint64

// Scheduler holds a single pending delayed action. Scheduling a new action replaces the pending one,
// so at most one phase chain can make progress at a time.
type Scheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	ticket Ticket
	timer  clockwork.Timer
	done   chan struct{}
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

// Schedule arranges for fn to be called after d with the ticket of this schedule, replacing any
// pending action. fn runs on its own goroutine; it must check Valid under the caller's lock
// because a replacement may race the firing.
func (s *Scheduler) Schedule(d time.Duration, fn func(Ticket)) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	s.ticket++
	t, timer, done := s.ticket, s.clock.NewTimer(d), make(chan struct{})
	s.timer, s.done = timer, done

	go func() {
		select {
		case <-timer.Chan():
			s.release(t)
			fn(t)
		case <-done:
		}
	}()

	return t
}

// Cancel drops the pending action, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.ticket++
}

// Valid reports whether t belongs to the most recent Schedule and has not been cancelled.
func (s *Scheduler) Valid(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t == s.ticket
}

// Pending reports whether an action is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timer != nil
}

func (s *Scheduler) release(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t == s.ticket {
		s.timer, s.done = nil, nil
	}
}

func (s *Scheduler) stopLocked() {
	if s.timer == nil {
		return
	}

	stopAndDrainTimer(s.timer)
	close(s.done)
	s.timer, s.done = nil, nil
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
