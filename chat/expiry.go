package chat

import (
	"sync"
	"time"
)

type deadline struct {
	at    time.Time
	timer Timer
}

// ExpiryScheduler arms one self-destruct deadline per message.
//
// Each deadline fires at most once; firing and cancellation both forget it.
type ExpiryScheduler struct {
	clock    Clock
	onExpire func(localID string)

	mu        sync.Mutex
	deadlines map[string]*deadline
	stopped   bool
}

// NewExpiryScheduler creates a scheduler that calls onExpire from a timer
// goroutine when a deadline elapses.
func NewExpiryScheduler(clock Clock, onExpire func(localID string)) *ExpiryScheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &ExpiryScheduler{
		clock:     clock,
		onExpire:  onExpire,
		deadlines: make(map[string]*deadline),
	}
}

// Schedule arms the deadline for localID, replacing any earlier one. It
// returns false once the scheduler is stopped.
func (s *ExpiryScheduler) Schedule(localID string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || localID == "" {
		return false
	}
	if existing := s.deadlines[localID]; existing != nil {
		existing.timer.Stop()
	}

	d := &deadline{at: expiresAt}
	d.timer = s.clock.AfterFunc(expiresAt.Sub(s.clock.Now()), func() {
		s.fire(localID, d)
	})
	s.deadlines[localID] = d
	return true
}

// Cancel disarms the deadlines of the given messages and returns how many
// were still pending.
func (s *ExpiryScheduler) Cancel(localIDs ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, localID := range localIDs {
		d, ok := s.deadlines[localID]
		if !ok {
			continue
		}
		d.timer.Stop()
		delete(s.deadlines, localID)
		cancelled++
	}
	return cancelled
}

// Stop disarms every deadline and rejects further scheduling.
func (s *ExpiryScheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	cancelled := len(s.deadlines)
	for localID, d := range s.deadlines {
		d.timer.Stop()
		delete(s.deadlines, localID)
	}
	return cancelled
}

// Pending returns the number of armed deadlines.
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadlines)
}

// Deadline returns the armed deadline of localID.
func (s *ExpiryScheduler) Deadline(localID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[localID]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

func (s *ExpiryScheduler) fire(localID string, d *deadline) {
	s.mu.Lock()
	if current := s.deadlines[localID]; current != d || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.deadlines, localID)
	s.mu.Unlock()

	if s.onExpire != nil {
		s.onExpire(localID)
	}
}
