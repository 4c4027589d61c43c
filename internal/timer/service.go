// Package timer provides keyed one-shot timers whose callbacks run on the
// goroutine that owns the coordinator state.
package timer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Poster hands fn to the goroutine that owns the state fn touches.
type Poster func(fn func())

type entry struct {
	timer clockwork.Timer
	gen   uint64
}

// Service keeps at most one pending timer per key.
//
// Schedule, Cancel and Pending must be called from the owning goroutine, and the
// Poster must deliver to that same goroutine. Expiry posts a closure that checks the
// entry's generation before running the callback, so a timer canceled or replaced
// after it fired but before its closure ran is a no-op.
type Service struct {
	clock   clockwork.Clock
	post    Poster
	timers  map[string]*entry
	nextGen uint64
}

// NewService returns a Service driven by clock. Use clockwork.NewRealClock() in
// production and a fake clock in tests.
func NewService(clock clockwork.Clock, post Poster) *Service {
	return &Service{
		clock:  clock,
		post:   post,
		timers: make(map[string]*entry),
	}
}

// Clock returns the clock timers are scheduled on.
func (s *Service) Clock() clockwork.Clock {
	return s.clock
}

// Schedule arms fn to run after d, replacing any timer already armed under key.
func (s *Service) Schedule(key string, d time.Duration, fn func()) {
	s.Cancel(key)

	s.nextGen++
	gen := s.nextGen
	e := &entry{gen: gen}
	e.timer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.fire(key, gen, fn) })
	})
	s.timers[key] = e
}

func (s *Service) fire(key string, gen uint64, fn func()) {
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		return
	}
	delete(s.timers, key)
	fn()
}

// Cancel disarms the timer under key. It returns false if nothing was armed.
func (s *Service) Cancel(key string) bool {
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether a timer is armed under key.
func (s *Service) Pending(key string) bool {
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of armed timers.
func (s *Service) Len() int {
	return len(s.timers)
}

// StopAll disarms every timer. Used on shutdown.
func (s *Service) StopAll() {
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// RoundKey names the round timer of a lobby.
func RoundKey(lobbyID string) string {
	return "round:" + lobbyID
}

// GraceKey names the disconnect grace timer of a user.
func GraceKey(userID string) string {
	return "grace:" + userID
}
