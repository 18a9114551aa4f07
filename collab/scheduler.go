package collab

import (
	"sync"
	"time"
)

// Scheduler hands out cancelable timers. Every timer in this package is
// created through a Scheduler so component teardown can stop all of
// them deterministically; no callback fires after its timer is stopped.
type Scheduler interface {
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn repeatedly with period d until stopped.
	Every(d time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It does not wait for a running callback.
	Stop()
}

// NewScheduler returns the wall-clock scheduler.
func NewScheduler() Scheduler { return systemScheduler{} }

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return &onceTimer{t: time.AfterFunc(d, fn)}
}

func (systemScheduler) Every(d time.Duration, fn func()) Timer {
	r := &repeatTimer{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-r.ticker.C:
				fn()
			case <-r.done:
				return
			}
		}
	}()
	return r
}

type onceTimer struct{ t *time.Timer }

func (o *onceTimer) Stop() { o.t.Stop() }

type repeatTimer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (r *repeatTimer) Stop() {
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
}

// timerSet tracks live timers for a component so Close can sweep them.
type timerSet struct {
	mu     sync.Mutex
	timers map[int]Timer
	nextID int
	closed bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[int]Timer)}
}

// add registers a timer and returns a release func the owner calls once
// the timer has fired or been replaced.
func (s *timerSet) add(t Timer) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.Stop()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.timers[id] = t
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, id)
	}
}

// stopAll cancels every live timer and rejects new ones.
func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
