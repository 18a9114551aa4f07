package collab

import (
	"sync"
	"time"
)

// ManualScheduler is a Scheduler driven by explicit Advance calls
// instead of the wall clock. Timers fire synchronously, in due order,
// when Advance moves the clock past them. Used in tests alongside
// MockRelay to make debounce, throttle and backoff timing
// deterministic.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	sched   *ManualScheduler
	at      time.Time
	period  time.Duration // 0 for one-shot
	fn      func()
	seq     int
	stopped bool
}

// NewManualScheduler creates a scheduler with a fixed starting clock.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Unix(1700000000, 0)}
}

// AfterFunc books fn to run once d after the current manual clock.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{sched: s, at: s.now.Add(d), fn: fn, seq: s.seq}
	s.seq++
	s.timers = append(s.timers, t)
	return t
}

// Every books fn to run with period d until stopped.
func (s *ManualScheduler) Every(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{sched: s, at: s.now.Add(d), period: d, fn: fn, seq: s.seq}
	s.seq++
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	t.stopped = true
}

// Advance moves the clock forward by d, firing every due timer in the
// order it would have fired for real.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range s.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.at.After(s.now) {
			s.now = next.at
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.stopped = true
		}
		fn := next.fn
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.now = target

	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live
	s.mu.Unlock()
}
