package collab

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		JitterRange:   0, // deterministic delays for assertions
		MaxAttempts:   10,
		GraceTimeout:  5 * time.Second,
	}
}

// scheduledDelays subscribes to scheduling events and records each delay.
type scheduledDelays struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *scheduledDelays) record(payload any) {
	attempt, ok := payload.(ScheduledAttempt)
	if !ok {
		return
	}
	s.mu.Lock()
	s.delays = append(s.delays, attempt.Delay)
	s.mu.Unlock()
}

func (s *scheduledDelays) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// TestBackoffSequence tests the exponential delay progression with its cap
func TestBackoffSequence(t *testing.T) {
	relay := NewMockRelay()
	transport := relay.Join("alice")
	sched := NewManualScheduler()
	r := NewReconnector(transport, sched, testReconnectConfig())
	defer r.Close()

	delays := &scheduledDelays{}
	r.Events().Subscribe(ReconnectEventScheduled, delays.record)

	// Keep every attempt failing so the full sequence plays out.
	transport.FailConnects(errors.New("connection refused"))
	transport.Disconnect("transport close")

	// Each cycle: the scheduled delay elapses, the attempt fails, and the
	// grace timeout books the next attempt.
	for i := 0; i < 7; i++ {
		sched.Advance(40 * time.Second)
	}

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	got := delays.snapshot()
	if len(got) < len(expected) {
		t.Fatalf("Expected at least %d scheduled attempts, got %d", len(expected), len(got))
	}
	for i, want := range expected {
		if got[i] != want {
			t.Errorf("Attempt %d: expected delay %s, got %s", i+1, want, got[i])
		}
	}
}

// TestIntentionalDisconnectSchedulesNothing tests that local closes do not reconnect
func TestIntentionalDisconnectSchedulesNothing(t *testing.T) {
	relay := NewMockRelay()
	transport := relay.Join("alice")
	sched := NewManualScheduler()
	r := NewReconnector(transport, sched, testReconnectConfig())
	defer r.Close()

	for _, reason := range []string{"io client disconnect", "client namespace disconnect", "forced close"} {
		transport.Disconnect(reason)
		sched.Advance(time.Minute)
		if state := r.State(); state.IsReconnecting || state.Attempts != 0 {
			t.Errorf("Reason %q: expected no reconnection, got state %+v", reason, state)
		}
	}
}

// TestMaxAttemptsExhaustion tests giving up after the attempt budget
// and that only ForceReconnect resumes
func TestMaxAttemptsExhaustion(t *testing.T) {
	cfg := testReconnectConfig()
	cfg.MaxAttempts = 3
	relay := NewMockRelay()
	transport := relay.Join("alice")
	sched := NewManualScheduler()
	r := NewReconnector(transport, sched, cfg)
	defer r.Close()

	var maxReached, attempts int
	var mu sync.Mutex
	r.Events().Subscribe(ReconnectEventMaxAttempts, func(any) {
		mu.Lock()
		maxReached++
		mu.Unlock()
	})
	r.Events().Subscribe(ReconnectEventAttempt, func(any) {
		mu.Lock()
		attempts++
		mu.Unlock()
	})

	transport.FailConnects(errors.New("connection refused"))
	transport.Disconnect("transport close")
	for i := 0; i < 5; i++ {
		sched.Advance(40 * time.Second)
	}

	mu.Lock()
	gotMax, gotAttempts := maxReached, attempts
	mu.Unlock()
	if gotMax != 1 {
		t.Fatalf("Expected 1 max-attempts event, got %d", gotMax)
	}
	if gotAttempts != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", gotAttempts)
	}

	// Further disconnects while exhausted change nothing.
	transport.Disconnect("transport close")
	sched.Advance(time.Minute)
	mu.Lock()
	if attempts != 3 {
		t.Errorf("Expected no attempts while exhausted, got %d", attempts)
	}
	mu.Unlock()

	// ForceReconnect is the one way back.
	transport.FailConnects(nil)
	reconnected := make(chan struct{}, 1)
	r.Events().Subscribe(ReconnectEventReconnected, func(any) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	r.ForceReconnect()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a reconnection after ForceReconnect")
	}
	if state := r.State(); state.Attempts != 0 || state.IsReconnecting {
		t.Errorf("Expected reset state after reconnect, got %+v", state)
	}
}

// TestAttemptCounterResets tests that a successful connect resets the budget
func TestAttemptCounterResets(t *testing.T) {
	relay := NewMockRelay()
	transport := relay.Join("alice")
	sched := NewManualScheduler()
	r := NewReconnector(transport, sched, testReconnectConfig())
	defer r.Close()

	// Establish the first connection so later connects count as recoveries.
	if err := transport.Connect(); err != nil {
		t.Fatalf("Initial connect failed: %v", err)
	}

	reconnected := make(chan int, 1)
	r.Events().Subscribe(ReconnectEventReconnected, func(payload any) {
		if total, ok := payload.(int); ok {
			select {
			case reconnected <- total:
			default:
			}
		}
	})

	transport.Disconnect("transport close")
	sched.Advance(time.Second) // first scheduled attempt fires and succeeds

	var total int
	select {
	case total = <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a reconnection")
	}
	if total != 1 {
		t.Errorf("Expected 1 total reconnection, got %d", total)
	}

	state := r.State()
	if state.Attempts != 0 {
		t.Errorf("Expected attempt counter reset to 0, got %d", state.Attempts)
	}
	if state.TotalReconnections != 1 {
		t.Errorf("Expected 1 total reconnection in state, got %d", state.TotalReconnections)
	}

	// The next outage starts from the initial delay again.
	delays := &scheduledDelays{}
	r.Events().Subscribe(ReconnectEventScheduled, delays.record)
	transport.Disconnect("transport close")
	got := delays.snapshot()
	if len(got) != 1 || got[0] != time.Second {
		t.Errorf("Expected fresh backoff starting at 1s, got %v", got)
	}
}

// TestStopReconnection tests canceling a pending attempt
func TestStopReconnection(t *testing.T) {
	relay := NewMockRelay()
	transport := relay.Join("alice")
	sched := NewManualScheduler()
	r := NewReconnector(transport, sched, testReconnectConfig())
	defer r.Close()

	transport.FailConnects(errors.New("connection refused"))
	transport.Disconnect("transport close")
	r.StopReconnection()

	var attempts int
	r.Events().Subscribe(ReconnectEventAttempt, func(any) { attempts++ })
	sched.Advance(time.Minute)

	if attempts != 0 {
		t.Errorf("Expected no attempts after stop, got %d", attempts)
	}
	if state := r.State(); state.IsReconnecting {
		t.Error("Expected reconnection stopped")
	}
}
