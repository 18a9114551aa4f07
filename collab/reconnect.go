package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/zenibako/collab-golang/messages"
)

// Reconnection event names, observable via Events().
const (
	ReconnectEventDisconnected  = "disconnected"
	ReconnectEventScheduled     = "reconnection-scheduled"
	ReconnectEventAttempt       = "reconnection-attempt"
	ReconnectEventCountdown     = "countdown-update"
	ReconnectEventReconnected   = "reconnected"
	ReconnectEventMaxAttempts   = "max-attempts-reached"
	ReconnectEventStopped       = "reconnection-stopped"
	ReconnectEventConfigUpdated = "config-updated"
)

// ErrReconnectExhausted reports that automatic reconnection gave up.
// Only ForceReconnect resumes from this state.
var ErrReconnectExhausted = errors.New("reconnection attempts exhausted")

// ReconnectionState is a point-in-time snapshot of the manager.
type ReconnectionState struct {
	IsReconnecting       bool
	Attempts             int
	NextAttemptIn        time.Duration
	LastDisconnectReason string
	TotalReconnections   int
}

// ScheduledAttempt is the payload of scheduled/attempt/countdown events.
type ScheduledAttempt struct {
	Attempt   int
	Delay     time.Duration
	Remaining time.Duration
}

// Reconnector watches the transport lifecycle and drives reconnection
// with exponentially backed-off, jittered attempts. Idle/Connected
// moves to Disconnected on an unintentional disconnect, then through
// numbered attempts until the transport reports a connection or the
// attempt budget runs out.
type Reconnector struct {
	transport Transport
	events    *Emitter
	sched     Scheduler
	timers    *timerSet
	logger    *log.Logger

	mu              sync.Mutex
	cfg             ReconnectConfig
	backoff         *backoff.ExponentialBackOff
	attempts        int
	totalReconnects int
	isReconnecting  bool
	exhausted       bool
	everConnected   bool
	lastReason      string
	nextAttemptAt   time.Time
	retryTimer      Timer
	retryOff        func()
	countdown       Timer
	countdownOff    func()
	grace           Timer
	graceOff        func()
	closed          bool

	offs []func()
}

// NewReconnector creates a manager wired to the transport's lifecycle
// events.
func NewReconnector(transport Transport, sched Scheduler, cfg ReconnectConfig) *Reconnector {
	r := &Reconnector{
		transport: transport,
		events:    NewEmitter(),
		sched:     sched,
		timers:    newTimerSet(),
		logger:    log.With("component", "reconnect"),
		cfg:       cfg,
	}
	r.backoff = newBackoff(cfg)

	r.offs = append(r.offs,
		transport.On(messages.EventConnect, func([]byte) { r.HandleConnect() }),
		transport.On(messages.EventDisconnect, func(payload []byte) {
			var info messages.DisconnectInfo
			_ = decode(messages.EventDisconnect, payload, &info)
			r.HandleDisconnect(info.Reason)
		}),
		transport.On(messages.EventConnectError, func(payload []byte) {
			r.HandleConnectError(string(payload))
		}),
	)

	return r
}

func newBackoff(cfg ReconnectConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = cfg.BackoffFactor
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = cfg.JitterRange
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Events exposes the manager's observable side.
func (r *Reconnector) Events() *Emitter { return r.events }

// State returns a snapshot of the reconnection state.
func (r *Reconnector) State() ReconnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ReconnectionState{
		IsReconnecting:       r.isReconnecting,
		Attempts:             r.attempts,
		LastDisconnectReason: r.lastReason,
		TotalReconnections:   r.totalReconnects,
	}
	if r.retryTimer != nil {
		if remaining := time.Until(r.nextAttemptAt); remaining > 0 {
			s.NextAttemptIn = remaining
		}
	}
	return s
}

// HandleDisconnect reacts to a transport-level disconnect. Intentional
// local closes schedule nothing; anything else starts (or continues)
// the reconnection sequence.
func (r *Reconnector) HandleDisconnect(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.lastReason = reason

	if messages.IntentionalDisconnect(reason) {
		r.mu.Unlock()
		r.logger.Debugf("Intentional disconnect (%s), not reconnecting", reason)
		return
	}
	if r.exhausted {
		r.mu.Unlock()
		return
	}
	if r.retryTimer != nil {
		// Already waiting on a scheduled attempt.
		r.mu.Unlock()
		return
	}

	r.isReconnecting = true
	r.mu.Unlock()

	r.events.Emit(ReconnectEventDisconnected, reason)
	r.scheduleNext()
}

// HandleConnectError records a failed attempt. It never schedules by
// itself; the next attempt comes from the transport's disconnect signal
// or the grace timeout after the attempt.
func (r *Reconnector) HandleConnectError(errMsg string) {
	r.mu.Lock()
	reconnecting := r.isReconnecting
	r.mu.Unlock()
	if reconnecting {
		r.logger.Debugf("Connect attempt failed: %s", errMsg)
	} else {
		r.logger.Warnf("Connection error: %s", errMsg)
	}
}

// HandleConnect resets the state machine after a successful connect.
func (r *Reconnector) HandleConnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	recovered := r.everConnected && (r.isReconnecting || r.attempts > 0)
	r.stopTimersLocked()
	r.attempts = 0
	r.backoff.Reset()
	r.isReconnecting = false
	r.exhausted = false
	r.everConnected = true
	if recovered {
		r.totalReconnects++
	}
	total := r.totalReconnects
	r.mu.Unlock()

	if recovered {
		r.logger.Info("Reconnected", "totalReconnections", total)
		r.events.Emit(ReconnectEventReconnected, total)
	}
}

// scheduleNext books the next attempt, or gives up when the budget is
// spent.
func (r *Reconnector) scheduleNext() {
	r.mu.Lock()
	if r.closed || r.exhausted || !r.isReconnecting {
		r.mu.Unlock()
		return
	}
	if r.attempts >= r.cfg.MaxAttempts {
		r.exhausted = true
		r.isReconnecting = false
		r.stopTimersLocked()
		attempts := r.attempts
		r.mu.Unlock()
		r.logger.Warn("Giving up after max reconnection attempts", "attempts", attempts)
		r.events.Emit(ReconnectEventMaxAttempts, attempts)
		return
	}

	r.attempts++
	attempt := r.attempts
	delay := r.backoff.NextBackOff()
	if delay < 0 {
		delay = r.cfg.MaxDelay
	}
	r.nextAttemptAt = time.Now().Add(delay)

	r.retryTimer = r.sched.AfterFunc(delay, func() { r.attempt(attempt) })
	r.retryOff = r.timers.add(r.retryTimer)

	r.countdown = r.sched.Every(time.Second, func() {
		r.mu.Lock()
		remaining := time.Until(r.nextAttemptAt)
		waiting := r.retryTimer != nil
		r.mu.Unlock()
		if waiting && remaining > 0 {
			r.events.Emit(ReconnectEventCountdown, ScheduledAttempt{Attempt: attempt, Remaining: remaining})
		}
	})
	r.countdownOff = r.timers.add(r.countdown)
	r.mu.Unlock()

	r.logger.Info("Reconnection scheduled", "attempt", attempt, "delay", delay)
	r.events.Emit(ReconnectEventScheduled, ScheduledAttempt{Attempt: attempt, Delay: delay})
}

// attempt fires one connect attempt and arms the grace check that
// schedules the next attempt if nothing connects in time.
func (r *Reconnector) attempt(n int) {
	r.mu.Lock()
	if r.closed || !r.isReconnecting {
		r.mu.Unlock()
		return
	}
	if r.retryOff != nil {
		r.retryOff()
	}
	r.retryTimer = nil
	r.retryOff = nil
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdownOff()
		r.countdown = nil
		r.countdownOff = nil
	}

	r.grace = r.sched.AfterFunc(r.cfg.GraceTimeout, func() {
		r.mu.Lock()
		if r.graceOff != nil {
			r.graceOff()
		}
		r.grace = nil
		r.graceOff = nil
		stillDown := r.isReconnecting && !r.transport.Connected()
		r.mu.Unlock()
		if stillDown {
			r.logger.Debugf("No connection %s after attempt %d", r.cfg.GraceTimeout, n)
			r.scheduleNext()
		}
	})
	r.graceOff = r.timers.add(r.grace)
	r.mu.Unlock()

	r.logger.Info("Attempting reconnection", "attempt", n)
	r.events.Emit(ReconnectEventAttempt, ScheduledAttempt{Attempt: n})

	go func() {
		if err := r.transport.Connect(); err != nil {
			r.HandleConnectError(err.Error())
		}
	}()
}

// ForceReconnect cancels everything, resets the backoff and attempt
// budget, and attempts immediately. It is the only way out of the
// exhausted state.
func (r *Reconnector) ForceReconnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.stopTimersLocked()
	r.attempts = 1
	r.exhausted = false
	r.isReconnecting = true
	r.backoff.Reset()
	r.mu.Unlock()

	r.attempt(1)
}

// StopReconnection cancels all pending attempts without restarting.
func (r *Reconnector) StopReconnection() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.stopTimersLocked()
	r.isReconnecting = false
	r.mu.Unlock()

	r.events.Emit(ReconnectEventStopped, nil)
}

// UpdateConfig swaps the backoff parameters. Takes effect from the next
// scheduled attempt.
func (r *Reconnector) UpdateConfig(cfg ReconnectConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.backoff = newBackoff(cfg)
	r.mu.Unlock()

	r.events.Emit(ReconnectEventConfigUpdated, cfg)
}

func (r *Reconnector) stopTimersLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryOff()
		r.retryTimer = nil
		r.retryOff = nil
	}
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdownOff()
		r.countdown = nil
		r.countdownOff = nil
	}
	if r.grace != nil {
		r.grace.Stop()
		r.graceOff()
		r.grace = nil
		r.graceOff = nil
	}
}

// Close cancels all timers and unbinds from the transport.
func (r *Reconnector) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopTimersLocked()
	r.mu.Unlock()

	r.timers.stopAll()
	for _, off := range r.offs {
		off()
	}
	r.events.Close()
}
