package collab

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zenibako/collab-golang/messages"
)

// cursorPalette is the fixed set of cursor colors. Assignment hashes
// the user ID so a user keeps their color across reconnects without
// any coordination.
var cursorPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#e5c07b", "#56b6c2", "#d19a66", "#abb2bf",
}

// ColorForUser returns the stable cursor color for a user.
func ColorForUser(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// Presence broadcasts the local user's cursor, selection and typing
// state, and tracks the same for every remote peer. Outbound cursor
// updates are throttled; rapid movement coalesces into the latest
// position, and the trailing position is always sent once the throttle
// window closes.
type Presence struct {
	userID   string
	userName string
	roomID   string
	color    string

	transport Transport
	sched     Scheduler
	timers    *timerSet
	logger    *log.Logger

	throttle     time.Duration
	typingExpiry time.Duration

	mu          sync.Mutex
	lastSent    time.Time
	pendingOut  *messages.CursorUpdate
	trailing    Timer
	trailingOff func()
	typingTimer Timer
	typingOff   func()
	isTyping    bool
	lastCursor  *messages.CursorUpdate
	remote      map[string]messages.CursorUpdate
	online      bool
	closed      bool

	offs []func()
}

// NewPresence creates a presence broadcaster bound to the transport's
// cursor events.
func NewPresence(transport Transport, sched Scheduler, cfg PresenceConfig, userID, userName, roomID string) *Presence {
	p := &Presence{
		userID:       userID,
		userName:     userName,
		roomID:       roomID,
		color:        ColorForUser(userID),
		transport:    transport,
		sched:        sched,
		timers:       newTimerSet(),
		logger:       log.With("component", "presence", "user", userID),
		throttle:     cfg.CursorThrottle,
		typingExpiry: cfg.TypingExpiry,
		remote:       make(map[string]messages.CursorUpdate),
		online:       true,
	}

	p.offs = append(p.offs, transport.On(messages.EventCursorUpdate, func(payload []byte) {
		var update messages.CursorUpdate
		if err := decode(messages.EventCursorUpdate, payload, &update); err != nil {
			p.logger.Warn("Dropping undecodable cursor update", "error", err)
			return
		}
		p.HandleCursorUpdate(update)
	}))

	return p
}

// ReportCursor broadcasts the local cursor position. At most one update
// leaves per throttle window; intermediate positions are coalesced and
// the final one is sent when the window closes.
func (p *Presence) ReportCursor(fileID string, pos messages.Position, sel *messages.Selection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	update := messages.CursorUpdate{
		UserID:       p.userID,
		UserName:     p.userName,
		FileID:       fileID,
		Position:     pos,
		Selection:    sel,
		Color:        p.color,
		IsTyping:     p.isTyping,
		LastActivity: time.Now(),
		RoomID:       p.roomID,
	}
	p.lastCursor = &update

	since := time.Since(p.lastSent)
	if since >= p.throttle {
		p.sendLocked(update)
		return
	}

	p.pendingOut = &update
	if p.trailing == nil {
		p.trailing = p.sched.AfterFunc(p.throttle-since, p.flushTrailing)
		p.trailingOff = p.timers.add(p.trailing)
	}
}

func (p *Presence) flushTrailing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trailingOff != nil {
		p.trailingOff()
	}
	p.trailing = nil
	p.trailingOff = nil
	if p.pendingOut == nil || p.closed {
		return
	}
	update := *p.pendingOut
	p.pendingOut = nil
	p.sendLocked(update)
}

// ReportTyping marks the local user as typing. The indicator clears
// itself after the expiry window unless refreshed by another call;
// passing false clears it immediately.
func (p *Presence) ReportTyping(isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingOff()
		p.typingTimer = nil
		p.typingOff = nil
	}

	p.isTyping = isTyping
	if isTyping {
		p.typingTimer = p.sched.AfterFunc(p.typingExpiry, p.expireTyping)
		p.typingOff = p.timers.add(p.typingTimer)
	}
	p.broadcastTypingLocked()
}

// expireTyping fires when the auto-clear window elapses with no fresh
// keystroke: the indicator drops without user action.
func (p *Presence) expireTyping() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typingOff != nil {
		p.typingOff()
	}
	p.typingTimer = nil
	p.typingOff = nil
	if !p.isTyping || p.closed {
		return
	}
	p.isTyping = false
	p.broadcastTypingLocked()
}

func (p *Presence) broadcastTypingLocked() {
	update := messages.CursorUpdate{
		UserID:       p.userID,
		UserName:     p.userName,
		Color:        p.color,
		IsTyping:     p.isTyping,
		LastActivity: time.Now(),
		RoomID:       p.roomID,
	}
	if p.lastCursor != nil {
		update.FileID = p.lastCursor.FileID
		update.Position = p.lastCursor.Position
		update.Selection = p.lastCursor.Selection
	}
	p.sendLocked(update)
}

func (p *Presence) sendLocked(update messages.CursorUpdate) {
	p.lastSent = time.Now()
	if !p.online {
		return
	}
	if err := p.transport.Emit(messages.EventCursorUpdate, update); err != nil {
		p.logger.Debugf("Failed to emit cursor update: %v", err)
	}
}

// HandleCursorUpdate stores a remote user's cursor, overwriting any
// prior state for that user. Our own echoes are ignored.
func (p *Presence) HandleCursorUpdate(update messages.CursorUpdate) {
	if update.UserID == p.userID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.remote[update.UserID] = update
}

// CursorsForFile returns remote cursors currently on the given file.
// Cursors parked on other files stay tracked but are not returned.
func (p *Presence) CursorsForFile(fileID string) []messages.CursorUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []messages.CursorUpdate
	for _, c := range p.remote {
		if c.FileID == fileID {
			out = append(out, c)
		}
	}
	return out
}

// Cursors returns every tracked remote cursor, keyed by user ID.
func (p *Presence) Cursors() map[string]messages.CursorUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]messages.CursorUpdate, len(p.remote))
	for id, c := range p.remote {
		out[id] = c
	}
	return out
}

// RemoveUser drops a departed user's cursor.
func (p *Presence) RemoveUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.remote, userID)
}

// SetOnline pauses or resumes outbound presence. Cursor state is
// ephemeral, so nothing is queued while offline.
func (p *Presence) SetOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

// Close cancels all timers, releases cursor state and unbinds from the
// transport.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.remote = make(map[string]messages.CursorUpdate)
	p.pendingOut = nil
	p.mu.Unlock()

	p.timers.stopAll()
	for _, off := range p.offs {
		off()
	}
}
