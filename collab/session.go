package collab

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zenibako/collab-golang/messages"
)

// Session wires one user's engine, presence, reconnection, conflict
// detection and backup to a single transport and room. Components stay
// independently usable; the session only routes between them:
// reconnection state pauses the engine's and presence's outbound
// sends, engine rejections feed the conflict detector, and the backup
// manager snapshots everything.
type Session struct {
	SessionID string
	UserID    string
	UserName  string
	RoomID    string

	Engine    *Engine
	Presence  *Presence
	Reconnect *Reconnector
	Conflicts *ConflictDetector
	Backup    *BackupManager

	transport Transport
	logger    *log.Logger

	mu     sync.Mutex
	prefs  map[string]string
	closed bool
	subs   []*Subscription
}

// SessionOptions identifies the user and room a session joins.
type SessionOptions struct {
	UserID   string
	UserName string
	RoomID   string
	// LocalStore receives durable backups; MirrorStore is optional.
	LocalStore  BlobStore
	MirrorStore BlobStore
}

// NewSession assembles and wires all components. The caller owns the
// transport's lifetime beyond Close.
func NewSession(transport Transport, sched Scheduler, cfg Config, opts SessionOptions) *Session {
	s := &Session{
		SessionID: uuid.NewString(),
		UserID:    opts.UserID,
		UserName:  opts.UserName,
		RoomID:    opts.RoomID,
		transport: transport,
		logger:    log.With("component", "session", "user", opts.UserID, "room", opts.RoomID),
		prefs:     make(map[string]string),
	}

	s.Engine = NewEngine(transport, sched, cfg.Engine, opts.UserID, opts.UserName, opts.RoomID)
	s.Presence = NewPresence(transport, sched, cfg.Presence, opts.UserID, opts.UserName, opts.RoomID)
	s.Reconnect = NewReconnector(transport, sched, cfg.Reconnect)
	s.Conflicts = NewConflictDetector(5 * time.Second)
	s.Conflicts.Watch(s.Engine)
	s.Backup = NewBackupManager(s.SnapshotSession, opts.LocalStore, opts.MirrorStore, sched, cfg.Backup)

	// Optimistic sends pause while the link is down and resume once the
	// transport reports a connection again.
	s.subs = append(s.subs,
		s.Reconnect.Events().Subscribe(ReconnectEventDisconnected, func(any) {
			s.Engine.SetOnline(false)
			s.Presence.SetOnline(false)
		}),
		s.Reconnect.Events().Subscribe(ReconnectEventReconnected, func(any) {
			s.Engine.SetOnline(true)
			s.Presence.SetOnline(true)
			s.announce(messages.StatusInRoom)
		}),
	)

	if transport.Connected() {
		s.announce(messages.StatusInRoom)
	}

	return s
}

// announce reports availability to the room and globally.
func (s *Session) announce(status string) {
	if err := s.transport.Emit(messages.EventUserStatus, messages.UserStatus{RoomID: s.RoomID, Status: status}); err != nil {
		s.logger.Debugf("Failed to announce status %s: %v", status, err)
		return
	}
	global := messages.StatusOnline
	if status == messages.StatusOffline {
		global = messages.StatusOffline
	}
	_ = s.transport.Emit(messages.EventGlobalUserStatus, messages.GlobalUserStatus{Status: global})
}

// SetAway marks the user away without leaving the room.
func (s *Session) SetAway(away bool) {
	status := messages.StatusInRoom
	if away {
		status = messages.StatusAway
	}
	s.announce(status)
}

// SetPreference stores a user preference captured in snapshots.
func (s *Session) SetPreference(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[key] = value
}

// SnapshotSession captures the restorable state of every component.
func (s *Session) SnapshotSession() SessionData {
	files := s.Engine.Files()
	states := make(map[string]FileState, len(files))
	for id, fv := range files {
		states[id] = FileState{
			FileID:       fv.FileID,
			Content:      fv.Content,
			Version:      fv.Version,
			LastModified: fv.LastModified,
		}
	}

	s.mu.Lock()
	prefs := make(map[string]string, len(s.prefs))
	for k, v := range s.prefs {
		prefs[k] = v
	}
	s.mu.Unlock()

	cursors := s.Presence.Cursors()
	presence := make(map[string]string, len(cursors))
	for id, c := range cursors {
		presence[id] = c.UserName
	}

	return SessionData{
		SessionID:       s.SessionID,
		UserID:          s.UserID,
		RoomID:          s.RoomID,
		Timestamp:       time.Now(),
		FileStates:      states,
		UserPreferences: prefs,
		CollaborationState: CollaborationState{
			Permissions:   map[string]string{s.UserID: "owner"},
			SharedCursors: cursors,
			Presence:      presence,
		},
	}
}

// RestoreSession reinitializes the engine's files from a snapshot.
// The current state is only replaced once the snapshot decoded.
func (s *Session) RestoreSession(data SessionData) {
	for id, fs := range data.FileStates {
		s.Engine.InitializeFile(id, fs.Content, fs.Version)
	}
	s.mu.Lock()
	for k, v := range data.UserPreferences {
		s.prefs[k] = v
	}
	s.mu.Unlock()
	s.logger.Info("Session restored", "files", len(data.FileStates), "takenAt", data.Timestamp)
}

// Close tears every component down, announces departure, and closes
// the transport intentionally so no reconnection is scheduled.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.announce(messages.StatusOffline)
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.Backup.Close()
	s.Conflicts.Close()
	s.Presence.Close()
	s.Engine.Close()
	s.Reconnect.Close()
	if err := s.transport.Close(); err != nil {
		s.logger.Debugf("Transport close: %v", err)
	}
}
