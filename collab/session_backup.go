package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"

	"github.com/zenibako/collab-golang/messages"
)

// Backup event names, observable via Events().
const (
	BackupEventCreated       = "backup-created"
	BackupEventFailed        = "backup-failed"
	BackupEventRestored      = "backup-restored"
	BackupEventRestoreFailed = "restore-failed"
)

// ErrNoBackup reports that neither the in-memory history nor the
// durable store holds a restorable snapshot.
var ErrNoBackup = errors.New("no backup available")

// BlobStore is the durable storage boundary. The backup manager is the
// only component that touches it.
type BlobStore interface {
	Save(ctx context.Context, key string, blob []byte) error
	// Load returns the blob and whether the key exists.
	Load(ctx context.Context, key string) ([]byte, bool, error)
}

// FileState is one file's buffer as captured in a snapshot.
type FileState struct {
	FileID       string    `json:"fileId"`
	Content      string    `json:"content"`
	Version      int       `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// CollaborationState is the shared-session view captured in a snapshot.
type CollaborationState struct {
	Permissions   map[string]string                 `json:"permissions"`
	SharedCursors map[string]messages.CursorUpdate  `json:"sharedCursors"`
	Presence      map[string]string                 `json:"presence"`
}

// SessionData is one client session's full restorable state.
type SessionData struct {
	SessionID          string               `json:"sessionId"`
	UserID             string               `json:"userId"`
	RoomID             string               `json:"roomId"`
	Timestamp          time.Time            `json:"timestamp"`
	FileStates         map[string]FileState `json:"fileStates"`
	UserPreferences    map[string]string    `json:"userPreferences"`
	CollaborationState CollaborationState   `json:"collaborationState"`
}

// Stored form: every unordered map becomes a key-sorted pair list so
// the stored bytes are deterministic and diffable.

type storedEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type storedSession struct {
	SessionID       string        `json:"sessionId"`
	UserID          string        `json:"userId"`
	RoomID          string        `json:"roomId"`
	Timestamp       time.Time     `json:"timestamp"`
	FileStates      []storedEntry `json:"fileStates"`
	UserPreferences []storedEntry `json:"userPreferences"`
	Permissions     []storedEntry `json:"permissions"`
	SharedCursors   []storedEntry `json:"sharedCursors"`
	Presence        []storedEntry `json:"presence"`
}

func toEntries[V any](m map[string]V) ([]storedEntry, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]storedEntry, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal entry %q: %w", k, err)
		}
		entries = append(entries, storedEntry{Key: k, Value: raw})
	}
	return entries, nil
}

func fromEntries[V any](entries []storedEntry) (map[string]V, error) {
	m := make(map[string]V, len(entries))
	for _, e := range entries {
		var v V
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshal entry %q: %w", e.Key, err)
		}
		m[e.Key] = v
	}
	return m, nil
}

// SerializeSession encodes a session with ordered key/value sequences.
func SerializeSession(data SessionData) ([]byte, error) {
	stored := storedSession{
		SessionID: data.SessionID,
		UserID:    data.UserID,
		RoomID:    data.RoomID,
		Timestamp: data.Timestamp,
	}

	var err error
	if stored.FileStates, err = toEntries(data.FileStates); err != nil {
		return nil, err
	}
	if stored.UserPreferences, err = toEntries(data.UserPreferences); err != nil {
		return nil, err
	}
	if stored.Permissions, err = toEntries(data.CollaborationState.Permissions); err != nil {
		return nil, err
	}
	if stored.SharedCursors, err = toEntries(data.CollaborationState.SharedCursors); err != nil {
		return nil, err
	}
	if stored.Presence, err = toEntries(data.CollaborationState.Presence); err != nil {
		return nil, err
	}

	return json.Marshal(stored)
}

// DeserializeSession decodes a stored session back to live maps.
func DeserializeSession(blob []byte) (SessionData, error) {
	var stored storedSession
	if err := json.Unmarshal(blob, &stored); err != nil {
		return SessionData{}, fmt.Errorf("parse stored session: %w", err)
	}

	data := SessionData{
		SessionID: stored.SessionID,
		UserID:    stored.UserID,
		RoomID:    stored.RoomID,
		Timestamp: stored.Timestamp,
	}

	var err error
	if data.FileStates, err = fromEntries[FileState](stored.FileStates); err != nil {
		return SessionData{}, err
	}
	if data.UserPreferences, err = fromEntries[string](stored.UserPreferences); err != nil {
		return SessionData{}, err
	}
	if data.CollaborationState.Permissions, err = fromEntries[string](stored.Permissions); err != nil {
		return SessionData{}, err
	}
	if data.CollaborationState.SharedCursors, err = fromEntries[messages.CursorUpdate](stored.SharedCursors); err != nil {
		return SessionData{}, err
	}
	if data.CollaborationState.Presence, err = fromEntries[string](stored.Presence); err != nil {
		return SessionData{}, err
	}
	return data, nil
}

// BackupManager keeps a bounded in-memory snapshot history plus a
// durable copy, optionally mirrored to a remote store. One snapshot
// runs at a time; the periodic timer and manual CreateBackup share the
// same guard.
type BackupManager struct {
	source func() SessionData
	local  BlobStore
	mirror BlobStore // optional

	events *Emitter
	sched  Scheduler
	timers *timerSet
	logger *log.Logger

	compress    bool
	historySize int

	mu       sync.Mutex
	inFlight bool
	history  []SessionData // newest first
	interval time.Duration
	ticker   Timer
	tickOff  func()
	closed   bool
}

// NewBackupManager creates a manager snapshotting the given source.
// mirror may be nil.
func NewBackupManager(source func() SessionData, local, mirror BlobStore, sched Scheduler, cfg BackupConfig) *BackupManager {
	compress := cfg.Compress == nil || *cfg.Compress
	return &BackupManager{
		source:      source,
		local:       local,
		mirror:      mirror,
		events:      NewEmitter(),
		sched:       sched,
		timers:      newTimerSet(),
		logger:      log.With("component", "backup"),
		compress:    compress,
		historySize: cfg.HistorySize,
		interval:    cfg.Interval,
	}
}

// Events exposes the manager's observable side.
func (m *BackupManager) Events() *Emitter { return m.events }

// Start begins periodic snapshots.
func (m *BackupManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.ticker != nil {
		return
	}
	m.startTickerLocked()
}

func (m *BackupManager) startTickerLocked() {
	m.ticker = m.sched.Every(m.interval, func() {
		if err := m.CreateBackup(context.Background()); err != nil {
			m.logger.Warn("Periodic backup failed", "error", err)
		}
	})
	m.tickOff = m.timers.add(m.ticker)
}

// SetInterval changes the period; the timer restarts so the new
// interval applies from now.
func (m *BackupManager) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
	if m.ticker != nil {
		m.ticker.Stop()
		m.tickOff()
		m.startTickerLocked()
	}
}

// History returns the number of snapshots held in memory.
func (m *BackupManager) History() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// CreateBackup takes one snapshot: into the ring history, the local
// store, and the mirror. A snapshot already in flight makes this call
// a no-op. Mirror failures are logged but never fail the backup; a
// local store failure does.
func (m *BackupManager) CreateBackup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.inFlight {
		m.mu.Unlock()
		return nil
	}
	m.inFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	data := m.source()
	data.Timestamp = time.Now()

	m.mu.Lock()
	m.history = append([]SessionData{data}, m.history...)
	if len(m.history) > m.historySize {
		m.history = m.history[:m.historySize]
	}
	m.mu.Unlock()

	blob, err := SerializeSession(data)
	if err != nil {
		m.events.Emit(BackupEventFailed, err)
		return fmt.Errorf("serialize session %s: %w", data.SessionID, err)
	}
	if m.compress {
		if blob, err = gzipBytes(blob); err != nil {
			m.events.Emit(BackupEventFailed, err)
			return fmt.Errorf("compress session %s: %w", data.SessionID, err)
		}
	}

	key := backupKey(data.SessionID)
	if err := m.local.Save(ctx, key, blob); err != nil {
		m.logger.Error("Local backup write failed", "key", key, "error", err)
		m.events.Emit(BackupEventFailed, err)
		return fmt.Errorf("save backup %s: %w", key, err)
	}

	if m.mirror != nil {
		if err := m.mirror.Save(ctx, key, blob); err != nil {
			// The local copy is intact; the mirror is best effort.
			m.logger.Warn("Remote backup mirror failed", "key", key, "error", err)
		}
	}

	m.logger.Debugf("Backup created for session %s (%d bytes)", data.SessionID, len(blob))
	m.events.Emit(BackupEventCreated, data)
	return nil
}

// RestoreFromBackup returns the snapshot at the given history index
// (0 = newest). When the index is out of range it falls back to the
// durable store. Failure leaves the running session untouched.
func (m *BackupManager) RestoreFromBackup(ctx context.Context, index int, sessionID string) (SessionData, error) {
	m.mu.Lock()
	if index >= 0 && index < len(m.history) {
		data := m.history[index]
		m.mu.Unlock()
		m.events.Emit(BackupEventRestored, data)
		return data, nil
	}
	m.mu.Unlock()

	blob, ok, err := m.local.Load(ctx, backupKey(sessionID))
	if err != nil {
		m.events.Emit(BackupEventRestoreFailed, err)
		return SessionData{}, fmt.Errorf("load backup for %s: %w", sessionID, err)
	}
	if !ok {
		m.events.Emit(BackupEventRestoreFailed, ErrNoBackup)
		return SessionData{}, ErrNoBackup
	}

	if isGzip(blob) {
		if blob, err = gunzipBytes(blob); err != nil {
			m.events.Emit(BackupEventRestoreFailed, err)
			return SessionData{}, fmt.Errorf("decompress backup for %s: %w", sessionID, err)
		}
	}

	data, err := DeserializeSession(blob)
	if err != nil {
		m.events.Emit(BackupEventRestoreFailed, err)
		return SessionData{}, err
	}

	m.events.Emit(BackupEventRestored, data)
	return data, nil
}

// Close stops the periodic timer and drops listeners.
func (m *BackupManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.timers.stopAll()
	m.events.Close()
}

func backupKey(sessionID string) string { return "session/" + sessionID }

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// isGzip sniffs the gzip magic so uncompressed blobs written before
// compression was enabled still restore.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
