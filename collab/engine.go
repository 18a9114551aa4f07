package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zenibako/collab-golang/messages"
)

// Engine event names, observable via Events().
const (
	EngineEventChangeEmitted   = "change-emitted"
	EngineEventRemoteApplied   = "remote-change-applied"
	EngineEventVersionMismatch = "version-mismatch"
	EngineEventChangeDropped   = "change-dropped"
	EngineEventFileSynced      = "file-synced"
)

// ErrUnknownFile is returned when a local edit targets a file that was
// never initialized.
var ErrUnknownFile = errors.New("file not initialized")

// FileVersion is the engine's tracked state for one file. Version
// counts the changes (local and remote) applied since initialization.
type FileVersion struct {
	FileID       string
	Version      int
	Content      string
	LastModified time.Time
}

// VersionMismatch describes a rejected remote change.
type VersionMismatch struct {
	FileID       string
	LocalVersion int
	Change       messages.Change
}

// pendingEdit is a debounced local edit awaiting emission. The version
// bump happened when the edit was first seen; the operations are
// re-derived from baseContent at flush time so a burst of keystrokes
// leaves as one change.
type pendingEdit struct {
	baseContent string
	baseVersion int
	timer       Timer
	release     func()
}

// Engine keeps each file's local buffer synchronized with peers under
// a version gate. Concurrent edits are not transformed: any remote
// change whose base version disagrees with the tracked version is
// rejected and answered with a full snapshot resync. That trade
// (resync cost for protocol simplicity) is deliberate.
type Engine struct {
	userID   string
	userName string
	roomID   string

	transport Transport
	events    *Emitter
	sched     Scheduler
	timers    *timerSet
	logger    *log.Logger

	debounce time.Duration

	mu             sync.Mutex
	files          map[string]*FileVersion
	pending        map[string]*pendingEdit
	applyingRemote bool
	online         bool
	closed         bool
	deferred       []messages.Change

	offs []func()
}

// NewEngine creates an engine bound to the transport's document events.
func NewEngine(transport Transport, sched Scheduler, cfg EngineConfig, userID, userName, roomID string) *Engine {
	e := &Engine{
		userID:    userID,
		userName:  userName,
		roomID:    roomID,
		transport: transport,
		events:    NewEmitter(),
		sched:     sched,
		timers:    newTimerSet(),
		logger:    log.With("component", "engine", "user", userID),
		debounce:  cfg.DebounceWindow,
		files:     make(map[string]*FileVersion),
		pending:   make(map[string]*pendingEdit),
		online:    true,
	}

	e.offs = append(e.offs,
		transport.On(messages.EventCollaborativeChange, func(payload []byte) {
			var change messages.Change
			if err := decode(messages.EventCollaborativeChange, payload, &change); err != nil {
				e.logger.Warn("Dropping undecodable change", "error", err)
				return
			}
			e.ApplyRemoteChange(change)
		}),
		transport.On(messages.EventFileSync, func(payload []byte) {
			var snap messages.FileSync
			if err := decode(messages.EventFileSync, payload, &snap); err != nil {
				e.logger.Warn("Dropping undecodable file sync", "error", err)
				return
			}
			e.HandleFileSync(snap)
		}),
		transport.On(messages.EventSyncRequestFromPeer, func(payload []byte) {
			var req messages.PeerSyncRequest
			if err := decode(messages.EventSyncRequestFromPeer, payload, &req); err != nil {
				e.logger.Warn("Dropping undecodable peer sync request", "error", err)
				return
			}
			e.HandlePeerSyncRequest(req)
		}),
	)

	return e
}

// Events exposes the engine's observable side.
func (e *Engine) Events() *Emitter { return e.events }

// InitializeFile resets the tracked state for a file to the given
// baseline. Any pending local edit for the file is discarded.
func (e *Engine) InitializeFile(fileID, content string, version int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.dropPendingLocked(fileID)
	e.files[fileID] = &FileVersion{
		FileID:       fileID,
		Version:      version,
		Content:      content,
		LastModified: time.Now(),
	}
	e.logger.Debugf("Initialized file %s at version %d (%d chars)", fileID, version, len(content))
}

// File returns a snapshot of the tracked state for one file.
func (e *Engine) File(fileID string) (FileVersion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fv, ok := e.files[fileID]
	if !ok {
		return FileVersion{}, false
	}
	return *fv, true
}

// Files returns a snapshot of every tracked file, keyed by file ID.
func (e *Engine) Files() map[string]FileVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]FileVersion, len(e.files))
	for id, fv := range e.files {
		out[id] = *fv
	}
	return out
}

// SubmitLocalChange records a local edit that replaced the file's
// buffer with newContent. The edit is applied optimistically (version
// advances immediately, no acknowledgment round trip) and emitted after
// the debounce window, so a burst of keystrokes becomes one change.
// Calls made while a remote change is being applied are ignored; that
// is the editor echoing the remote application back, not a new edit.
func (e *Engine) SubmitLocalChange(fileID, newContent string) error {
	e.mu.Lock()
	if e.closed || e.applyingRemote {
		e.mu.Unlock()
		return nil
	}

	fv, ok := e.files[fileID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownFile
	}

	if p, ok := e.pending[fileID]; ok {
		// Extend the open debounce window with the newest buffer.
		fv.Content = newContent
		fv.LastModified = time.Now()
		p.timer.Stop()
		p.release()
		p.timer = e.sched.AfterFunc(e.debounce, func() { e.flush(fileID) })
		p.release = e.timers.add(p.timer)
		e.mu.Unlock()
		return nil
	}

	if DiffContents(fv.Content, newContent) == nil {
		e.mu.Unlock()
		return nil
	}

	p := &pendingEdit{baseContent: fv.Content, baseVersion: fv.Version}
	fv.Version++
	fv.Content = newContent
	fv.LastModified = time.Now()
	e.pending[fileID] = p
	p.timer = e.sched.AfterFunc(e.debounce, func() { e.flush(fileID) })
	p.release = e.timers.add(p.timer)
	e.mu.Unlock()
	return nil
}

// flush emits the debounced change for a file.
func (e *Engine) flush(fileID string) {
	e.mu.Lock()
	p, ok := e.pending[fileID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.pending, fileID)
	p.release()

	fv, ok := e.files[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}

	ops := DiffContents(p.baseContent, fv.Content)
	if ops == nil {
		// The burst edited and un-edited; nothing left to say. Roll the
		// optimistic bump back so versions still count emitted changes.
		fv.Version = p.baseVersion
		e.mu.Unlock()
		return
	}

	change := messages.Change{
		ID:          uuid.NewString(),
		UserID:      e.userID,
		UserName:    e.userName,
		FileID:      fileID,
		Operations:  ops,
		BaseVersion: p.baseVersion,
		Timestamp:   time.Now(),
		RoomID:      e.roomID,
	}

	if !e.online {
		e.deferred = append(e.deferred, change)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.send(change)
}

func (e *Engine) send(change messages.Change) {
	if err := e.transport.Emit(messages.EventCollaborativeChange, change); err != nil {
		e.logger.Warn("Failed to emit change", "file", change.FileID, "error", err)
	}
	e.events.Emit(EngineEventChangeEmitted, change)
}

// ApplyRemoteChange applies a peer's change to the tracked buffer.
// Echoes of our own changes and changes for unknown files are ignored.
// A base-version disagreement rejects the change and requests a full
// resync instead of transforming against intervening local edits. A
// sequence whose lengths do not cover the document is dropped outright
// and logged; nothing is partially applied.
func (e *Engine) ApplyRemoteChange(change messages.Change) {
	e.mu.Lock()
	if e.closed || change.UserID == e.userID {
		e.mu.Unlock()
		return
	}

	fv, ok := e.files[change.FileID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring change for unknown file %s", change.FileID)
		return
	}

	if change.BaseVersion != fv.Version {
		mismatch := VersionMismatch{FileID: change.FileID, LocalVersion: fv.Version, Change: change}
		e.mu.Unlock()
		e.logger.Info("Version skew, requesting resync",
			"file", change.FileID, "local", mismatch.LocalVersion, "base", change.BaseVersion, "from", change.UserName)
		e.events.Emit(EngineEventVersionMismatch, mismatch)
		e.RequestFileSync(change.FileID)
		return
	}

	result, err := ApplyOperations(fv.Content, change.Operations)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Dropping malformed change", "file", change.FileID, "id", change.ID, "error", err)
		e.events.Emit(EngineEventChangeDropped, change)
		return
	}

	fv.Version++
	fv.Content = result
	fv.LastModified = time.Now()
	e.applyingRemote = true
	e.mu.Unlock()

	// Listeners update the editor buffer here; the reentrancy flag keeps
	// that update from being detected as a fresh local edit.
	e.events.Emit(EngineEventRemoteApplied, change)

	e.mu.Lock()
	e.applyingRemote = false
	e.mu.Unlock()
}

// RequestFileSync asks the room for an authoritative snapshot of the
// file. The response may arrive out of order or not at all; a lost
// response is simply re-requested on the next detected mismatch.
func (e *Engine) RequestFileSync(fileID string) {
	req := messages.FileSyncRequest{RoomID: e.roomID, FileID: fileID}
	if err := e.transport.Emit(messages.EventRequestFileSync, req); err != nil {
		e.logger.Warn("Failed to request file sync", "file", fileID, "error", err)
	}
}

// HandleFileSync replaces the tracked state with an authoritative
// snapshot. Snapshots addressed to a different requester are ignored.
func (e *Engine) HandleFileSync(snap messages.FileSync) {
	if snap.RequesterID != "" && snap.RequesterID != e.userID {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.dropPendingLocked(snap.FileID)
	e.files[snap.FileID] = &FileVersion{
		FileID:       snap.FileID,
		Version:      snap.Version,
		Content:      snap.Content,
		LastModified: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debugf("Resynced file %s to version %d", snap.FileID, snap.Version)
	e.events.Emit(EngineEventFileSynced, snap)
}

// HandlePeerSyncRequest answers a relayed sync request with this
// client's snapshot, addressed to the requester.
func (e *Engine) HandlePeerSyncRequest(req messages.PeerSyncRequest) {
	e.mu.Lock()
	fv, ok := e.files[req.FileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	snap := messages.FileSync{
		RequesterID: req.RequesterID,
		FileID:      fv.FileID,
		Content:     fv.Content,
		Version:     fv.Version,
	}
	e.mu.Unlock()

	if err := e.transport.Emit(messages.EventFileSync, snap); err != nil {
		e.logger.Warn("Failed to answer peer sync request", "file", req.FileID, "error", err)
	}
}

// SetOnline pauses or resumes outbound sends. Changes flushed while
// offline are held and emitted in order once the connection returns.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	var queued []messages.Change
	if online {
		queued = e.deferred
		e.deferred = nil
	}
	e.mu.Unlock()

	for _, change := range queued {
		e.send(change)
	}
}

func (e *Engine) dropPendingLocked(fileID string) {
	if p, ok := e.pending[fileID]; ok {
		p.timer.Stop()
		p.release()
		delete(e.pending, fileID)
	}
}

// Close cancels all pending timers and unbinds from the transport.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = make(map[string]*pendingEdit)
	e.mu.Unlock()

	e.timers.stopAll()
	for _, off := range e.offs {
		off()
	}
	e.events.Close()
}
