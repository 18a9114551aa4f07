package collab

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zenibako/collab-golang/messages"
)

// Conflict lifecycle event names, observable via Events().
const (
	ConflictEventDetected = "conflict-detected"
	ConflictEventResolved = "conflict-resolved"
	ConflictEventFailed   = "conflict-resolution-failed"
)

// contention is recent activity on one path, pruned to the window.
type contention struct {
	users map[string]ConflictUser
}

// ConflictDetector watches the engine for signs of contention —
// version-mismatch rejections and overlapping structural operations —
// and maintains the active conflict set. Resolution is idempotent:
// resolving an ID that is no longer active is a no-op.
type ConflictDetector struct {
	events *Emitter
	logger *log.Logger

	window time.Duration

	mu         sync.Mutex
	active     map[string]*Conflict
	byPath     map[string]string // path -> active conflict ID
	recent     map[string]*contention
	recentSeen map[string]time.Time
	inProgress map[string]bool
}

// NewConflictDetector creates a detector. window bounds how far apart
// two users' operations may be and still count as contending.
func NewConflictDetector(window time.Duration) *ConflictDetector {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &ConflictDetector{
		events:     NewEmitter(),
		logger:     log.With("component", "conflicts"),
		window:     window,
		active:     make(map[string]*Conflict),
		byPath:     make(map[string]string),
		recent:     make(map[string]*contention),
		recentSeen: make(map[string]time.Time),
		inProgress: make(map[string]bool),
	}
}

// Watch binds the detector to an engine's events.
func (d *ConflictDetector) Watch(engine *Engine) {
	engine.Events().Subscribe(EngineEventVersionMismatch, func(payload any) {
		mismatch, ok := payload.(VersionMismatch)
		if !ok {
			return
		}
		d.RecordVersionMismatch(mismatch.FileID, engine.userName, mismatch.Change)
	})
	engine.Events().Subscribe(EngineEventRemoteApplied, func(payload any) {
		change, ok := payload.(messages.Change)
		if !ok {
			return
		}
		d.RecordOperations(change.FileID, change.UserName, change.Operations, change.Timestamp)
	})
	engine.Events().Subscribe(EngineEventChangeEmitted, func(payload any) {
		change, ok := payload.(messages.Change)
		if !ok {
			return
		}
		d.RecordOperations(change.FileID, change.UserName, change.Operations, change.Timestamp)
	})
}

// Events exposes the detector's observable side.
func (d *ConflictDetector) Events() *Emitter { return d.events }

// RecordVersionMismatch registers whole-file contention: the local user
// and the rejected change's author both edited from the same base.
func (d *ConflictDetector) RecordVersionMismatch(path, localUser string, change messages.Change) {
	users := []ConflictUser{
		{Username: localUser, Operation: "edit", Timestamp: time.Now()},
		{Username: change.UserName, Operation: "edit", Timestamp: change.Timestamp},
	}
	d.upsert(path, FileConflict, users)
}

// RecordOperations registers one user's structural operations on a
// path. When a second user touches the same path inside the contention
// window, an operation conflict is raised.
func (d *ConflictDetector) RecordOperations(path, username string, ops []messages.Operation, ts time.Time) {
	kind := dominantKind(ops)
	if kind == "" {
		return
	}

	d.mu.Lock()
	seen, ok := d.recentSeen[path]
	if !ok || time.Since(seen) > d.window {
		d.recent[path] = &contention{users: make(map[string]ConflictUser)}
	}
	d.recentSeen[path] = time.Now()
	c := d.recent[path]
	c.users[username] = ConflictUser{Username: username, Operation: kind, Timestamp: ts}

	if len(c.users) < 2 {
		d.mu.Unlock()
		return
	}
	users := make([]ConflictUser, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	d.mu.Unlock()

	d.upsert(path, OperationConflict, users)
}

// dominantKind picks the structural flavor of an operation sequence:
// delete beats insert beats nothing (retains alone are not an edit).
func dominantKind(ops []messages.Operation) string {
	kind := ""
	for _, op := range ops {
		switch op.Kind {
		case messages.OpDelete:
			return "delete"
		case messages.OpInsert:
			kind = "insert"
		}
	}
	return kind
}

// upsert creates or extends the active conflict for a path and
// reclassifies it.
func (d *ConflictDetector) upsert(path string, conflictType ConflictType, users []ConflictUser) {
	d.mu.Lock()

	var conflict *Conflict
	if id, ok := d.byPath[path]; ok {
		conflict = d.active[id]
	}
	created := false
	if conflict == nil {
		conflict = &Conflict{
			ID:         uuid.NewString(),
			Path:       path,
			Type:       conflictType,
			DetectedAt: time.Now(),
		}
		d.active[conflict.ID] = conflict
		d.byPath[path] = conflict.ID
		created = true
	}
	// Operation-level contention on an already conflicted file escalates
	// the type; it never downgrades.
	if conflictType == OperationConflict {
		conflict.Type = OperationConflict
	}
	for _, u := range users {
		conflict.mergeUser(u)
	}
	conflict.classify()
	snapshot := *conflict
	d.mu.Unlock()

	if created {
		d.logger.Info("Conflict detected",
			"path", path, "type", snapshot.Type, "users", len(snapshot.Users), "severity", snapshot.Severity)
		d.events.Emit(ConflictEventDetected, snapshot)
	}
}

// mergeUser adds or refreshes a contender, keyed by username.
func (c *Conflict) mergeUser(u ConflictUser) {
	for i := range c.Users {
		if c.Users[i].Username == u.Username {
			if u.Timestamp.After(c.Users[i].Timestamp) {
				c.Users[i] = u
			}
			return
		}
	}
	c.Users = append(c.Users, u)
}

// Active returns a snapshot of every unresolved conflict.
func (d *ConflictDetector) Active() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conflict, 0, len(d.active))
	for _, c := range d.active {
		out = append(out, *c)
	}
	return out
}

// Get returns one active conflict by ID.
func (d *ConflictDetector) Get(id string) (Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.active[id]
	if !ok {
		return Conflict{}, false
	}
	return *c, true
}

// Resolve applies a policy to an active conflict through the given
// resolver. Resolving an ID that was already resolved (or never
// existed) is a no-op. A resolver failure leaves the conflict active
// with its in-progress flag cleared so the caller may retry.
func (d *ConflictDetector) Resolve(id string, policy ResolutionPolicy, resolver Resolver) (*Resolution, error) {
	d.mu.Lock()
	conflict, ok := d.active[id]
	if !ok {
		d.mu.Unlock()
		d.logger.Debugf("Ignoring resolution for inactive conflict %s", id)
		return nil, nil
	}
	if d.inProgress[id] {
		d.mu.Unlock()
		return nil, nil
	}
	d.inProgress[id] = true
	snapshot := *conflict
	d.mu.Unlock()

	resolution, err := resolver.Resolve(&snapshot, policy)

	d.mu.Lock()
	delete(d.inProgress, id)
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("Conflict resolution failed", "conflict", id, "policy", policy, "error", err)
		d.events.Emit(ConflictEventFailed, snapshot)
		return nil, err
	}
	delete(d.active, id)
	if d.byPath[snapshot.Path] == id {
		delete(d.byPath, snapshot.Path)
	}
	delete(d.recent, snapshot.Path)
	delete(d.recentSeen, snapshot.Path)
	d.mu.Unlock()

	d.logger.Info("Conflict resolved", "conflict", id, "policy", resolution.Policy, "winner", resolution.Winner)
	d.events.Emit(ConflictEventResolved, *resolution)
	return resolution, nil
}

// Close drops all state and listeners.
func (d *ConflictDetector) Close() {
	d.mu.Lock()
	d.active = make(map[string]*Conflict)
	d.byPath = make(map[string]string)
	d.recent = make(map[string]*contention)
	d.recentSeen = make(map[string]time.Time)
	d.mu.Unlock()
	d.events.Close()
}
