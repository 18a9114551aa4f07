package messages

import "time"

// Event names and payload shapes for the collaboration wire protocol.
// Every event travels as a name plus a JSON-encoded payload; the
// transport carries them without interpreting either.

// EventName identifies a wire event.
type EventName string

const (
	// Document events
	EventCollaborativeChange EventName = "collaborative-change"
	EventRequestFileSync     EventName = "request-file-sync"
	EventFileSync            EventName = "file-sync"
	EventSyncRequestFromPeer EventName = "request-file-sync-from-peer"

	// Presence events
	EventCursorUpdate     EventName = "cursor-update"
	EventUserStatus       EventName = "user-status"
	EventGlobalUserStatus EventName = "global-user-status"

	// Connection lifecycle events, produced by the transport itself
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
)

// User status values for EventUserStatus
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
	StatusInRoom  = "in-room"
)

// OpKind is the kind of a single edit operation.
type OpKind string

const (
	OpRetain OpKind = "retain"
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is one retain/insert/delete unit of an edit.
// Length is set for retain and delete, Text for insert.
type Operation struct {
	Kind   OpKind `json:"kind"`
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Change is a versioned batch of operations against one file.
type Change struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	UserName    string      `json:"userName"`
	FileID      string      `json:"fileId"`
	Operations  []Operation `json:"operations"`
	BaseVersion int         `json:"baseVersion"`
	Timestamp   time.Time   `json:"timestamp"`
	RoomID      string      `json:"roomId,omitempty"`
}

// Position is a line/column caret location.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is an inclusive start/exclusive end range.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// CursorUpdate carries one user's live cursor state.
type CursorUpdate struct {
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName"`
	FileID       string     `json:"fileId"`
	Position     Position   `json:"position"`
	Selection    *Selection `json:"selection,omitempty"`
	Color        string     `json:"color"`
	IsTyping     bool       `json:"isTyping,omitempty"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`
	RoomID       string     `json:"roomId,omitempty"`
}

// FileSyncRequest asks the room for an authoritative snapshot.
type FileSyncRequest struct {
	RoomID string `json:"roomId"`
	FileID string `json:"fileId"`
}

// FileSync is a full snapshot of one file at a version. RequesterID is
// set when the snapshot answers a peer-relayed request, so the relay
// can deliver it to that peer only.
type FileSync struct {
	RequesterID string `json:"requesterId,omitempty"`
	FileID      string `json:"fileId"`
	Content     string `json:"content"`
	Version     int    `json:"version"`
}

// PeerSyncRequest is relayed to a peer that holds the file, asking it
// to answer with its own snapshot.
type PeerSyncRequest struct {
	FileID      string `json:"fileId"`
	RequesterID string `json:"requesterId"`
}

// UserStatus reports room-scoped availability.
type UserStatus struct {
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

// GlobalUserStatus reports process-wide availability.
type GlobalUserStatus struct {
	Status string `json:"status"`
}

// DisconnectInfo is the payload of EventDisconnect.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// IntentionalDisconnect reports whether a disconnect reason indicates a
// locally-initiated close that should not trigger reconnection.
func IntentionalDisconnect(reason string) bool {
	switch reason {
	case "io client disconnect", "client namespace disconnect", "forced close":
		return true
	}
	return false
}
