package collab

import (
	"strings"
	"testing"
	"time"

	"github.com/zenibako/collab-golang/messages"
	"github.com/zenibako/collab-golang/storage"
)

func newTestSession(relay *MockRelay, sched Scheduler, userID, userName string) *Session {
	return NewSession(relay.Join(userID), sched, DefaultConfig(), SessionOptions{
		UserID:     userID,
		UserName:   userName,
		RoomID:     "room-1",
		LocalStore: storage.NewMemoryStore(),
	})
}

// TestSessionAnnouncesPresence tests the user-status broadcast on join and leave
func TestSessionAnnouncesPresence(t *testing.T) {
	relay := NewMockRelay()
	sched := NewManualScheduler()
	relay.Join("observer")

	s := newTestSession(relay, sched, "alice", "Alice")
	if got := relay.CarriedCount(messages.EventUserStatus); got != 1 {
		t.Errorf("Expected 1 room status on join, got %d", got)
	}
	if got := relay.CarriedCount(messages.EventGlobalUserStatus); got != 1 {
		t.Errorf("Expected 1 global status on join, got %d", got)
	}

	s.SetAway(true)
	if got := relay.CarriedCount(messages.EventUserStatus); got != 2 {
		t.Errorf("Expected an away status, got %d room statuses", got)
	}

	s.Close()
	carried := relay.Carried()
	lastStatus := ""
	for _, e := range carried {
		if e.Event == messages.EventUserStatus {
			lastStatus = string(e.Payload)
		}
	}
	if lastStatus == "" || !strings.Contains(lastStatus, messages.StatusOffline) {
		t.Errorf("Expected a final offline status, got %q", lastStatus)
	}
}

// TestSessionSnapshotRestore tests the snapshot round trip through the engine
func TestSessionSnapshotRestore(t *testing.T) {
	relay := NewMockRelay()
	sched := NewManualScheduler()
	s := newTestSession(relay, sched, "alice", "Alice")
	defer s.Close()

	s.Engine.InitializeFile("a.txt", "alpha", 3)
	s.Engine.InitializeFile("b.txt", "bravo", 1)
	s.SetPreference("theme", "dark")
	s.Presence.HandleCursorUpdate(messages.CursorUpdate{UserID: "bob", UserName: "Bob", FileID: "a.txt"})

	data := s.SnapshotSession()
	if data.UserID != "alice" || data.RoomID != "room-1" {
		t.Errorf("Unexpected snapshot identity %+v", data)
	}
	if len(data.FileStates) != 2 {
		t.Fatalf("Expected 2 file states, got %d", len(data.FileStates))
	}
	if data.FileStates["a.txt"].Version != 3 {
		t.Errorf("Expected a.txt at version 3, got %d", data.FileStates["a.txt"].Version)
	}
	if data.UserPreferences["theme"] != "dark" {
		t.Errorf("Preferences missing from snapshot: %+v", data.UserPreferences)
	}
	if _, ok := data.CollaborationState.SharedCursors["bob"]; !ok {
		t.Error("Expected bob's cursor in the snapshot")
	}
	if data.CollaborationState.Permissions["alice"] != "owner" {
		t.Errorf("Expected owner permission, got %+v", data.CollaborationState.Permissions)
	}

	// A fresh session restores the file baselines from the snapshot.
	s2 := newTestSession(relay, sched, "carol", "Carol")
	defer s2.Close()
	s2.RestoreSession(data)
	fv, ok := s2.Engine.File("a.txt")
	if !ok || fv.Content != "alpha" || fv.Version != 3 {
		t.Errorf("Expected restored a.txt at version 3, got %+v", fv)
	}
}

// TestSessionPausesWhileDisconnected tests the reconnect-to-engine wiring
func TestSessionPausesWhileDisconnected(t *testing.T) {
	relay := NewMockRelay()
	sched := NewManualScheduler()
	s := newTestSession(relay, sched, "alice", "Alice")
	defer s.Close()
	relay.Join("bob")

	transport := relay.peers["alice"]
	s.Engine.InitializeFile("doc.txt", "hello", 0)

	transport.Disconnect("transport close")
	s.Engine.SubmitLocalChange("doc.txt", "hello offline")
	sched.Advance(DefaultConfig().Engine.DebounceWindow)

	if got := relay.CarriedCount(messages.EventCollaborativeChange); got != 0 {
		t.Fatalf("Expected no change sent while disconnected, got %d", got)
	}

	// The scheduled reconnection attempt succeeds and the deferred change
	// goes out.
	sched.Advance(2 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for relay.CarriedCount(messages.EventCollaborativeChange) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := relay.CarriedCount(messages.EventCollaborativeChange); got != 1 {
		t.Errorf("Expected the deferred change sent after reconnecting, got %d", got)
	}
}
