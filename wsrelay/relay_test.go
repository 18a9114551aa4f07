package wsrelay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zenibako/collab-golang/messages"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func connect(t *testing.T, url, user, room string) *ClientTransport {
	t.Helper()
	c := NewClientTransport(url, user, room)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect %s failed: %v", user, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
		panic("unreachable")
	}
}

// TestRelayBroadcast tests room-scoped delivery excluding the sender
func TestRelayBroadcast(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "alice", "room-1")
	bob := connect(t, url, "bob", "room-1")
	carol := connect(t, url, "carol", "room-2")

	got := make(chan messages.CursorUpdate, 4)
	bob.On(messages.EventCursorUpdate, func(payload []byte) {
		var u messages.CursorUpdate
		if json.Unmarshal(payload, &u) == nil {
			got <- u
		}
	})
	aliceEcho := make(chan struct{}, 1)
	alice.On(messages.EventCursorUpdate, func([]byte) { aliceEcho <- struct{}{} })
	otherRoom := make(chan struct{}, 1)
	carol.On(messages.EventCursorUpdate, func([]byte) { otherRoom <- struct{}{} })

	update := messages.CursorUpdate{UserID: "alice", UserName: "Alice", FileID: "doc.txt", Position: messages.Position{Line: 3, Column: 7}}
	if err := alice.Emit(messages.EventCursorUpdate, update); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	received := waitFor(t, got, "bob's cursor update")
	if received.Position.Line != 3 || received.Position.Column != 7 {
		t.Errorf("Expected position 3:7, got %d:%d", received.Position.Line, received.Position.Column)
	}

	select {
	case <-aliceEcho:
		t.Error("Sender received its own event back")
	case <-otherRoom:
		t.Error("Event leaked into another room")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestRelaySyncRequestConversion tests the single-peer sync request rewrite
func TestRelaySyncRequestConversion(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "alice", "room-1")
	bob := connect(t, url, "bob", "room-1")

	requests := make(chan messages.PeerSyncRequest, 1)
	bob.On(messages.EventSyncRequestFromPeer, func(payload []byte) {
		var req messages.PeerSyncRequest
		if json.Unmarshal(payload, &req) == nil {
			requests <- req
		}
	})
	snapshots := make(chan messages.FileSync, 1)
	alice.On(messages.EventFileSync, func(payload []byte) {
		var snap messages.FileSync
		if json.Unmarshal(payload, &snap) == nil {
			snapshots <- snap
		}
	})
	bobSnapshots := make(chan struct{}, 1)
	bob.On(messages.EventFileSync, func([]byte) { bobSnapshots <- struct{}{} })

	if err := alice.Emit(messages.EventRequestFileSync, messages.FileSyncRequest{RoomID: "room-1", FileID: "doc.txt"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	req := waitFor(t, requests, "peer-directed sync request")
	if req.FileID != "doc.txt" || req.RequesterID != "alice" {
		t.Errorf("Unexpected relayed request %+v", req)
	}

	// Bob answers; the snapshot goes only to the requester.
	if err := bob.Emit(messages.EventFileSync, messages.FileSync{RequesterID: req.RequesterID, FileID: "doc.txt", Content: "hello", Version: 4}); err != nil {
		t.Fatalf("Emit snapshot failed: %v", err)
	}
	snap := waitFor(t, snapshots, "targeted snapshot")
	if snap.Content != "hello" || snap.Version != 4 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	select {
	case <-bobSnapshots:
		t.Error("Snapshot delivered back to its sender")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestClientIntentionalClose tests that Close reports a non-reconnecting reason
func TestClientIntentionalClose(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url, "alice", "room-1")

	reasons := make(chan string, 1)
	alice.On(messages.EventDisconnect, func(payload []byte) {
		var info messages.DisconnectInfo
		if json.Unmarshal(payload, &info) == nil {
			reasons <- info.Reason
		}
	})

	if err := alice.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reason := waitFor(t, reasons, "disconnect reason")
	if !messages.IntentionalDisconnect(reason) {
		t.Errorf("Expected an intentional disconnect reason, got %q", reason)
	}
	if alice.Connected() {
		t.Error("Expected transport disconnected after close")
	}
}

// TestClientRejectsEmitWhenDisconnected tests the not-connected error path
func TestClientRejectsEmitWhenDisconnected(t *testing.T) {
	c := NewClientTransport("ws://127.0.0.1:1/ws", "alice", "room-1")
	if err := c.Emit(messages.EventCursorUpdate, messages.CursorUpdate{}); err == nil {
		t.Error("Expected an error emitting before Connect")
	}
	if err := c.Connect(); err == nil {
		t.Error("Expected Connect to an unreachable relay to fail")
	}
}
