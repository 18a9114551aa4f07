package integration

import (
	"testing"
	"time"

	"github.com/zenibako/collab-golang/collab"
	"github.com/zenibako/collab-golang/messages"
	"github.com/zenibako/collab-golang/storage"
)

// newSessionPair wires two sessions to one in-memory relay with fast
// timings, sharing a single scheduler so test time advances for both.
func newSessionPair(t *testing.T) (*collab.MockRelay, *collab.Session, *collab.Session, func(time.Duration)) {
	t.Helper()
	relay := collab.NewMockRelay()
	scheds := []*collab.ManualScheduler{}
	cfg := collab.DefaultConfig()

	make1 := func(userID, userName string) *collab.Session {
		sched := collab.NewManualScheduler()
		scheds = append(scheds, sched)
		s := collab.NewSession(relay.Join(userID), sched, cfg, collab.SessionOptions{
			UserID:     userID,
			UserName:   userName,
			RoomID:     "room-1",
			LocalStore: storage.NewMemoryStore(),
		})
		t.Cleanup(s.Close)
		return s
	}

	alice := make1("alice", "Alice")
	bob := make1("bob", "Bob")
	advance := func(d time.Duration) {
		for _, s := range scheds {
			s.Advance(d)
		}
	}
	return relay, alice, bob, advance
}

// TestTwoSessionConvergence tests that edits from both sides converge
func TestTwoSessionConvergence(t *testing.T) {
	_, alice, bob, advance := newSessionPair(t)

	alice.Engine.InitializeFile("doc.txt", "the quick fox", 0)
	bob.Engine.InitializeFile("doc.txt", "the quick fox", 0)

	// Alice edits and her change propagates.
	if err := alice.Engine.SubmitLocalChange("doc.txt", "the quick brown fox"); err != nil {
		t.Fatalf("Alice's edit failed: %v", err)
	}
	advance(collab.DefaultConfig().Engine.DebounceWindow)

	bv, _ := bob.Engine.File("doc.txt")
	if bv.Content != "the quick brown fox" || bv.Version != 1 {
		t.Fatalf("Expected bob at %q v1, got %q v%d", "the quick brown fox", bv.Content, bv.Version)
	}

	// Bob edits on top; both replicas end identical.
	if err := bob.Engine.SubmitLocalChange("doc.txt", "the quick brown fox jumps"); err != nil {
		t.Fatalf("Bob's edit failed: %v", err)
	}
	advance(collab.DefaultConfig().Engine.DebounceWindow)

	av, _ := alice.Engine.File("doc.txt")
	bv, _ = bob.Engine.File("doc.txt")
	if av.Content != bv.Content || av.Version != bv.Version {
		t.Errorf("Replicas diverged: alice %q v%d, bob %q v%d", av.Content, av.Version, bv.Content, bv.Version)
	}
	if av.Version != 2 {
		t.Errorf("Expected both replicas at version 2, got %d", av.Version)
	}
}

// TestSkewTriggersResyncConvergence tests recovery from a skewed replica
func TestSkewTriggersResyncConvergence(t *testing.T) {
	_, alice, bob, advance := newSessionPair(t)

	alice.Engine.InitializeFile("doc.txt", "canonical text", 5)
	// Bob joined with a stale baseline.
	bob.Engine.InitializeFile("doc.txt", "stale text", 2)

	var mismatches int
	bob.Engine.Events().Subscribe(collab.EngineEventVersionMismatch, func(any) { mismatches++ })

	alice.Engine.SubmitLocalChange("doc.txt", "canonical text edited")
	advance(collab.DefaultConfig().Engine.DebounceWindow)

	if mismatches != 1 {
		t.Fatalf("Expected 1 version mismatch, got %d", mismatches)
	}

	// The reject-and-resync cycle replaced bob's replica with alice's.
	av, _ := alice.Engine.File("doc.txt")
	bv, _ := bob.Engine.File("doc.txt")
	if bv.Content != av.Content || bv.Version != av.Version {
		t.Errorf("Expected bob resynced to alice's state %q v%d, got %q v%d",
			av.Content, av.Version, bv.Content, bv.Version)
	}
}

// TestConflictDetectionAcrossSessions tests that a skewed write raises a conflict
func TestConflictDetectionAcrossSessions(t *testing.T) {
	_, alice, bob, advance := newSessionPair(t)

	alice.Engine.InitializeFile("doc.txt", "shared", 0)
	bob.Engine.InitializeFile("doc.txt", "shared local edits", 3)

	alice.Engine.SubmitLocalChange("doc.txt", "shared plus alice")
	advance(collab.DefaultConfig().Engine.DebounceWindow)

	active := bob.Conflicts.Active()
	if len(active) != 1 {
		t.Fatalf("Expected 1 detected conflict on bob's side, got %d", len(active))
	}
	c := active[0]
	if c.Path != "doc.txt" || c.Type != collab.FileConflict {
		t.Fatalf("Unexpected conflict %+v", c)
	}

	// The suggested policy resolves it mechanically.
	res, err := bob.Conflicts.Resolve(c.ID, c.SuggestedResolution, collab.NewPolicyResolver())
	if err != nil {
		t.Fatalf("Resolution failed: %v", err)
	}
	if res == nil || res.Winner == "" {
		t.Errorf("Expected a winner, got %+v", res)
	}
	if len(bob.Conflicts.Active()) != 0 {
		t.Error("Expected no active conflicts after resolution")
	}
}

// TestPresenceAcrossSessions tests cursor propagation between sessions
func TestPresenceAcrossSessions(t *testing.T) {
	_, alice, bob, _ := newSessionPair(t)

	alice.Presence.ReportCursor("doc.txt", messages.Position{Line: 10, Column: 4}, nil)

	cursors := bob.Presence.CursorsForFile("doc.txt")
	if len(cursors) != 1 {
		t.Fatalf("Expected alice's cursor on bob's side, got %d cursors", len(cursors))
	}
	if cursors[0].UserID != "alice" || cursors[0].Position.Line != 10 {
		t.Errorf("Unexpected cursor %+v", cursors[0])
	}
	if cursors[0].Color != collab.ColorForUser("alice") {
		t.Errorf("Expected alice's stable color, got %s", cursors[0].Color)
	}
}
