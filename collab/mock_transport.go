package collab

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zenibako/collab-golang/messages"
)

// MockRelay is an in-memory stand-in for the room relay, wiring any
// number of MockTransports together. Events emitted by one peer are
// delivered synchronously to every other connected peer, with the same
// targeting rules the real relay applies. It records everything it
// carries so tests can assert on traffic.
type MockRelay struct {
	mu      sync.Mutex
	peers   map[string]*MockTransport
	dropped map[messages.EventName]bool
	carried []RelayedEvent
}

// RelayedEvent is one event the relay carried.
type RelayedEvent struct {
	Event     messages.EventName
	Sender    string
	Payload   []byte
	Timestamp time.Time
}

// NewMockRelay creates an empty relay.
func NewMockRelay() *MockRelay {
	return &MockRelay{
		peers:   make(map[string]*MockTransport),
		dropped: make(map[messages.EventName]bool),
	}
}

// Join adds a peer and returns its transport, already connected.
func (r *MockRelay) Join(userID string) *MockTransport {
	t := &MockTransport{
		relay:     r,
		userID:    userID,
		handlers:  make(map[messages.EventName]map[int]func([]byte)),
		connected: true,
	}
	r.mu.Lock()
	r.peers[userID] = t
	r.mu.Unlock()
	return t
}

// DropEvents makes the relay silently discard events of the given
// name, simulating loss.
func (r *MockRelay) DropEvents(event messages.EventName, drop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[event] = drop
}

// Carried returns every event the relay delivered so far.
func (r *MockRelay) Carried() []RelayedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RelayedEvent, len(r.carried))
	copy(out, r.carried)
	return out
}

// CarriedCount counts delivered events by name.
func (r *MockRelay) CarriedCount(event messages.EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.carried {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *MockRelay) route(sender *MockTransport, event messages.EventName, payload []byte) {
	r.mu.Lock()
	if r.dropped[event] {
		r.mu.Unlock()
		return
	}
	r.carried = append(r.carried, RelayedEvent{
		Event:     event,
		Sender:    sender.userID,
		Payload:   payload,
		Timestamp: time.Now(),
	})

	// A room-wide sync request goes to a single peer as a peer-directed
	// request, like the real relay.
	if event == messages.EventRequestFileSync {
		var req messages.FileSyncRequest
		if json.Unmarshal(payload, &req) == nil {
			for id, peer := range r.peers {
				if id == sender.userID {
					continue
				}
				relayed, _ := json.Marshal(messages.PeerSyncRequest{FileID: req.FileID, RequesterID: sender.userID})
				r.mu.Unlock()
				peer.deliver(messages.EventSyncRequestFromPeer, relayed)
				return
			}
		}
		r.mu.Unlock()
		return
	}

	// Snapshots answering a peer-relayed request go only to the
	// requester, like the real relay's targeted delivery.
	target := ""
	if event == messages.EventFileSync {
		var snap messages.FileSync
		if json.Unmarshal(payload, &snap) == nil {
			target = snap.RequesterID
		}
	}

	receivers := make([]*MockTransport, 0, len(r.peers))
	for id, peer := range r.peers {
		if id == sender.userID {
			continue
		}
		if target != "" && id != target {
			continue
		}
		receivers = append(receivers, peer)
	}
	r.mu.Unlock()

	for _, peer := range receivers {
		peer.deliver(event, payload)
	}
}

// MockTransport implements Transport against a MockRelay.
type MockTransport struct {
	relay  *MockRelay
	userID string

	mu         sync.Mutex
	handlers   map[messages.EventName]map[int]func([]byte)
	nextID     int
	connected  bool
	connectErr error
}

// Emit marshals and routes the event through the relay.
func (t *MockTransport) Emit(event messages.EventName, payload any) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport disconnected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	t.relay.route(t, event, raw)
	return nil
}

// On registers a handler for inbound events of the given name.
func (t *MockTransport) On(event messages.EventName, handler func([]byte)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int]func([]byte))
	}
	t.handlers[event][id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[event], id)
	}
}

func (t *MockTransport) deliver(event messages.EventName, payload []byte) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	fns := make([]func([]byte), 0, len(t.handlers[event]))
	for _, fn := range t.handlers[event] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// Connect re-establishes the transport, firing connect lifecycle
// events, or fails with the error set by FailConnects.
func (t *MockTransport) Connect() error {
	t.mu.Lock()
	if err := t.connectErr; err != nil {
		t.mu.Unlock()
		t.deliverLifecycle(messages.EventConnectError, []byte(err.Error()))
		return err
	}
	t.connected = true
	t.mu.Unlock()

	t.deliverLifecycle(messages.EventConnect, nil)
	return nil
}

// Connected reports the simulated link state.
func (t *MockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close disconnects intentionally.
func (t *MockTransport) Close() error {
	t.Disconnect("io client disconnect")
	return nil
}

// Disconnect simulates a transport-level disconnect with a reason.
func (t *MockTransport) Disconnect(reason string) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	info, _ := json.Marshal(messages.DisconnectInfo{Reason: reason})
	t.deliverLifecycle(messages.EventDisconnect, info)
}

// FailConnects makes future Connect calls fail with the given error
// until cleared with nil.
func (t *MockTransport) FailConnects(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// deliverLifecycle bypasses the connected check: lifecycle events fire
// regardless of link state.
func (t *MockTransport) deliverLifecycle(event messages.EventName, payload []byte) {
	t.mu.Lock()
	fns := make([]func([]byte), 0, len(t.handlers[event]))
	for _, fn := range t.handlers[event] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}
