package wsrelay

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/zenibako/collab-golang/messages"
)

// ClientTransport is the websocket side of the collab transport
// contract. It dials a relay hub, frames payloads into envelopes, and
// dispatches inbound envelopes plus connection lifecycle events to
// registered handlers.
type ClientTransport struct {
	relayURL string
	userID   string
	room     string
	logger   *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	handlers  map[messages.EventName]map[int]func([]byte)
	nextID    int
}

// NewClientTransport prepares a transport for the given relay, user
// and room. Nothing is dialed until Connect.
func NewClientTransport(relayURL, userID, room string) *ClientTransport {
	return &ClientTransport{
		relayURL: relayURL,
		userID:   userID,
		room:     room,
		logger:   log.With("component", "transport", "user", userID),
		handlers: make(map[messages.EventName]map[int]func([]byte)),
	}
}

// Connect dials the relay and starts the read loop. On failure the
// connect-error handlers fire and the error is returned; the caller's
// reconnection logic decides what happens next.
func (t *ClientTransport) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closing = false
	t.mu.Unlock()

	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", t.userID)
	q.Set("room", t.room)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.dispatch(messages.EventConnectError, []byte(fmt.Sprintf("%q", err.Error())))
		return fmt.Errorf("dial relay: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(conn)
	t.dispatch(messages.EventConnect, nil)
	return nil
}

// Connected reports whether the websocket is up.
func (t *ClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Emit sends one event to the relay.
func (t *ClientTransport) Emit(event messages.EventName, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("emit %s: not connected", event)
	}
	env := Envelope{Event: event, Room: t.room, Sender: t.userID, Payload: raw}
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an event and returns a function that
// removes it.
func (t *ClientTransport) On(event messages.EventName, handler func(payload []byte)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int]func([]byte))
	}
	id := t.nextID
	t.nextID++
	t.handlers[event][id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[event], id)
	}
}

// Close shuts the connection down intentionally; the disconnect
// handlers see a reason that suppresses reconnection.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (t *ClientTransport) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			intentional := t.closing
			t.connected = false
			t.conn = nil
			t.mu.Unlock()

			reason := err.Error()
			if intentional {
				reason = "io client disconnect"
			}
			info, _ := json.Marshal(messages.DisconnectInfo{Reason: reason})
			t.dispatch(messages.EventDisconnect, info)
			return
		}
		t.dispatch(env.Event, env.Payload)
	}
}

// dispatch invokes handlers outside the lock so they may re-enter the
// transport.
func (t *ClientTransport) dispatch(event messages.EventName, payload []byte) {
	t.mu.Lock()
	hs := make([]func([]byte), 0, len(t.handlers[event]))
	for _, h := range t.handlers[event] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}
