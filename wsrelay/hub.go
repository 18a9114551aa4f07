// Package wsrelay carries collaboration events over websockets: a
// relay hub that rooms peers together and a client transport that
// satisfies the collab package's transport contract. The hub forwards
// without interpreting payloads, with two exceptions: room-wide sync
// requests are relayed to a single peer, and snapshots addressed to a
// requester are delivered to that peer only.
package wsrelay

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/zenibako/collab-golang/messages"
)

// Envelope frames one event on the wire.
type Envelope struct {
	Event   messages.EventName `json:"event"`
	Room    string             `json:"room"`
	Sender  string             `json:"sender"`
	Target  string             `json:"target,omitempty"`
	Payload json.RawMessage    `json:"payload"`
}

// peer is one connected client.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Envelope
	userID string
	room   string
}

// Hub maintains the set of connected peers per room and forwards
// envelopes between them.
type Hub struct {
	peers      map[*peer]bool
	forward    chan Envelope
	register   chan *peer
	unregister chan *peer
	logger     *log.Logger
}

// NewHub creates a hub. Call Run on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		peers:      make(map[*peer]bool),
		forward:    make(chan Envelope, 64),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		logger:     log.With("component", "relay"),
	}
}

// Run loops forever, serving registrations and forwarding traffic.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.peers[p] = true
			h.logger.Info("Peer joined", "user", p.userID, "room", p.room, "peers", len(h.peers))

		case p := <-h.unregister:
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
				h.logger.Info("Peer left", "user", p.userID, "room", p.room, "peers", len(h.peers))
			}

		case env := <-h.forward:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env Envelope) {
	// A room-wide sync request is answered by one peer, not all of
	// them: rewrite it into a peer-directed request and hand it to the
	// first other member of the room.
	if env.Event == messages.EventRequestFileSync {
		var req messages.FileSyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			h.logger.Warn("Dropping malformed sync request", "from", env.Sender, "error", err)
			return
		}
		relayed, _ := json.Marshal(messages.PeerSyncRequest{FileID: req.FileID, RequesterID: env.Sender})
		for p := range h.peers {
			if p.room != env.Room || p.userID == env.Sender {
				continue
			}
			h.send(p, Envelope{
				Event:   messages.EventSyncRequestFromPeer,
				Room:    env.Room,
				Sender:  env.Sender,
				Payload: relayed,
			})
			return
		}
		h.logger.Debugf("No peer available to answer sync request for %s", req.FileID)
		return
	}

	// Snapshots answering a relayed request carry the requester; they
	// go to that peer only.
	if env.Event == messages.EventFileSync && env.Target == "" {
		var snap messages.FileSync
		if json.Unmarshal(env.Payload, &snap) == nil && snap.RequesterID != "" {
			env.Target = snap.RequesterID
		}
	}

	for p := range h.peers {
		if p.room != env.Room || p.userID == env.Sender {
			continue
		}
		if env.Target != "" && p.userID != env.Target {
			continue
		}
		h.send(p, env)
	}
}

// send enqueues without blocking; a peer that cannot keep up is
// dropped, its connection torn down by the write pump exiting.
func (h *Hub) send(p *peer, env Envelope) {
	select {
	case p.send <- env:
	default:
		delete(h.peers, p)
		close(p.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request into a relay peer. The user and
// room come from query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	room := r.URL.Query().Get("room")
	if userID == "" || room == "" {
		http.Error(w, "user and room are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}

	p := &peer{hub: h, conn: conn, send: make(chan Envelope, 64), userID: userID, room: room}
	h.register <- p
	go p.writePump()
	go p.readPump()
}

func (p *peer) readPump() {
	defer func() {
		p.hub.unregister <- p
		p.conn.Close()
	}()
	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			return
		}
		// Stamp sender and room from the connection; clients cannot
		// impersonate each other or leak across rooms.
		env.Sender = p.userID
		env.Room = p.room
		p.hub.forward <- env
	}
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for env := range p.send {
		if err := p.conn.WriteJSON(env); err != nil {
			return
		}
	}
	p.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
