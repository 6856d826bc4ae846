package progress

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 120 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotSource answers pull queries for the current snapshot
type SnapshotSource interface {
	Snapshot(jobID string) (types.ProgressSnapshot, bool)
}

// ClientMessage is sent by websocket clients
type ClientMessage struct {
	Type  string `json:"type"` // "subscribe", "unsubscribe", "ping"
	JobID string `json:"job_id,omitempty"`
}

// ServerMessage is sent to websocket clients
type ServerMessage struct {
	Type  string                  `json:"type"` // "progress", "pong", "error"
	Data  *types.ProgressSnapshot `json:"data,omitempty"`
	Error string                  `json:"error,omitempty"`
}

// Hub is a websocket gateway that pushes snapshots to subscribed clients
type Hub struct {
	source SnapshotSource

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	jobs    map[string]bool   // guarded by Hub.mu
	sent    map[string]uint64 // last sequence written per job, guarded by writeMu
}

// NewHub creates a new websocket hub
func NewHub(source SnapshotSource) *Hub {
	return &Hub{
		source:  source,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Name() string {
	return "websocket"
}

// Publish sends snap to every client subscribed to its job
func (h *Hub) Publish(ctx context.Context, snap types.ProgressSnapshot) error {
	h.mu.Lock()
	var targets []*wsClient
	for c := range h.clients {
		if c.jobs[snap.JobID] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.sendSnapshot(snap); err != nil {
			log.Printf("[Hub] Dropping client %s: %v", c.conn.RemoteAddr(), err)
			h.remove(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the connection. A job_id query parameter subscribes immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] WebSocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, jobs: make(map[string]bool), sent: make(map[string]uint64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		h.subscribe(c, jobID)
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] WebSocket read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			if msg.JobID == "" {
				c.send(ServerMessage{Type: "error", Error: "job_id is required"})
				continue
			}
			h.subscribe(c, msg.JobID)
		case "unsubscribe":
			h.mu.Lock()
			delete(c.jobs, msg.JobID)
			h.mu.Unlock()
			c.writeMu.Lock()
			delete(c.sent, msg.JobID)
			c.writeMu.Unlock()
		case "ping":
			c.send(ServerMessage{Type: "pong"})
		default:
			c.send(ServerMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

// subscribe registers interest and replies with the current snapshot
func (h *Hub) subscribe(c *wsClient, jobID string) {
	h.mu.Lock()
	c.jobs[jobID] = true
	h.mu.Unlock()

	snap, ok := h.source.Snapshot(jobID)
	if !ok {
		c.send(ServerMessage{Type: "error", Error: "unknown job: " + jobID})
		return
	}
	c.sendSnapshot(snap)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		h.remove(c)
	}
	return nil
}

func (c *wsClient) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendSnapshot writes snap unless the client already holds a newer one
// for the same job. The initial reply to a subscribe can race a push.
func (c *wsClient) sendSnapshot(snap types.ProgressSnapshot) error {
	data, err := json.Marshal(ServerMessage{Type: "progress", Data: &snap})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if last, ok := c.sent[snap.JobID]; ok && snap.Sequence <= last {
		return nil
	}
	c.sent[snap.JobID] = snap.Sequence
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
