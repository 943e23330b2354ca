package approval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

var log = logging.Component("approval")

// ChangeType names an approval transition.
type ChangeType string

const (
	ChangeCreated ChangeType = "approval.created"
	ChangeDecided ChangeType = "approval.decided"
)

// Change is one message on the approval stream.
type Change struct {
	Type     ChangeType           `json:"type"`
	Approval *breakpoint.Approval `json:"approval"`
}

// ErrBufferFull is returned when a subscriber cannot keep up.
var ErrBufferFull = errors.New("approval: send buffer full")

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 64
)

// Connection is one websocket subscriber. A non-empty RunID filters the stream to one run.
type Connection struct {
	ID    string
	RunID types.RunID
	Conn  *websocket.Conn
	Send  chan []byte
	mu    sync.Mutex
}

// WriteMessage writes with the connection's write lock held.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

// Hub fans approval changes out to websocket subscribers.
type Hub struct {
	connections map[string]*Connection
	register    chan *Connection
	unregister  chan *Connection
	broadcast   chan Change
	upgrader    websocket.Upgrader
	done        chan struct{}
	mu          sync.RWMutex
}

// NewHub creates a hub. Call Run before serving subscribers.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan Change, 256),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run is the hub's main loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				close(conn.Send)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Debug("subscriber registered", "conn", conn.ID, "runID", conn.RunID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()

		case change := <-h.broadcast:
			data, err := json.Marshal(change)
			if err != nil {
				log.Error("encode change", "error", err)
				continue
			}
			h.mu.RLock()
			for _, conn := range h.connections {
				if conn.RunID != "" && conn.RunID != change.Approval.RunID {
					continue
				}
				select {
				case conn.Send <- data:
				default:
					log.Warn("subscriber buffer full, dropping", "conn", conn.ID)
					go h.leave(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a change for every matching subscriber.
func (h *Hub) Publish(c Change) {
	select {
	case h.broadcast <- c:
	default:
		log.Warn("approval stream backlog full, change dropped", "type", c.Type, "approvalID", c.Approval.ID)
	}
}

// ConnectionCount returns the number of subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeWS upgrades the request and streams changes until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, runID types.RunID) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := &Connection{
		ID:    uuid.NewString(),
		RunID: runID,
		Conn:  ws,
		Send:  make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- conn:
	case <-h.done:
		ws.Close()
		return errors.New("approval: stream hub stopped")
	}

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

func (h *Hub) leave(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// readPump only handles control frames; subscribers never send data.
func (h *Hub) readPump(conn *Connection) {
	defer func() {
		h.leave(conn)
		conn.Conn.Close()
	}()
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("subscriber read error", "conn", conn.ID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-conn.Send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Notifying decorates a service so that creations and decisions reach a Hub.
type Notifying struct {
	breakpoint.Service
	hub *Hub
}

// NewNotifying wraps svc.
func NewNotifying(svc breakpoint.Service, hub *Hub) *Notifying {
	return &Notifying{Service: svc, hub: hub}
}

func (n *Notifying) Create(ctx context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	a, err := n.Service.Create(ctx, req)
	if err == nil && a.Pending() {
		n.hub.Publish(Change{Type: ChangeCreated, Approval: a})
	}
	return a, err
}

func (n *Notifying) Decide(ctx context.Context, id string, d breakpoint.Decision) (*breakpoint.Approval, error) {
	a, err := n.Service.Decide(ctx, id, d)
	if err == nil {
		n.hub.Publish(Change{Type: ChangeDecided, Approval: a})
	}
	return a, err
}

// List forwards to the wrapped service when it can list.
func (n *Notifying) List(ctx context.Context, status breakpoint.Status) ([]*breakpoint.Approval, error) {
	l, ok := n.Service.(breakpoint.Lister)
	if !ok {
		return nil, errors.New("approval: service cannot list")
	}
	return l.List(ctx, status)
}
