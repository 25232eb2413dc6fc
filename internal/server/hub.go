package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

const (
	sendBuffer = 16
	writeWait  = 5 * time.Second
)

// Event is the JSON pushed to /events listeners for every finished session.
type Event struct {
	SessionID string          `json:"session_id"`
	Camera    string          `json:"camera"`
	StartedAt time.Time       `json:"started_at"`
	State     pipeline.State  `json:"state"`
	Reason    pipeline.Reason `json:"reason,omitempty"`
	BestScore float64         `json:"best_score"`
	Frames    int             `json:"frames"`
	Scored    int             `json:"scored"`
	Fused     int             `json:"fused"`
	Fallback  bool            `json:"fallback,omitempty"`
	Identity  *types.Identity `json:"identity,omitempty"`
	Error     string          `json:"error,omitempty"`
	TotalMs   float64         `json:"total_ms"`
}

// NewEvent flattens an Outcome for the wire.
func NewEvent(o pipeline.Outcome) Event {
	e := Event{
		SessionID: o.SessionID,
		Camera:    o.Camera,
		StartedAt: o.StartedAt,
		State:     o.State,
		Reason:    o.Reason,
		BestScore: o.Best.Total,
		Frames:    o.Frames,
		Scored:    o.Scored,
		Fallback:  o.Fallback,
		Identity:  o.Identity,
		TotalMs:   float64(o.Timings.Total) / float64(time.Millisecond),
	}
	if o.Fusion != nil {
		e.Fused = len(o.Fusion.Contributions)
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session events out to websocket clients. It implements
// pipeline.Publisher; a slow client loses events instead of stalling a
// camera worker.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Event listener connected", zap.Int("listeners", n))

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Event listener disconnected", zap.Int("listeners", n))

		case msg := <-h.broadcast:
			h.mutex.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("Dropping event for slow listener")
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Register adds c to the hub. It reports false when the hub has stopped.
func (h *Hub) Register(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c from the hub.
func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish queues o for every connected listener. It never blocks.
func (h *Hub) Publish(o pipeline.Outcome) {
	msg, err := json.Marshal(NewEvent(o))
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Event queue full, dropping event", zap.String("session", o.SessionID))
	}
}

// ClientCount is the number of connected listeners.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// writePump drains c.send to the socket and closes it when the hub drops c.
func (c *client) writePump(logger *zap.Logger) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("Event write failed", zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
