// Package realtime pushes job status changes to WebSocket subscribers.
//
// Agents waiting on a long job can hold one connection instead of polling.
// A job-scoped stream sends the current snapshot first, then every
// transition, and closes after the terminal one.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a job transition.
type EventType string

const (
	EventJobQueued    EventType = "job.queued"
	EventJobRunning   EventType = "job.running"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
)

func eventFor(s jobs.State) EventType {
	return EventType("job." + string(s))
}

// Event is one pushed message.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Job       *jobs.Job `json:"job"`
}

// Subscription filters events for a client. An empty subscription receives
// everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	JobIDs     []string    `json:"jobIds"`
	Tools      []string    `json:"tools"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription

	// jobID pins a job-scoped stream; it ignores subscription updates and
	// closes after the job's terminal event.
	jobID string
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// JobReader loads the snapshot sent when a job stream opens.
type JobReader interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// Hub fans job events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ jobs.Publisher = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logging.OrDiscard(logger),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n, "job_id", client.jobID)

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			terminal := event.Job != nil && event.Job.State.Terminal()

			h.mu.RLock()
			var closing []*Client
			for client := range h.clients {
				if !h.shouldSend(client, event) {
					continue
				}
				select {
				case client.send <- payload:
					if terminal && client.jobID != "" {
						closing = append(closing, client)
					}
				default:
					closing = append(closing, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range closing {
				h.drop(client)
			}
		}
	}
}

// drop closes a client's send channel once; writePump then closes the socket.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if client.jobID != "" {
		return event.Job != nil && event.Job.ID == client.jobID
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if event.Job == nil {
		return len(sub.JobIDs) == 0 && len(sub.Tools) == 0
	}
	if len(sub.JobIDs) > 0 && !slices.Contains(sub.JobIDs, event.Job.ID) {
		return false
	}
	if len(sub.Tools) > 0 && !slices.Contains(sub.Tools, event.Job.Tool) {
		return false
	}
	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// PublishJob broadcasts a job transition.
func (h *Hub) PublishJob(job *jobs.Job) {
	cp := *job
	h.Broadcast(&Event{
		Type:      eventFor(job.State),
		Timestamp: time.Now().UTC(),
		Job:       &cp,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades to an unscoped event feed. Clients narrow it by
// sending a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, &Client{sub: Subscription{AllEvents: true}}, nil, false)
}

// StreamJob returns a handler for GET /jobs/:id/stream. Unknown or expired
// jobs are rejected before the upgrade.
func (h *Hub) StreamJob(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := reader.Get(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found", "message": "job not found"})
			return
		case errors.Is(err, jobs.ErrJobExpired):
			c.JSON(http.StatusGone, gin.H{"error": "job_expired", "message": "job result has expired"})
			return
		case err != nil:
			logging.L(c.Request.Context()).Error("job stream lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load job"})
			return
		}

		snapshot := h.serialize(&Event{Type: eventFor(job.State), Timestamp: time.Now().UTC(), Job: job})
		h.serve(c.Writer, c.Request, &Client{jobID: job.ID}, snapshot, job.State.Terminal())
	}
}

// serve upgrades the connection and starts the pumps. With final set the
// snapshot is the last message and the client never registers.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, client *Client, snapshot []byte, final bool) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client.hub = h
	client.conn = conn
	client.send = make(chan []byte, 256)

	if snapshot != nil {
		client.send <- snapshot
	}
	if final {
		close(client.send)
		go client.writePump()
		return
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}
		if c.jobID != "" {
			continue
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
