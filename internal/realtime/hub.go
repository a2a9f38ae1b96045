// Package realtime fans backend log/status events and monitoring
// broadcasts out to connected WebSocket clients.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/process"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// Client is one connected WebSocket session
type Client struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	filter map[string]bool // nil means all processes

	logSub    *process.Subscription
	statusSub *process.Subscription
}

// Send marshals an envelope and writes it to the connection. Writes are
// serialized per connection.
func (c *Client) Send(env api.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SetFilter replaces the log filter. names nil streams everything; the
// set is a snapshot and never tracks later project edits.
func (c *Client) SetFilter(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if names == nil {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(names))
	for _, n := range names {
		c.filter[n] = true
	}
}

// wantsLogFrom reports whether the client's filter admits the process
func (c *Client) wantsLogFrom(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	return c.filter[name]
}

// Hub owns the set of connected clients
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Add registers a client
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.WithField("clients", count).Info("Client connected")
}

// Remove deregisters a client
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.WithField("clients", count).Info("Client disconnected")
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends one envelope to every client, dropping connections whose
// writes fail.
func (h *Hub) broadcast(env api.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			h.logger.WithError(err).WithField("client", c.ID).Warn("Broadcast write failed, dropping client")
			c.conn.Close()
		}
	}
}

// BroadcastDelta sends the changed subset of monitoring samples
func (h *Hub) BroadcastDelta(samples []api.MonitoringSample) {
	h.broadcast(api.Envelope{Event: api.EventMonitoringDelta, Data: samples})
}

// BroadcastFull sends the complete monitoring set
func (h *Hub) BroadcastFull(samples []api.MonitoringSample) {
	h.broadcast(api.Envelope{Event: api.EventMonitoringFull, Data: samples})
}
