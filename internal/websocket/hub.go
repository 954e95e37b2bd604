// Package websocket pushes tracker updates to UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// Defaults
const (
	DefaultTickInterval      = time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	sendBuffer = 256
)

// Options configures a Hub
type Options struct {
	Tracker           *tracker.Tracker
	Timer             timer.Service
	Config            config.WebSocketConfig
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            logrus.FieldLogger
}

// UpdatePayload is the data of an update or snapshot event
type UpdatePayload struct {
	Domain     models.Domain            `json:"domain"`
	Entities   []tracker.EntityView     `json:"entities"`
	Removed    []string                 `json:"removed,omitempty"`
	Connection *models.ConnectionStatus `json:"connection,omitempty"`
	Summary    models.AggregateSummary  `json:"summary"`
}

// Hub fans tracker updates out to subscribed clients
type Hub struct {
	tracker   *tracker.Tracker
	timer     timer.Service
	cfg       config.WebSocketConfig
	tick      time.Duration
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *logrus.Entry

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// Client is one UI connection
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	timers  *timer.Group
	domains map[models.Domain]bool
	ticking bool
	mu      sync.RWMutex
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(opts Options) *Hub {
	svc := opts.Timer
	if svc == nil {
		svc = timer.NewReal()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	base := opts.Logger
	if base == nil {
		base = logger.Discard()
	}
	cfg := opts.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	return &Hub{
		tracker:   opts.Tracker,
		timer:     svc,
		cfg:       cfg,
		tick:      tick,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:     logger.WithComponent(base, "ws-hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns client registration until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.tracker.SubscribeAll(h.Observe)
	heartbeat := h.timer.Every(h.heartbeat, h.sendHeartbeat)
	defer func() {
		heartbeat.Cancel()
		unsubscribe()
		close(h.done)
		h.shutdown()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			client.timers.Cancel()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.timers.Cancel()
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Observe is the tracker listener. It never blocks: a client whose buffer is full is dropped.
func (h *Hub) Observe(u tracker.Update) {
	data, err := encode(models.WSEventUpdate, UpdatePayload{
		Domain:     u.Domain,
		Entities:   h.tracker.Views(u.Entities),
		Removed:    u.Removed,
		Connection: u.Connection,
		Summary:    u.Summary,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode update")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.IsSubscribed(u.Domain) {
			h.trySendLocked(client, data)
		}
	}
}

func (h *Hub) sendHeartbeat() {
	data, err := encode(models.WSEventHeartbeat, map[string]interface{}{
		"time": h.timer.Now().UTC(),
	})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.trySendLocked(client, data)
	}
}

// sendTo delivers to one client if it is still registered
func (h *Hub) sendTo(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c] {
		h.trySendLocked(c, data)
	}
}

func (h *Hub) trySendLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Client buffer full, the read pump unregisters it
		h.logger.WithField("client", c.id).Warn("Client buffer full, disconnecting")
		c.conn.Close()
	}
}

func encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(models.WebSocketMessage{Event: event, Data: data})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection")
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		timers:  timer.NewGroup(h.timer),
		domains: make(map[models.Domain]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	h.logger.WithField("client", client.id).Debug("Client connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	ping := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
					c.hub.logger.WithError(err).Debug("Write error")
				}
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
				websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).Debug("WebSocket closed")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(data []byte) {
	var req models.SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("invalid message")
		return
	}

	switch req.Action {
	case "subscribe":
		domains, err := c.parseDomains(req.Domains)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.Subscribe(domains)
		for _, d := range domains {
			c.sendSnapshot(d)
		}

	case "unsubscribe":
		domains, err := c.parseDomains(req.Domains)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.Unsubscribe(domains)

	case "ping":
		if data, err := json.Marshal(map[string]string{"event": "pong"}); err == nil {
			c.hub.sendTo(c, data)
		}

	default:
		c.hub.logger.WithFields(logrus.Fields{
			"client": c.id,
			"action": req.Action,
		}).Warn("Unknown action")
		c.sendError("unknown action " + req.Action)
	}
}

// parseDomains resolves names and aliases. No names means every tracked domain.
func (c *Client) parseDomains(names []string) ([]models.Domain, error) {
	if len(names) == 0 {
		return c.hub.tracker.Domains(), nil
	}
	out := make([]models.Domain, 0, len(names))
	for _, name := range names {
		d, err := models.ParseDomain(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Subscribe adds domains and starts the elapsed-time ticks on the first subscription
func (c *Client) Subscribe(domains []models.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range domains {
		c.domains[d] = true
	}
	if !c.ticking {
		c.ticking = true
		c.timers.Every(c.hub.tick, c.sendTicks)
	}
}

// Unsubscribe removes domains
func (c *Client) Unsubscribe(domains []models.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range domains {
		delete(c.domains, d)
	}
}

// IsSubscribed checks if client is subscribed to a domain
func (c *Client) IsSubscribed(d models.Domain) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domains[d]
}

func (c *Client) subscriptions() []models.Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Domain, 0, len(c.domains))
	for _, d := range c.hub.tracker.Domains() {
		if c.domains[d] {
			out = append(out, d)
		}
	}
	return out
}

func (c *Client) sendSnapshot(d models.Domain) {
	states, err := c.hub.tracker.GetSnapshot(d)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	data, err := encode(models.WSEventSnapshot, UpdatePayload{
		Domain:   d,
		Entities: c.hub.tracker.Views(states),
		Summary:  c.hub.tracker.GetAggregateSnapshot(),
	})
	if err != nil {
		c.hub.logger.WithError(err).Error("Failed to encode snapshot")
		return
	}
	c.hub.sendTo(c, data)
}

// sendTicks reports elapsed seconds of running entities, skipping idle domains
func (c *Client) sendTicks() {
	for _, d := range c.subscriptions() {
		elapsed := c.hub.tracker.Elapsed(d)
		if len(elapsed) == 0 {
			continue
		}
		data, err := encode(models.WSEventTick, models.ElapsedTick{Domain: d, Elapsed: elapsed})
		if err != nil {
			continue
		}
		c.hub.sendTo(c, data)
	}
}

func (c *Client) sendError(msg string) {
	data, err := encode(models.WSEventError, models.ErrorResponse{Error: msg, Code: http.StatusBadRequest})
	if err != nil {
		return
	}
	c.hub.sendTo(c, data)
}
