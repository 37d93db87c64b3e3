// Package gateway is the websocket edge: it upgrades dashboard clients,
// tracks which chart channels each client watches, and fans finished
// payloads out with a latest-message replay for late joiners.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketboard/internal/board"
	"marketboard/internal/metrics"
	"marketboard/internal/model"
	"marketboard/internal/view"
)

// Engine is the board surface the gateway drives. Satisfied by
// *board.Engine.
type Engine interface {
	OpenSession(tickers []string, rng model.ViewRange) (*board.Session, []byte)
	CloseSession(key string)
	SaveViewport(key string, vp view.Viewport)
}

// Channels every client receives without an explicit subscription.
const (
	ChannelStatus            = "status"
	channelLeaderboardPrefix = "leaderboard:"
	channelChartPrefix       = "chart:"
)

// Hub manages websocket clients and payload fan-out. It implements
// board.Publisher.
type Hub struct {
	engine Engine
	log    *slog.Logger
	met    *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool

	// latest keeps the newest payload per channel so a client connecting
	// (or subscribing) mid-session gets current state immediately
	// instead of waiting for the next push.
	latest map[string]latestEntry
}

type latestEntry struct {
	data []byte
	ts   time.Time
}

// NewHub creates a hub. Metrics may be nil.
func NewHub(engine Engine, log *slog.Logger, met *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		engine: engine,
		log:    log,
		met:    met,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard is served from arbitrary dev origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
	}
}

// Publish stores the channel's latest payload and fans it out to every
// client watching the channel. Slow clients drop the message rather than
// block the pipeline.
func (h *Hub) Publish(channel string, data []byte) {
	now := time.Now()

	h.mu.Lock()
	h.latest[channel] = latestEntry{data: data, ts: now}
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.watches(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	envelope := marshalEnvelope(channel, data, now, false)
	for _, c := range targets {
		c.enqueue(envelope)
	}
}

// ServeWS upgrades an HTTP request into a dashboard client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	if h.met != nil {
		h.met.GatewayClients.Set(float64(n))
	}
	h.log.Info("ws client connected", "client", c.id, "clients", n)

	go c.writePump()
	go c.readPump()

	c.sendInitialState()
}

// removeClient unregisters a client and releases its chart sessions.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if h.met != nil {
		h.met.GatewayClients.Set(float64(n))
	}
	for _, key := range c.sessionKeys() {
		h.engine.CloseSession(key)
		h.evictChartReplay(channelChartPrefix + key)
	}
	h.log.Info("ws client disconnected", "client", c.id, "clients", n)
}

// evictChartReplay drops a chart channel's replay entry once no client
// subscribes to it, so the map does not grow with every ticker/range
// selection made over the process lifetime. Status and leaderboard
// entries stay for late joiners.
func (h *Hub) evictChartReplay(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.watches(channel) {
			return
		}
	}
	delete(h.latest, channel)
}

// replay returns the latest payload for a channel, if any.
func (h *Hub) replay(channel string) ([]byte, bool) {
	h.mu.RLock()
	entry, ok := h.latest[channel]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return marshalEnvelope(channel, entry.data, entry.ts, true), true
}

// broadcastChannels are the channels every client receives implicitly.
func (h *Hub) broadcastChannels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for channel := range h.latest {
		if channel == ChannelStatus || strings.HasPrefix(channel, channelLeaderboardPrefix) {
			out = append(out, channel)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
