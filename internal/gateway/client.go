package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketboard/internal/model"
	"marketboard/internal/view"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client is a single dashboard websocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// subs maps channel → session key for the chart sessions this
	// client opened.
	subMu sync.RWMutex
	subs  map[string]string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBuffer),
	}
}

// watches reports whether the client should receive a channel. Status and
// leaderboard channels are implicit; chart channels require a
// subscription.
func (c *Client) watches(channel string) bool {
	if channel == ChannelStatus {
		return true
	}
	if strings.HasPrefix(channel, channelLeaderboardPrefix) {
		return true
	}
	c.subMu.RLock()
	_, ok := c.subs[channel]
	c.subMu.RUnlock()
	return ok
}

func (c *Client) sessionKeys() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	keys := make([]string, 0, len(c.subs))
	for _, key := range c.subs {
		keys = append(keys, key)
	}
	return keys
}

// enqueue delivers a message without ever blocking the caller.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		// Slow client: skip this message, the next push carries full
		// state anyway.
	}
}

// sendInitialState replays the latest status and leaderboard payloads so
// the dashboard renders immediately after connecting.
func (c *Client) sendInitialState() {
	for _, channel := range c.hub.broadcastChannels() {
		if msg, ok := c.hub.replay(channel); ok {
			c.enqueue(msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch base.Type {
		case "SUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendError(sub.ReqID, "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			c.handleSubscribe(sub)
		case "UNSUBSCRIBE":
			var unsub UnsubscribeMsg
			if json.Unmarshal(msg, &unsub) != nil {
				continue
			}
			c.handleUnsubscribe(unsub)
		case "VIEWPORT":
			var vp ViewportMsg
			if json.Unmarshal(msg, &vp) != nil {
				continue
			}
			c.handleViewport(vp)
		default:
			if base.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				c.enqueue(pong)
			}
		}
	}
}

// handleSubscribe opens (or joins) a chart session and replies with the
// current payload.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if len(msg.Tickers) == 0 {
		c.sendError(msg.ReqID, "tickers are required")
		return
	}
	rng, err := model.ParseViewRange(msg.Range)
	if err != nil {
		c.sendError(msg.ReqID, err.Error())
		return
	}

	sess, payload := c.hub.engine.OpenSession(msg.Tickers, rng)
	channel := channelChartPrefix + sess.Key

	c.subMu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]string)
	}
	if _, dup := c.subs[channel]; dup {
		// Re-subscribe to the same chart: drop the extra reference.
		c.subMu.Unlock()
		c.hub.engine.CloseSession(sess.Key)
	} else {
		c.subs[channel] = sess.Key
		c.subMu.Unlock()
	}

	ack, _ := json.Marshal(map[string]interface{}{
		"type":  "SUBSCRIBED",
		"reqId": msg.ReqID,
		"key":   sess.Key,
	})
	c.enqueue(ack)
	if payload != nil {
		c.enqueue(marshalEnvelope(channel, payload, time.Now(), true))
	}
}

func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	channel := channelChartPrefix + msg.Key

	c.subMu.Lock()
	key, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.subMu.Unlock()

	if ok {
		c.hub.engine.CloseSession(key)
		c.hub.evictChartReplay(channel)
	}
}

func (c *Client) handleViewport(msg ViewportMsg) {
	c.subMu.RLock()
	_, ok := c.subs[channelChartPrefix+msg.Key]
	c.subMu.RUnlock()
	if !ok {
		return
	}
	c.hub.engine.SaveViewport(msg.Key, view.Viewport{From: msg.From, To: msg.To})
}

func (c *Client) sendError(reqID, detail string) {
	msg, _ := json.Marshal(map[string]interface{}{
		"type":  "ERROR",
		"reqId": reqID,
		"error": detail,
	})
	c.enqueue(msg)
}
