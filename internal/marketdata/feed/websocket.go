package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"marketboard/internal/model"
)

const (
	readLimit    = 1 << 20 // 1 MiB — push batches can carry the whole board
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSSource subscribes to upstream push topics over a websocket. Each
// Subscribe opens its own connection; a transport error terminates that
// subscription with a single fault on Err.
type WSSource struct {
	baseURL string

	// OnOpen is called after a successful dial (optional).
	OnOpen func(topic string)

	// OnDrop is called when a batch is dropped because the consumer is
	// slow (optional).
	OnDrop func(topic string)

	// OnMalformed is called when a frame fails to decode (optional).
	// The frame is skipped; the subscription stays up.
	OnMalformed func(topic string)
}

// NewWSSource creates a source for the upstream feed endpoint, e.g.
// "ws://feed.example.com/stream".
func NewWSSource(baseURL string) *WSSource {
	return &WSSource{baseURL: baseURL}
}

// Subscribe implements model.EventSource.
func (s *WSSource) Subscribe(ctx context.Context, topic string) (model.Subscription, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", u.String(), err)
	}
	if s.OnOpen != nil {
		s.OnOpen(topic)
	}
	log.Printf("[feed] subscribed topic=%s url=%s", topic, u.String())

	sub := NewSub(256)
	go s.readPump(ctx, conn, topic, sub)
	go s.pingPump(conn, sub)
	go func() {
		// Context cancellation counts as a deliberate close; pingPump
		// tears the connection down, which unblocks the read pump.
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// readPump decodes push frames into record batches until the connection
// fails, the context ends, or the subscription is closed.
func (s *WSSource) readPump(ctx context.Context, conn *websocket.Conn, topic string, sub *Sub) {
	defer func() {
		conn.Close()
		sub.CloseData()
	}()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sub.Done():
				// Deliberate close, not a fault.
			default:
				sub.Fail(fmt.Errorf("feed: topic %s: %w", topic, err))
			}
			return
		}

		var batch []model.RawRecord
		if err := json.Unmarshal(msg, &batch); err != nil {
			// Not an array — skip the frame, keep the subscription.
			if s.OnMalformed != nil {
				s.OnMalformed(topic)
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if !sub.Push(batch) {
			if s.OnDrop != nil {
				s.OnDrop(topic)
			}
		}
	}
}

// pingPump keeps the connection alive and tears it down when the
// subscription closes, which unblocks the read pump.
func (s *WSSource) pingPump(conn *websocket.Conn, sub *Sub) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
