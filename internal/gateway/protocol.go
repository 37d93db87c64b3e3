package gateway

import (
	"encoding/json"
	"time"
)

// SubscribeMsg opens (or joins) a chart session for a ticker selection and
// range.
type SubscribeMsg struct {
	Type    string   `json:"type"`
	ReqID   string   `json:"reqId,omitempty"`
	Tickers []string `json:"tickers"`
	Range   string   `json:"range"`
}

// UnsubscribeMsg releases a chart session by its canonical key.
type UnsubscribeMsg struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// ViewportMsg saves a client's pan/zoom result so the next data-only
// refresh preserves it.
type ViewportMsg struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// Envelope wraps every outbound payload with its channel and timestamp.
// Initial marks replays sent on connect or subscribe, as opposed to live
// pushes.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	TS      string          `json:"ts"`
	Initial bool            `json:"initial,omitempty"`
}

func marshalEnvelope(channel string, data []byte, ts time.Time, initial bool) []byte {
	out, _ := json.Marshal(Envelope{
		Channel: channel,
		Data:    json.RawMessage(data),
		TS:      ts.Format(time.RFC3339Nano),
		Initial: initial,
	})
	return out
}
