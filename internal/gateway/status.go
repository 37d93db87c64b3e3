package gateway

import (
	"context"
	"encoding/json"
	"time"

	"marketboard/internal/markethours"
	"marketboard/internal/model"
)

// StatusMsg is the market-session state pushed on the status channel.
type StatusMsg struct {
	Status     string `json:"status"` // OPEN | LUNCH BREAK | CLOSED
	Open       bool   `json:"open"`
	Lunch      bool   `json:"lunch"`
	NextOpen   string `json:"nextOpen"`
	TodayClose string `json:"todayClose,omitempty"`
	ServerTS   int64  `json:"serverTs"`
}

// StatusBroadcaster publishes the market session state on a fixed
// interval so the dashboard clock and open/closed badge stay current
// without polling.
type StatusBroadcaster struct {
	hub      *Hub
	clock    model.Clock
	interval time.Duration
}

// NewStatusBroadcaster creates a broadcaster; interval <= 0 defaults to
// 15s.
func NewStatusBroadcaster(hub *Hub, clock model.Clock, interval time.Duration) *StatusBroadcaster {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StatusBroadcaster{hub: hub, clock: clock, interval: interval}
}

// Run blocks until ctx is cancelled.
func (b *StatusBroadcaster) Run(ctx context.Context) {
	b.publish()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publish()
		}
	}
}

func (b *StatusBroadcaster) publish() {
	now := b.clock.Now()
	msg := StatusMsg{
		Status:   markethours.StatusString(now),
		Open:     markethours.IsMarketOpen(now),
		Lunch:    markethours.IsLunchBreak(now),
		NextOpen: markethours.NextOpen(now).Format(time.RFC3339),
		ServerTS: now.UnixMilli(),
	}
	if markethours.IsTradingDay(now) {
		msg.TodayClose = markethours.TodayClose(now).Format(time.RFC3339)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.hub.Publish(ChannelStatus, data)
}
