package board

import (
	"time"

	"marketboard/internal/model"
	"marketboard/internal/view"
)

// Payload status values. "loading" and "error" are distinct so the UI can
// show a spinner vs a message; previously merged data is preserved either
// way.
const (
	StatusOK      = "ok"
	StatusLoading = "loading"
	StatusError   = "error"
)

// PerformanceSeries is one ticker's cumulative performance line, rebased
// to start at zero.
type PerformanceSeries struct {
	Ticker string            `json:"ticker"`
	Name   string            `json:"name"`
	Points []model.AreaPoint `json:"points"`
}

// ChartPayload is the chart-ready message broadcast to gateway clients for
// one session key. Exactly one of the two shapes is populated: EOD ranges
// carry candle series plus performance lines keyed by epoch; the 1D range
// carries rank-remapped area series plus the rank→timestamp table.
type ChartPayload struct {
	Key     string          `json:"key"`
	Tickers []string        `json:"tickers"`
	Range   model.ViewRange `json:"range"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Series      []model.ChartSeries `json:"series,omitempty"`
	Performance []PerformanceSeries `json:"performance,omitempty"`

	// Intraday only: rank → display-offset epoch, and the matching
	// HH:MM axis labels.
	RankTable []int64  `json:"rankTable,omitempty"`
	Labels    []string `json:"labels,omitempty"`

	Viewport view.Viewport `json:"viewport"`
	AsOf     time.Time     `json:"asOf"`
}

// LeaderboardPayload is the ranked performance list for one range.
type LeaderboardPayload struct {
	Range   model.ViewRange          `json:"range"`
	Entries []model.PerformanceEntry `json:"entries"`
	AsOf    time.Time                `json:"asOf"`
}
