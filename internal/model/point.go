package model

import "time"

// Mode selects the sampling shape of a series: one bar per trading day (EOD)
// or sub-day samples during a session (intraday).
type Mode int

const (
	ModeEOD Mode = iota
	ModeIntraday
)

func (m Mode) String() string {
	if m == ModeIntraday {
		return "intraday"
	}
	return "eod"
}

// OHLC holds the four end-of-day prices for a candle point.
type OHLC struct {
	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`
}

// CanonicalPoint is a normalized, timezone-adjusted sample. Within one
// series, Epoch values are strictly increasing and unique.
type CanonicalPoint struct {
	Epoch  int64    `json:"epoch"` // Unix seconds, already display-offset for intraday
	Value  float64  `json:"value"` // close
	Volume float64  `json:"volume"`
	OHLC   *OHLC    `json:"ohlc,omitempty"` // set for EOD points only
	Diff   *float64 `json:"diff,omitempty"`
	Pct    *float64 `json:"pct,omitempty"` // raw upstream pctChange
}

// Day returns the UTC calendar day of the point as a midnight epoch.
func (p *CanonicalPoint) Day() int64 {
	t := time.Unix(p.Epoch, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// AreaPoint is a chart-ready {x, y} pair. For intraday series X is a dense
// rank, for windowed EOD series it is an epoch.
type AreaPoint struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// CandlePoint is a chart-ready OHLC bar.
type CandlePoint struct {
	X int64   `json:"x"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
}

// ChartSeries is the tagged series variant exposed to the rendering layer.
// The shape is chosen once per series from the mode, never inferred per
// point: intraday series carry area points, EOD series carry candles plus
// a volume overlay.
type ChartSeries struct {
	Ticker  string        `json:"ticker"`
	Name    string        `json:"name"`
	Mode    Mode          `json:"-"`
	ModeTag string        `json:"mode"` // JSON mirror of Mode
	Area    []AreaPoint   `json:"area,omitempty"`
	Candles []CandlePoint `json:"candles,omitempty"`
	Volume  []AreaPoint   `json:"volume,omitempty"`

	LastDiff float64 `json:"lastDiff"`
	LastPct  float64 `json:"lastPct"` // percent, not fraction
}

// PerformanceEntry is one row of a ranked leaderboard. Lists are always
// sorted descending by Value (percent, two-decimal rounded) before being
// exposed; ties keep input order.
type PerformanceEntry struct {
	Ticker     string  `json:"ticker"`
	TickerName string  `json:"tickerName"`
	Value      float64 `json:"value"`
}
