package model

import "time"

// Timestamp layouts accepted from the upstream REST and feed payloads.
// Upstream stores UTC; the layout varies between endpoints.
var recordLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RawRecord is one upstream sample for a single ticker, as delivered by the
// history REST endpoint and the live push feed. Optional numeric fields are
// pointers so "absent" is distinguishable from a literal zero.
type RawRecord struct {
	Ticker     string   `json:"ticker"`
	TickerName string   `json:"tickerName,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Open       *float64 `json:"open,omitempty"`
	High       *float64 `json:"high,omitempty"`
	Low        *float64 `json:"low,omitempty"`
	Close      *float64 `json:"close,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	Diff       *float64 `json:"diff,omitempty"`
	PctChange  *float64 `json:"pctChange,omitempty"` // fractional, 0.0123 = 1.23%
	Kind       string   `json:"kind,omitempty"`      // "index", "industry", ...
}

// DisplayName returns the display label, falling back to the ticker symbol.
func (r *RawRecord) DisplayName() string {
	if r.TickerName != "" {
		return r.TickerName
	}
	return r.Ticker
}

// ParseTime parses the record's timestamp against the known upstream layouts.
// The returned time is in UTC.
func (r *RawRecord) ParseTime() (time.Time, bool) {
	for _, layout := range recordLayouts {
		if t, err := time.Parse(layout, r.Timestamp); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// TickerSnapshot maps ticker → records received so far in the current live
// session. Lifetime is one subscription session; it is discarded and rebuilt
// on reconnect.
type TickerSnapshot map[string][]RawRecord
