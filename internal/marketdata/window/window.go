// Package window computes cumulative performance over a selected time range
// and snapshot rankings across tickers. The upstream percent-change field is
// sometimes a fraction (0.0123) and sometimes already a percentage (1.23);
// the |v| < 1 heuristic is applied defensively at every summation site.
package window

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"marketboard/internal/model"
)

// ErrUnsupportedRange is the fail-fast contract violation for a range the
// aggregator does not serve. This is the only error class that is not
// swallowed by the pipeline.
var ErrUnsupportedRange = errors.New("window: unsupported view range")

// Change is one daily percent-change sample for a ticker.
type Change struct {
	Epoch int64   // midnight-UTC day epoch
	Pct   float64 // upstream pctChange, fraction or percent
}

// TickerChanges bundles one ticker's windowing input.
type TickerChanges struct {
	Ticker  string
	Name    string
	Changes []Change // ascending by Epoch

	// CurrentPct is the ticker's live pctChange, used only for the 1D
	// ranking rule.
	CurrentPct float64
}

// Cutoff returns the inclusive window start for a range, anchored at now.
// Range1D is served from intraday data, not this aggregator, and RangeAll
// imposes no cutoff; both fail fast here.
func Cutoff(r model.ViewRange, now time.Time) (time.Time, error) {
	switch r {
	case model.Range1W:
		return now.AddDate(0, 0, -7), nil
	case model.Range1M:
		return now.AddDate(0, 0, -30), nil
	case model.Range3M:
		return now.AddDate(0, 0, -90), nil
	case model.Range6M:
		return now.AddDate(0, 0, -180), nil
	case model.Range1Y:
		return now.AddDate(0, 0, -365), nil
	case model.RangeYTD:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedRange, r)
	}
}

// Cumulative walks the in-window daily changes in ascending order,
// accumulating normalized percent values, rounding the running sum to two
// decimals at each step, and rebasing so the series always begins at 0%
// regardless of window start. X is the day epoch.
func Cumulative(tc TickerChanges, r model.ViewRange, now time.Time) ([]model.AreaPoint, error) {
	cutoff, err := Cutoff(r, now)
	if err != nil {
		return nil, err
	}
	cut := cutoff.Unix()

	out := make([]model.AreaPoint, 0, len(tc.Changes))
	sum := 0.0
	for _, ch := range tc.Changes {
		if ch.Epoch < cut {
			continue
		}
		sum = round2(sum + asPercent(ch.Pct))
		out = append(out, model.AreaPoint{X: ch.Epoch, Y: sum})
	}
	if len(out) == 0 {
		return out, nil
	}

	base := out[0].Y
	for i := range out {
		out[i].Y = round2(out[i].Y - base)
	}
	return out, nil
}

// CumulativeAll is the no-cutoff variant serving the full-history range:
// same accumulation, rounding and rebase as Cumulative over every sample.
func CumulativeAll(tc TickerChanges) []model.AreaPoint {
	out := make([]model.AreaPoint, 0, len(tc.Changes))
	sum := 0.0
	for _, ch := range tc.Changes {
		sum = round2(sum + asPercent(ch.Pct))
		out = append(out, model.AreaPoint{X: ch.Epoch, Y: sum})
	}
	if len(out) == 0 {
		return out
	}
	base := out[0].Y
	for i := range out {
		out[i].Y = round2(out[i].Y - base)
	}
	return out
}

// Rank produces the leaderboard for a range, sorted descending by value.
// The sort is stable: ties retain relative input order.
//
// Per-ticker value rules:
//   - Range1D: the live pctChange, normalized to percent — no windowing,
//   - otherwise: sum of in-window daily changes (normalized); exactly one
//     point in the window → that point's own change; zero points → 0.
func Rank(items []TickerChanges, r model.ViewRange, now time.Time) ([]model.PerformanceEntry, error) {
	var cut int64
	if r != model.Range1D {
		cutoff, err := Cutoff(r, now)
		if err != nil {
			return nil, err
		}
		cut = cutoff.Unix()
	}

	out := make([]model.PerformanceEntry, 0, len(items))
	for _, tc := range items {
		entry := model.PerformanceEntry{Ticker: tc.Ticker, TickerName: tc.Name}
		if entry.TickerName == "" {
			entry.TickerName = tc.Ticker
		}
		if r == model.Range1D {
			entry.Value = round2(asPercent(tc.CurrentPct))
		} else {
			entry.Value = windowSum(tc.Changes, cut)
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out, nil
}

func windowSum(changes []Change, cut int64) float64 {
	sum := 0.0
	for _, ch := range changes {
		if ch.Epoch < cut {
			continue
		}
		sum += asPercent(ch.Pct)
	}
	return round2(sum)
}

// asPercent normalizes the ambiguous upstream field: values below 1 in
// magnitude are treated as fractions and scaled to percent. Inherited from
// observed source behavior; ambiguous for legitimately small percentages.
func asPercent(v float64) float64 {
	if math.Abs(v) < 1 {
		return v * 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
