// Package view tracks the user-chosen visible range per chart instance and
// decides, on each data refresh, whether to preserve the current viewport
// or reset to the default window for the selected range.
package view

import "marketboard/internal/model"

// Viewport is a half-open bar-index window [From, To) into the active
// series.
type Viewport struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// defaultBars maps an EOD range to its default trailing window, in
// trading-bar counts.
var defaultBars = map[model.ViewRange]int{
	model.Range1M: 22,
	model.Range3M: 66,
	model.Range1Y: 252,
}

// DefaultWindow sizes the reset viewport: a trailing bar-count window for
// EOD ranges that define one, full length for ALL and everything intraday
// ("fit all").
func DefaultWindow(rng model.ViewRange, barCount int, intraday bool) Viewport {
	if intraday {
		return Viewport{From: 0, To: barCount}
	}
	bars, ok := defaultBars[rng]
	if !ok || bars >= barCount {
		return Viewport{From: 0, To: barCount}
	}
	return Viewport{From: barCount - bars, To: barCount}
}

// State is the per-chart-instance view state. There is no explicit
// "loading" state: readiness is derived from whether the active series has
// at least one point.
type State struct {
	ticker   string
	rng      model.ViewRange
	saved    *Viewport
	rendered bool
}

// NewState creates an uninitialized view state.
func NewState() *State {
	return &State{}
}

// Decide returns the viewport for the next render. Any one of the
// following resets to the default window; otherwise the saved viewport is
// preserved (clamped to the new bar count):
//   - the selected ticker changed since last render,
//   - the selected range changed since last render,
//   - this is the first render with data (no saved viewport yet).
func (s *State) Decide(ticker string, rng model.ViewRange, barCount int, intraday bool) Viewport {
	reset := ticker != s.ticker || rng != s.rng || !s.rendered || s.saved == nil
	s.ticker = ticker
	s.rng = rng
	if barCount > 0 {
		s.rendered = true
	}

	if reset {
		s.saved = nil
		return DefaultWindow(rng, barCount, intraday)
	}

	vp := *s.saved
	if vp.To > barCount {
		vp.To = barCount
	}
	if vp.From < 0 || vp.From >= vp.To {
		vp.From = 0
	}
	return vp
}

// Save persists the viewport that resulted from a render (pan/zoom
// included) so the next data-only refresh can restore it. Callers invoke
// it after the render completes, mirroring the original after-paint hook.
func (s *State) Save(vp Viewport) {
	cp := vp
	s.saved = &cp
}

// Saved returns the last persisted viewport, if any.
func (s *State) Saved() (Viewport, bool) {
	if s.saved == nil {
		return Viewport{}, false
	}
	return *s.saved, true
}
