package board

import (
	"sort"
	"strings"
	"sync"
	"time"

	"marketboard/internal/model"
	"marketboard/internal/view"
)

const maxAnomalies = 64

// Anomaly is one per-session data-anomaly note, kept for diagnostics.
type Anomaly struct {
	Ticker string    `json:"ticker"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Session is the explicit per-chart state object: selected tickers, range,
// cached viewport and anomaly log, with a create/dispose lifecycle. All
// derived series are rebuilt from scratch on every refresh — the session
// holds view state, not data.
type Session struct {
	Key     string
	Tickers []string
	Range   model.ViewRange

	mu        sync.Mutex
	view      *view.State
	anomalies []Anomaly
	refs      int // subscriber count; disposed at zero
}

// SessionKey canonicalizes a (tickers, range) selection so clients looking
// at the same chart share one session.
func SessionKey(tickers []string, rng model.ViewRange) string {
	sorted := make([]string, len(tickers))
	copy(sorted, tickers)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + string(rng)
}

// NewSession creates a detached session. The engine manages the lifecycle
// of shared sessions through OpenSession/CloseSession.
func NewSession(tickers []string, rng model.ViewRange) *Session {
	return newSession(tickers, rng)
}

func newSession(tickers []string, rng model.ViewRange) *Session {
	cp := make([]string, len(tickers))
	copy(cp, tickers)
	return &Session{
		Key:     SessionKey(tickers, rng),
		Tickers: cp,
		Range:   rng,
		view:    view.NewState(),
	}
}

// decideViewport runs the reset-or-preserve policy for the next render.
func (s *Session) decideViewport(barCount int) view.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	primary := ""
	if len(s.Tickers) > 0 {
		primary = s.Tickers[0]
	}
	return s.view.Decide(primary, s.Range, barCount, s.Range.Intraday())
}

// SaveViewport persists a client's pan/zoom result for the next
// data-only refresh.
func (s *Session) SaveViewport(vp view.Viewport) {
	s.mu.Lock()
	s.view.Save(vp)
	s.mu.Unlock()
}

// note appends a bounded anomaly entry.
func (s *Session) note(ticker, reason string, at time.Time) {
	s.mu.Lock()
	if len(s.anomalies) >= maxAnomalies {
		s.anomalies = s.anomalies[1:]
	}
	s.anomalies = append(s.anomalies, Anomaly{Ticker: ticker, Reason: reason, At: at})
	s.mu.Unlock()
}

// Anomalies returns a copy of the session's anomaly log.
func (s *Session) Anomalies() []Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Anomaly, len(s.anomalies))
	copy(cp, s.anomalies)
	return cp
}

// covers reports whether the session charts the given ticker.
func (s *Session) covers(ticker string) bool {
	for _, t := range s.Tickers {
		if t == ticker {
			return true
		}
	}
	return false
}
