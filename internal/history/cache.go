package history

import (
	"context"
	"log/slog"
	"sync"

	"marketboard/internal/model"
)

// EntryState distinguishes "no data yet" from "fetch failed" so the
// presentation layer can show loading vs error without conflating them.
type EntryState int

const (
	StateAbsent EntryState = iota
	StateLoading
	StateReady
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "absent"
	}
}

// Entry is one ticker's cache slot. Records are populated only in
// StateReady — an entry is published only after its fetch fully resolves,
// so a mid-population read never observes a torn series.
type Entry struct {
	State   EntryState
	Records []model.RawRecord
	Err     error
}

// Outcome values reported through OnFetch.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCacheHit = "cache_hit"
	OutcomeStale    = "stale"
)

// Cache is the per-ticker history cache for one mounted view. It is
// append-only within a session and invalidated wholesale when the ticker
// set changes. Completions are guarded by monotonically increasing
// per-ticker request tokens: a fetch that resolves after the ticker was
// forgotten or re-requested is discarded instead of overwriting newer
// state.
type Cache struct {
	fetcher model.HistoryFetcher
	second  model.SnapshotCache // optional second level, may be nil
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	tokens  map[string]uint64

	// OnFetch reports fetch outcomes for metrics (optional).
	OnFetch func(outcome string)

	// OnReady is called outside the lock after an entry becomes Ready
	// (optional) — the refresh trigger for dependent chart state.
	OnReady func(ticker string)
}

// NewCache creates a cache over the given fetcher. second may be nil.
func NewCache(fetcher model.HistoryFetcher, second model.SnapshotCache, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		fetcher: fetcher,
		second:  second,
		log:     log,
		entries: make(map[string]Entry),
		tokens:  make(map[string]uint64),
	}
}

// Get reads a ticker's slot. A missing key reads as StateAbsent, never an
// error or a partial series.
func (c *Cache) Get(ticker string) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[ticker]
}

// Ensure starts an asynchronous fetch for the ticker unless it is already
// loading or ready. The entry moves Absent/Failed → Loading immediately;
// Ready or Failed is published only at completion.
func (c *Cache) Ensure(ctx context.Context, ticker string) {
	c.mu.Lock()
	cur := c.entries[ticker]
	if cur.State == StateLoading || cur.State == StateReady {
		c.mu.Unlock()
		return
	}
	c.tokens[ticker]++
	token := c.tokens[ticker]
	c.entries[ticker] = Entry{State: StateLoading}
	c.mu.Unlock()

	go c.fetch(ctx, ticker, token)
}

func (c *Cache) fetch(ctx context.Context, ticker string, token uint64) {
	records, outcome, err := c.resolve(ctx, ticker)

	c.mu.Lock()
	if c.tokens[ticker] != token {
		// A newer request or an invalidation superseded this fetch.
		c.mu.Unlock()
		c.report(OutcomeStale)
		c.log.Debug("history fetch superseded", "ticker", ticker)
		return
	}
	if err != nil {
		c.entries[ticker] = Entry{State: StateFailed, Err: err}
		c.mu.Unlock()
		c.report(OutcomeError)
		c.log.Warn("history fetch failed", "ticker", ticker, "err", err)
		return
	}
	c.entries[ticker] = Entry{State: StateReady, Records: records}
	c.mu.Unlock()

	c.report(outcome)
	if c.OnReady != nil {
		c.OnReady(ticker)
	}
}

// resolve tries the second-level cache first, then the upstream, writing
// back on an upstream hit. Second-level failures degrade silently to the
// upstream path.
func (c *Cache) resolve(ctx context.Context, ticker string) ([]model.RawRecord, string, error) {
	if c.second != nil {
		if records, ok, err := c.second.GetHistory(ctx, ticker); err == nil && ok {
			return records, OutcomeCacheHit, nil
		} else if err != nil {
			c.log.Warn("snapshot cache read failed", "ticker", ticker, "err", err)
		}
	}

	records, err := c.fetcher.FetchHistory(ctx, ticker)
	if err != nil {
		return nil, OutcomeError, err
	}
	if c.second != nil {
		if err := c.second.SetHistory(ctx, ticker, records); err != nil {
			c.log.Warn("snapshot cache write failed", "ticker", ticker, "err", err)
		}
	}
	return records, OutcomeOK, nil
}

// Forget drops one ticker and bumps its token so any in-flight fetch for
// it is discarded at completion — switching the active ticker must not let
// a stale fetch overwrite the new selection's state.
func (c *Cache) Forget(ticker string) {
	c.mu.Lock()
	delete(c.entries, ticker)
	c.tokens[ticker]++
	c.mu.Unlock()
}

// InvalidateAll clears every entry and kills all in-flight fetches.
// Used on view unmount, ticker-set change, and the scheduled post-close
// refresh.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for ticker := range c.entries {
		c.tokens[ticker]++
	}
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Tickers returns the tickers currently tracked, in no particular order.
func (c *Cache) Tickers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	return out
}

func (c *Cache) report(outcome string) {
	if c.OnFetch != nil {
		c.OnFetch(outcome)
	}
}
