// Package bus fans a single mixed-ticker push stream out into per-ticker
// state and N subscriber channels. If a subscriber channel is full the
// batch is dropped for that consumer to prevent a slow consumer from
// blocking the pipeline.
package bus

import (
	"context"
	"log"
	"sync"

	"marketboard/internal/model"
)

// Grouped is one push batch regrouped by ticker.
type Grouped map[string][]model.RawRecord

// Router regroups incoming record batches by ticker, maintains the
// session-scoped snapshot state, and broadcasts the grouped batch to all
// subscribers. Session state does not survive a reconnect: Reset discards
// it and the next pushes rebuild it.
type Router struct {
	mu      sync.RWMutex
	outputs []chan Grouped
	bufSize int

	// latest holds the newest record per ticker — the "today" slot,
	// fully replaced on every push that mentions the ticker.
	latest map[string]model.RawRecord

	// session accumulates every record per ticker received since the
	// last Reset (unbounded within a session).
	session model.TickerSnapshot

	// OnDrop is called when a batch is dropped for a slow subscriber.
	OnDrop func(subscriberIdx int)

	// OnMalformed is called once per record dropped for a missing ticker.
	OnMalformed func()
}

// New creates a Router with the given buffer size for subscriber channels.
func New(outputBufferSize int) *Router {
	return &Router{
		bufSize: outputBufferSize,
		latest:  make(map[string]model.RawRecord),
		session: make(model.TickerSnapshot),
	}
}

// Subscribe creates and returns a new subscriber channel.
func (r *Router) Subscribe() <-chan Grouped {
	ch := make(chan Grouped, r.bufSize)
	r.mu.Lock()
	r.outputs = append(r.outputs, ch)
	r.mu.Unlock()
	return ch
}

// Run reads push batches from input and routes them. Blocks until ctx is
// cancelled or input is closed, then closes all subscriber channels.
func (r *Router) Run(ctx context.Context, input <-chan []model.RawRecord) {
	defer func() {
		r.mu.RLock()
		for _, ch := range r.outputs {
			close(ch)
		}
		r.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-input:
			if !ok {
				return
			}
			r.Route(batch)
		}
	}
}

// Route processes a single push batch synchronously: group, update session
// state, fan out. Exposed for event-loop callers that do not use Run.
func (r *Router) Route(batch []model.RawRecord) {
	grouped := r.group(batch)
	if len(grouped) == 0 {
		return
	}

	r.mu.Lock()
	for ticker, records := range grouped {
		r.latest[ticker] = records[len(records)-1]
		r.session[ticker] = append(r.session[ticker], records...)
	}
	r.mu.Unlock()

	r.mu.RLock()
	for i, ch := range r.outputs {
		select {
		case ch <- grouped:
		default:
			if r.OnDrop != nil {
				r.OnDrop(i)
			} else {
				log.Printf("[bus] output channel %d full, dropping batch (%d tickers)", i, len(grouped))
			}
		}
	}
	r.mu.RUnlock()
}

// group splits a batch by ticker, dropping malformed records per-record.
func (r *Router) group(batch []model.RawRecord) Grouped {
	grouped := make(Grouped)
	for i := range batch {
		rec := batch[i]
		if rec.Ticker == "" {
			if r.OnMalformed != nil {
				r.OnMalformed()
			}
			continue
		}
		grouped[rec.Ticker] = append(grouped[rec.Ticker], rec)
	}
	return grouped
}

// Latest returns the newest record for a ticker in the current session.
func (r *Router) Latest(ticker string) (model.RawRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.latest[ticker]
	return rec, ok
}

// LatestAll returns a copy of the latest-record-per-ticker map.
func (r *Router) LatestAll() map[string]model.RawRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]model.RawRecord, len(r.latest))
	for k, v := range r.latest {
		cp[k] = v
	}
	return cp
}

// Session returns a copy of the records accumulated for a ticker since the
// last Reset, in arrival order.
func (r *Router) Session(ticker string) []model.RawRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.session[ticker]
	cp := make([]model.RawRecord, len(src))
	copy(cp, src)
	return cp
}

// Reset discards all session state. Called on feed resubscription.
func (r *Router) Reset() {
	r.mu.Lock()
	r.latest = make(map[string]model.RawRecord)
	r.session = make(model.TickerSnapshot)
	r.mu.Unlock()
}

// ChannelStat reports (length, capacity) for a subscriber channel, used
// for saturation metrics.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns stats for each subscriber channel.
func (r *Router) ChannelStats() []ChannelStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ChannelStat, len(r.outputs))
	for i, ch := range r.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
