// Package board is the per-chart orchestrator: it joins the one-shot
// history cache with the two live push subscriptions and rebuilds
// chart-ready payloads on every refresh. All computation runs inside event
// handlers (fetch completion, push arrival, client action); derived series
// are restartable — rebuilt from scratch, never patched incrementally.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketboard/internal/history"
	"marketboard/internal/marketdata/bus"
	"marketboard/internal/marketdata/chartindex"
	"marketboard/internal/marketdata/merge"
	"marketboard/internal/marketdata/normalize"
	"marketboard/internal/marketdata/window"
	"marketboard/internal/metrics"
	"marketboard/internal/model"
	"marketboard/internal/view"
)

// Publisher fans finished payloads out to connected clients. Implemented
// by the gateway hub.
type Publisher interface {
	Publish(channel string, data []byte)
}

// Config holds board-level settings.
type Config struct {
	// Tickers is the full board set: mini tickers and the leaderboard.
	Tickers []string

	SnapshotTopic string
	IntradayTopic string

	// LeaderboardRanges are re-ranked and broadcast on every snapshot
	// push.
	LeaderboardRanges []model.ViewRange

	Normalize normalize.Config

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.SnapshotTopic == "" {
		c.SnapshotTopic = "snapshot"
	}
	if c.IntradayTopic == "" {
		c.IntradayTopic = "intraday"
	}
	if len(c.LeaderboardRanges) == 0 {
		c.LeaderboardRanges = []model.ViewRange{model.Range1D, model.Range1W, model.Range1M, model.Range1Y}
	}
	if c.Normalize.DisplayOffset == 0 {
		c.Normalize = normalize.DefaultConfig()
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Deps are the engine's collaborators. Metrics, Health, Recorder and Log
// may be nil.
type Deps struct {
	Cache    *history.Cache
	Source   model.EventSource
	Clock    model.Clock
	Pub      Publisher
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Recorder chan<- []model.RawRecord
	Log      *slog.Logger
}

// Engine drives the fusion pipeline for every active chart session.
type Engine struct {
	cfg Config

	cache  *history.Cache
	source model.EventSource
	clock  model.Clock
	pub    Publisher
	met    *metrics.Metrics
	health *metrics.HealthStatus
	record chan<- []model.RawRecord
	log    *slog.Logger

	// snap tracks the latest EOD-style record per ticker; itd
	// accumulates the intraday session. Independent subscriptions,
	// uncorrelated arrival order — the merger's timestamp comparison is
	// the sole ordering authority.
	snap *bus.Router
	itd  *bus.Router

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*Session
}

// NewEngine creates an engine. Call Run before use.
func NewEngine(cfg Config, d Deps) *Engine {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = model.SystemClock{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		cache:    d.Cache,
		source:   d.Source,
		clock:    d.Clock,
		pub:      d.Pub,
		met:      d.Metrics,
		health:   d.Health,
		record:   d.Recorder,
		log:      d.Log,
		snap:     bus.New(64),
		itd:      bus.New(64),
		sessions: make(map[string]*Session),
	}
	if e.met != nil {
		e.snap.OnDrop = func(i int) { e.met.RouterDrops.WithLabelValues("snapshot").Inc() }
		e.itd.OnDrop = func(i int) { e.met.RouterDrops.WithLabelValues("intraday").Inc() }
		e.snap.OnMalformed = func() { e.met.InvalidRecords.WithLabelValues("no_ticker").Inc() }
		e.itd.OnMalformed = func() { e.met.InvalidRecords.WithLabelValues("no_ticker").Inc() }
	}
	if e.cache != nil {
		e.cache.OnReady = e.onHistoryReady
	}
	return e
}

// SetPublisher wires the fan-out sink. Must be called before Run; the
// gateway hub needs the engine first, so the publisher arrives late.
func (e *Engine) SetPublisher(p Publisher) {
	e.pub = p
}

// Run starts the push subscriptions and the render loop. Blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) {
	// Client goroutines read the context through runCtx while Run starts.
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	snapIn := make(chan []model.RawRecord, 64)
	itdIn := make(chan []model.RawRecord, 64)
	snapOut := e.snap.Subscribe()
	itdOut := e.itd.Subscribe()

	go e.snap.Run(ctx, snapIn)
	go e.itd.Run(ctx, itdIn)
	go e.consume(ctx, e.cfg.SnapshotTopic, snapIn, e.snap)
	go e.consume(ctx, e.cfg.IntradayTopic, itdIn, e.itd)

	// Prefetch history for the board set.
	for _, t := range e.cfg.Tickers {
		e.cache.Ensure(ctx, t)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case grouped, ok := <-snapOut:
			if !ok {
				return
			}
			e.onSnapshot(grouped)
		case grouped, ok := <-itdOut:
			if !ok {
				return
			}
			e.onIntraday(grouped)
		}
	}
}

// consume keeps one topic subscribed, resetting the router's session state
// on every resubscription. Transport faults are reconnectable: backoff,
// resubscribe, rebuild from the next pushes. Previously merged data stays
// visible throughout.
func (e *Engine) consume(ctx context.Context, topic string, out chan<- []model.RawRecord, router *bus.Router) {
	backoff := e.cfg.ReconnectMin
	for {
		sub, err := e.source.Subscribe(ctx, topic)
		if err != nil {
			e.log.Warn("feed subscribe failed", "topic", topic, "err", err, "retry_in", backoff)
			if e.met != nil {
				e.met.FeedReconnects.WithLabelValues(topic).Inc()
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, e.cfg.ReconnectMax)
			continue
		}
		backoff = e.cfg.ReconnectMin

		// New session: discard the previous session's snapshot state.
		router.Reset()
		if e.health != nil {
			e.health.SetFeedConnected(true)
		}
		e.log.Info("feed subscribed", "topic", topic)

		e.pump(ctx, topic, sub, out)

		if e.health != nil {
			e.health.SetFeedConnected(false)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.met != nil {
			e.met.FeedReconnects.WithLabelValues(topic).Inc()
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, e.cfg.ReconnectMax)
	}
}

// pump forwards one subscription's batches until it terminates.
func (e *Engine) pump(ctx context.Context, topic string, sub model.Subscription, out chan<- []model.RawRecord) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			e.log.Warn("feed fault", "topic", topic, "err", err)
			return
		case batch, ok := <-sub.Data():
			if !ok {
				return
			}
			if e.health != nil {
				e.health.SetLastPushTime(e.clock.Now())
			}
			if e.met != nil {
				e.met.BatchesTotal.Inc()
				e.met.RecordsTotal.Add(float64(len(batch)))
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// onSnapshot handles a grouped EOD-style push: persist, re-render every
// affected session, re-rank the leaderboards.
func (e *Engine) onSnapshot(grouped bus.Grouped) {
	if e.record != nil {
		flat := make([]model.RawRecord, 0, len(grouped))
		for _, records := range grouped {
			flat = append(flat, records...)
		}
		select {
		case e.record <- flat:
		default:
			// Recorder lagging — persistence is best effort.
		}
	}

	e.renderCovering(grouped, false)
	e.renderLeaderboards()
}

// onIntraday handles a grouped intraday push: only 1D sessions consume it.
func (e *Engine) onIntraday(grouped bus.Grouped) {
	e.renderCovering(grouped, true)
}

func (e *Engine) renderCovering(grouped bus.Grouped, intradayOnly bool) {
	e.mu.Lock()
	var affected []*Session
	for _, s := range e.sessions {
		if intradayOnly && !s.Range.Intraday() {
			continue
		}
		for ticker := range grouped {
			if s.covers(ticker) {
				affected = append(affected, s)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, s := range affected {
		e.render(s)
	}
}

// onHistoryReady re-renders everything that depends on a freshly cached
// ticker.
func (e *Engine) onHistoryReady(ticker string) {
	e.mu.Lock()
	var affected []*Session
	for _, s := range e.sessions {
		if s.covers(ticker) {
			affected = append(affected, s)
		}
	}
	e.mu.Unlock()

	for _, s := range affected {
		e.render(s)
	}
	e.renderLeaderboards()
}

// ── Session lifecycle ──

// OpenSession registers interest in a (tickers, range) chart and returns
// the session plus the current payload for the initial client snapshot.
func (e *Engine) OpenSession(tickers []string, rng model.ViewRange) (*Session, []byte) {
	key := SessionKey(tickers, rng)

	e.mu.Lock()
	s, ok := e.sessions[key]
	if !ok {
		s = newSession(tickers, rng)
		e.sessions[key] = s
	}
	s.refs++
	e.mu.Unlock()

	for _, t := range tickers {
		e.cache.Ensure(e.runCtx(), t)
	}
	return s, e.payloadJSON(s)
}

// CloseSession drops one subscriber; the session is disposed at zero and
// interest in tickers nothing else charts is dropped synchronously.
func (e *Engine) CloseSession(key string) {
	e.mu.Lock()
	s, ok := e.sessions[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, key)

	still := make(map[string]bool)
	for _, t := range e.cfg.Tickers {
		still[t] = true
	}
	for _, other := range e.sessions {
		for _, t := range other.Tickers {
			still[t] = true
		}
	}
	var orphans []string
	for _, t := range s.Tickers {
		if !still[t] {
			orphans = append(orphans, t)
		}
	}
	e.mu.Unlock()

	for _, t := range orphans {
		e.cache.Forget(t)
	}
}

// SaveViewport persists a client's pan/zoom for a session.
func (e *Engine) SaveViewport(key string, vp view.Viewport) {
	e.mu.Lock()
	s, ok := e.sessions[key]
	e.mu.Unlock()
	if ok {
		s.SaveViewport(vp)
	}
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// Snapshot builds a one-off chart payload outside the session lifecycle,
// serving the pull-style REST surface.
func (e *Engine) Snapshot(tickers []string, rng model.ViewRange) ChartPayload {
	return e.BuildPayload(newSession(tickers, rng))
}

// render rebuilds a session's payload and broadcasts it.
func (e *Engine) render(s *Session) {
	data := e.payloadJSON(s)
	if data == nil || e.pub == nil {
		return
	}
	e.pub.Publish("chart:"+s.Key, data)
	if e.met != nil {
		e.met.BroadcastsTotal.Inc()
	}
}

func (e *Engine) payloadJSON(s *Session) []byte {
	payload := e.BuildPayload(s)
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("payload marshal failed", "key", s.Key, "err", err)
		return nil
	}
	return data
}

func (e *Engine) renderLeaderboards() {
	if e.pub == nil {
		return
	}
	for _, rng := range e.cfg.LeaderboardRanges {
		payload, err := e.Leaderboard(rng)
		if err != nil {
			e.log.Error("leaderboard build failed", "range", rng, "err", err)
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		e.pub.Publish("leaderboard:"+string(rng), data)
		if e.met != nil {
			e.met.BroadcastsTotal.Inc()
		}
	}
}

// ── Payload building ──

// BuildPayload assembles the chart-ready payload for a session. Never
// returns an error: data anomalies are dropped records, and transport
// state arrives as Status/Error fields with previously merged data intact.
func (e *Engine) BuildPayload(s *Session) ChartPayload {
	start := time.Now()
	payload := ChartPayload{
		Key:     s.Key,
		Tickers: s.Tickers,
		Range:   s.Range,
		Status:  StatusOK,
		AsOf:    e.clock.Now(),
	}

	if s.Range.Intraday() {
		e.buildIntraday(s, &payload)
	} else {
		e.buildEOD(s, &payload)
	}

	if e.met != nil {
		e.met.AggregateDur.Observe(time.Since(start).Seconds())
	}
	return payload
}

// buildIntraday shapes the 1D chart: per-ticker intraday series accumulated
// this live session, re-expressed on the continuous rank index so the
// lunch break collapses to no visual width.
func (e *Engine) buildIntraday(s *Session, payload *ChartPayload) {
	hooks := e.hooksFor(s)

	pointsByTicker := make(map[string][]model.CanonicalPoint, len(s.Tickers))
	total := 0
	for _, ticker := range s.Tickers {
		res := normalize.Normalize(e.itd.Session(ticker), model.ModeIntraday, e.cfg.Normalize, hooks)
		pointsByTicker[ticker] = res.Points
		total += len(res.Points)
	}

	mapper := chartindex.Build(pointsByTicker)
	payload.RankTable = mapper.Table()
	labels := make([]string, mapper.Len())
	for i := range labels {
		labels[i] = mapper.Label(i)
	}
	payload.Labels = labels

	for _, ticker := range s.Tickers {
		latest, ok := e.snap.Latest(ticker)
		series := model.ChartSeries{
			Ticker:  ticker,
			Name:    ticker,
			Mode:    model.ModeIntraday,
			ModeTag: model.ModeIntraday.String(),
			Area:    mapper.Remap(pointsByTicker[ticker]),
		}
		if ok {
			series.Name = latest.DisplayName()
			series.LastDiff = derefOr(latest.Diff, 0)
			series.LastPct = asDisplayPct(derefOr(latest.PctChange, 0))
		}
		payload.Series = append(payload.Series, series)
	}

	payload.Viewport = s.decideViewport(mapper.Len())
	if total == 0 {
		payload.Status = StatusLoading
	}
}

// buildEOD shapes windowed ranges: merged daily candles for each ticker
// plus the cumulative performance lines rebased to zero.
func (e *Engine) buildEOD(s *Session, payload *ChartPayload) {
	hooks := e.hooksFor(s)
	now := e.clock.Now()
	mergeStart := time.Now()

	barCount := 0
	for i, ticker := range s.Tickers {
		entry := e.cache.Get(ticker)
		switch entry.State {
		case history.StateFailed:
			payload.Status = StatusError
			if entry.Err != nil {
				payload.Error = entry.Err.Error()
			}
		case history.StateLoading, history.StateAbsent:
			if payload.Status == StatusOK {
				payload.Status = StatusLoading
			}
		}

		res := normalize.Normalize(entry.Records, model.ModeEOD, e.cfg.Normalize, hooks)
		merged := res.Points
		var latestPtr *model.RawRecord
		if latest, ok := e.snap.Latest(ticker); ok {
			latestPtr = &latest
		}
		merged = merge.Latest(merged, latestPtr, model.ModeEOD, e.cfg.Normalize, hooks)

		series := e.candleSeries(ticker, merged, res, latestPtr)
		payload.Series = append(payload.Series, series)

		var perf []model.AreaPoint
		if s.Range == model.RangeAll {
			perf = window.CumulativeAll(changesOf(ticker, merged))
		} else {
			var err error
			perf, err = window.Cumulative(changesOf(ticker, merged), s.Range, now)
			if err != nil {
				// Contract violation — the one class that must not
				// be swallowed silently.
				e.log.Error("window aggregation rejected range", "range", s.Range, "err", err)
			}
		}
		if perf != nil {
			payload.Performance = append(payload.Performance, PerformanceSeries{
				Ticker: ticker,
				Name:   series.Name,
				Points: perf,
			})
		}

		if i == 0 {
			barCount = len(merged)
		}
	}

	if e.met != nil {
		e.met.MergeDur.Observe(time.Since(mergeStart).Seconds())
	}
	payload.Viewport = s.decideViewport(barCount)
	if payload.Status == StatusOK && barCount == 0 {
		payload.Status = StatusLoading
	}
}

func (e *Engine) candleSeries(ticker string, merged []model.CanonicalPoint, res normalize.Result, latest *model.RawRecord) model.ChartSeries {
	series := model.ChartSeries{
		Ticker:   ticker,
		Name:     ticker,
		Mode:     model.ModeEOD,
		ModeTag:  model.ModeEOD.String(),
		LastDiff: res.LastDiff,
		LastPct:  asDisplayPct(res.LastPct),
	}
	if latest != nil {
		series.Name = latest.DisplayName()
		series.LastDiff = derefOr(latest.Diff, series.LastDiff)
		series.LastPct = asDisplayPct(derefOr(latest.PctChange, res.LastPct))
	}
	for i := range merged {
		p := &merged[i]
		if p.OHLC == nil {
			continue
		}
		series.Candles = append(series.Candles, model.CandlePoint{
			X: p.Epoch, O: p.OHLC.Open, H: p.OHLC.High, L: p.OHLC.Low, C: p.OHLC.Close,
		})
		series.Volume = append(series.Volume, model.AreaPoint{X: p.Epoch, Y: p.Volume})
	}
	return series
}

// Leaderboard computes the ranked performance list for a range across the
// board ticker set.
func (e *Engine) Leaderboard(rng model.ViewRange) (LeaderboardPayload, error) {
	hooks := e.hooksFor(nil)
	now := e.clock.Now()

	items := make([]window.TickerChanges, 0, len(e.cfg.Tickers))
	for _, ticker := range e.cfg.Tickers {
		entry := e.cache.Get(ticker)
		res := normalize.Normalize(entry.Records, model.ModeEOD, e.cfg.Normalize, hooks)
		merged := res.Points
		var latestPtr *model.RawRecord
		name := ticker
		current := res.LastPct
		if latest, ok := e.snap.Latest(ticker); ok {
			latestPtr = &latest
			name = latest.DisplayName()
			current = derefOr(latest.PctChange, current)
		}
		merged = merge.Latest(merged, latestPtr, model.ModeEOD, e.cfg.Normalize, hooks)

		tc := changesOf(ticker, merged)
		tc.Name = name
		tc.CurrentPct = current
		items = append(items, tc)
	}

	entries, err := window.Rank(items, rng, now)
	if err != nil {
		return LeaderboardPayload{}, fmt.Errorf("leaderboard: %w", err)
	}
	return LeaderboardPayload{Range: rng, Entries: entries, AsOf: now}, nil
}

// changesOf extracts the per-day change inputs from a merged EOD series.
func changesOf(ticker string, merged []model.CanonicalPoint) window.TickerChanges {
	tc := window.TickerChanges{Ticker: ticker}
	for i := range merged {
		p := &merged[i]
		if p.Pct == nil {
			continue
		}
		tc.Changes = append(tc.Changes, window.Change{Epoch: p.Day(), Pct: *p.Pct})
	}
	return tc
}

func (e *Engine) hooksFor(s *Session) normalize.Hooks {
	return normalize.Hooks{
		OnInvalid: func(ticker, reason string) {
			if e.met != nil {
				e.met.InvalidRecords.WithLabelValues(reason).Inc()
			}
			if s != nil {
				s.note(ticker, reason, e.clock.Now())
			}
		},
		OnDuplicate: func(ticker string, epoch int64) {
			if e.met != nil {
				e.met.DuplicateEpochs.Inc()
			}
			e.log.Warn("duplicate timestamp dropped", "ticker", ticker, "epoch", epoch)
			if s != nil {
				s.note(ticker, "duplicate_timestamp", e.clock.Now())
			}
		},
	}
}

// asDisplayPct normalizes the ambiguous upstream pct-change field to a
// display percentage. Same heuristic the window aggregator applies.
func asDisplayPct(v float64) float64 {
	if v < 1 && v > -1 {
		return v * 100
	}
	return v
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
