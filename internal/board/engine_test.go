package board

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"marketboard/internal/history"
	"marketboard/internal/model"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// capturingPub records every published payload per channel.
type capturingPub struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newCapturingPub() *capturingPub {
	return &capturingPub{msgs: make(map[string][][]byte)}
}

func (p *capturingPub) Publish(channel string, data []byte) {
	p.mu.Lock()
	p.msgs[channel] = append(p.msgs[channel], data)
	p.mu.Unlock()
}

func (p *capturingPub) last(channel string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs[channel]
	if len(msgs) == 0 {
		return nil, false
	}
	return msgs[len(msgs)-1], true
}

type stubFetcher struct {
	mu      sync.Mutex
	records map[string][]model.RawRecord
}

func (f *stubFetcher) FetchHistory(ctx context.Context, ticker string) ([]model.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[ticker], nil
}

func f64(v float64) *float64 { return &v }

func eodRec(ticker, day string, close, pct float64) model.RawRecord {
	return model.RawRecord{
		Ticker:     ticker,
		TickerName: ticker + " JSC",
		Timestamp:  day,
		Open:       f64(close - 1),
		High:       f64(close + 1),
		Low:        f64(close - 2),
		Close:      f64(close),
		Volume:     f64(10000),
		Diff:       f64(close * pct),
		PctChange:  f64(pct), // fraction
	}
}

// testNow is a Thursday; the history days precede it within every window.
var testNow = time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, tickers []string) (*Engine, *capturingPub, *stubFetcher) {
	t.Helper()
	fetcher := &stubFetcher{records: make(map[string][]model.RawRecord)}
	for _, ticker := range tickers {
		fetcher.records[ticker] = []model.RawRecord{
			eodRec(ticker, "2026-03-02", 50, 0.01),
			eodRec(ticker, "2026-03-03", 51, 0.02),
			eodRec(ticker, "2026-03-04", 50.5, -0.0098),
		}
	}

	pub := newCapturingPub()
	cache := history.NewCache(fetcher, nil, nil)
	e := NewEngine(Config{Tickers: tickers}, Deps{
		Cache: cache,
		Clock: fakeClock{now: testNow},
		Pub:   pub,
	})
	return e, pub, fetcher
}

func waitReady(t *testing.T, e *Engine, ticker string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for e.cache.Get(ticker).State != history.StateReady {
		select {
		case <-deadline:
			t.Fatalf("history for %s never became ready", ticker)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOpenSession_LoadingThenRendered(t *testing.T) {
	e, pub, _ := newTestEngine(t, []string{"VNM"})

	sess, initial := e.OpenSession([]string{"VNM"}, model.Range1M)
	var first ChartPayload
	if err := json.Unmarshal(initial, &first); err != nil {
		t.Fatalf("initial payload not JSON: %v", err)
	}
	if first.Status == StatusError {
		t.Fatalf("fresh session must not be in error: %+v", first)
	}

	waitReady(t, e, "VNM")

	// OnReady re-renders the covering session through the publisher.
	deadline := time.After(2 * time.Second)
	for {
		if data, ok := pub.last("chart:" + sess.Key); ok {
			var payload ChartPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				t.Fatal(err)
			}
			if payload.Status == StatusOK {
				if len(payload.Series) != 1 || len(payload.Series[0].Candles) != 3 {
					t.Fatalf("expected 3 candles, got %+v", payload.Series)
				}
				if len(payload.Performance) != 1 || len(payload.Performance[0].Points) != 3 {
					t.Fatalf("expected 3 performance points, got %+v", payload.Performance)
				}
				if payload.Performance[0].Points[0].Y != 0 {
					t.Error("performance must be rebased to start at 0")
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("session never rendered as ok")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBuildPayload_MergesLiveSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t, []string{"VNM"})
	sess, _ := e.OpenSession([]string{"VNM"}, model.Range1M)
	waitReady(t, e, "VNM")

	// Live record for a newer day than the history tail.
	live := eodRec("VNM", "2026-03-05T04:00:00", 52, 0.0297)
	e.snap.Route([]model.RawRecord{live})

	payload := e.BuildPayload(sess)
	candles := payload.Series[0].Candles
	if len(candles) != 4 {
		t.Fatalf("expected live day appended (4 candles), got %d", len(candles))
	}
	if candles[3].C != 52 {
		t.Errorf("live close = %v, want 52", candles[3].C)
	}
	if payload.Series[0].Name != "VNM JSC" {
		t.Errorf("display name should come from the live record, got %q", payload.Series[0].Name)
	}
	// Fractional live pct renders as a display percentage.
	if payload.Series[0].LastPct != 2.97 {
		t.Errorf("LastPct = %v, want 2.97", payload.Series[0].LastPct)
	}
}

func TestBuildPayload_IntradayUsesRankIndex(t *testing.T) {
	e, _, _ := newTestEngine(t, []string{"VNM", "FPT"})
	sess, _ := e.OpenSession([]string{"VNM", "FPT"}, model.Range1D)

	// Morning tail and afternoon head, with the lunch gap between them.
	e.itd.Route([]model.RawRecord{
		{Ticker: "VNM", Timestamp: "2026-03-05 04:25:00", Close: f64(50)},
		{Ticker: "FPT", Timestamp: "2026-03-05 04:25:00", Close: f64(80)},
	})
	e.itd.Route([]model.RawRecord{
		{Ticker: "VNM", Timestamp: "2026-03-05 06:00:00", Close: f64(50.4)},
	})

	payload := e.BuildPayload(sess)
	if payload.Status != StatusOK {
		t.Fatalf("status = %s", payload.Status)
	}
	if len(payload.RankTable) != 2 {
		t.Fatalf("expected 2 distinct timestamps, got %d", len(payload.RankTable))
	}
	if len(payload.Labels) != 2 || payload.Labels[0] != "11:25" || payload.Labels[1] != "13:00" {
		t.Errorf("labels = %v", payload.Labels)
	}

	var vnm model.ChartSeries
	for _, s := range payload.Series {
		if s.Ticker == "VNM" {
			vnm = s
		}
	}
	if len(vnm.Area) != 2 {
		t.Fatalf("expected 2 area points, got %d", len(vnm.Area))
	}
	// The 95-minute lunch gap is exactly one rank step.
	if vnm.Area[1].X-vnm.Area[0].X != 1 {
		t.Errorf("gap not collapsed: %v", vnm.Area)
	}
	if len(vnm.Candles) != 0 {
		t.Error("intraday series must not carry candles")
	}
}

func TestBuildPayload_EmptyIntradaySessionIsLoading(t *testing.T) {
	e, _, _ := newTestEngine(t, []string{"VNM"})
	sess, _ := e.OpenSession([]string{"VNM"}, model.Range1D)

	payload := e.BuildPayload(sess)
	if payload.Status != StatusLoading {
		t.Errorf("empty session status = %s, want loading", payload.Status)
	}
}

func TestLeaderboard_RanksDescending(t *testing.T) {
	e, _, fetcher := newTestEngine(t, []string{"AAA", "BBB"})
	fetcher.mu.Lock()
	fetcher.records["AAA"] = []model.RawRecord{
		eodRec("AAA", "2026-03-02", 50, 0.01),
		eodRec("AAA", "2026-03-03", 51, 0.02),
	}
	fetcher.records["BBB"] = []model.RawRecord{
		eodRec("BBB", "2026-03-02", 80, -0.01),
		eodRec("BBB", "2026-03-03", 79, -0.0125),
	}
	fetcher.mu.Unlock()

	e.cache.Ensure(context.Background(), "AAA")
	e.cache.Ensure(context.Background(), "BBB")
	waitReady(t, e, "AAA")
	waitReady(t, e, "BBB")

	payload, err := e.Leaderboard(model.Range1W)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	if payload.Entries[0].Ticker != "AAA" {
		t.Errorf("expected AAA ranked first, got %s", payload.Entries[0].Ticker)
	}
	if payload.Entries[0].Value <= payload.Entries[1].Value {
		t.Error("entries must be sorted descending")
	}
}

func TestCloseSession_RefCountsAndForgetsOrphans(t *testing.T) {
	e, _, _ := newTestEngine(t, []string{"VNM"})

	// HPG is not part of the board set, so it becomes an orphan when the
	// last session drops it.
	sess, _ := e.OpenSession([]string{"HPG"}, model.Range1M)
	again, _ := e.OpenSession([]string{"HPG"}, model.Range1M)
	if sess != again {
		t.Fatal("same selection must share one session")
	}

	e.CloseSession(sess.Key)
	if _, ok := e.sessions[sess.Key]; !ok {
		t.Fatal("session must survive while a subscriber remains")
	}

	e.CloseSession(sess.Key)
	if _, ok := e.sessions[sess.Key]; ok {
		t.Fatal("session must be disposed at zero subscribers")
	}
	if got := e.cache.Get("HPG").State; got != history.StateAbsent {
		t.Errorf("orphan ticker state = %v, want absent", got)
	}
}

func TestSnapshot_RangeAllCarriesFullPerformance(t *testing.T) {
	e, _, _ := newTestEngine(t, []string{"VNM"})
	e.OpenSession([]string{"VNM"}, model.Range1M)
	waitReady(t, e, "VNM")

	payload := e.Snapshot([]string{"VNM"}, model.RangeAll)
	if len(payload.Performance) != 1 || len(payload.Performance[0].Points) != 3 {
		t.Fatalf("expected full-history performance, got %+v", payload.Performance)
	}
	if payload.Viewport.From != 0 || payload.Viewport.To != 3 {
		t.Errorf("ALL viewport must fit all bars, got %+v", payload.Viewport)
	}
}

func TestBuildPayload_AnomaliesNoted(t *testing.T) {
	e, _, fetcher := newTestEngine(t, []string{"VNM"})
	fetcher.mu.Lock()
	fetcher.records["VNM"] = append(fetcher.records["VNM"],
		model.RawRecord{Ticker: "VNM", Timestamp: "garbage", Close: f64(1)})
	fetcher.mu.Unlock()

	sess, _ := e.OpenSession([]string{"VNM"}, model.Range1M)
	waitReady(t, e, "VNM")
	e.BuildPayload(sess)

	found := false
	for _, a := range sess.Anomalies() {
		if a.Reason == "unparseable_timestamp" && strings.Contains(a.Ticker, "VNM") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected anomaly note, got %v", sess.Anomalies())
	}
}

// stubSource hands out idle push subscriptions that deliver nothing.
type stubSource struct{}

type stubSub struct {
	data chan []model.RawRecord
	err  chan error
}

func (s *stubSub) Data() <-chan []model.RawRecord { return s.data }
func (s *stubSub) Err() <-chan error              { return s.err }
func (s *stubSub) Close()                         {}

func (stubSource) Subscribe(ctx context.Context, topic string) (model.Subscription, error) {
	return &stubSub{data: make(chan []model.RawRecord), err: make(chan error)}, nil
}

func TestEngine_SessionsDuringStartup(t *testing.T) {
	// Clients may open and close sessions while Run is still starting;
	// the race detector must stay quiet across the two.
	e, _, _ := newTestEngine(t, []string{"VNM"})
	e.source = stubSource{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s, _ := e.OpenSession([]string{"VNM"}, model.Range1M)
				e.CloseSession(s.Key)
			}
		}()
	}
	wg.Wait()
}
