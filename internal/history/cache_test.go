package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketboard/internal/model"
)

// blockingFetcher lets the test hold a fetch open and release it on demand.
type blockingFetcher struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	results map[string][]model.RawRecord
	errs    map[string]error
	calls   int
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		gates:   make(map[string]chan struct{}),
		results: make(map[string][]model.RawRecord),
		errs:    make(map[string]error),
	}
}

func (f *blockingFetcher) gate(ticker string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[ticker]; !ok {
		f.gates[ticker] = make(chan struct{})
	}
	return f.gates[ticker]
}

func (f *blockingFetcher) FetchHistory(ctx context.Context, ticker string) ([]model.RawRecord, error) {
	gate := f.gate(ticker)
	<-gate
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[ticker]; err != nil {
		return nil, err
	}
	return f.results[ticker], nil
}

// instantFetcher resolves immediately.
type instantFetcher struct {
	records []model.RawRecord
	err     error
}

func (f *instantFetcher) FetchHistory(ctx context.Context, ticker string) ([]model.RawRecord, error) {
	return f.records, f.err
}

func waitForState(t *testing.T, c *Cache, ticker string, want EntryState) Entry {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		entry := c.Get(ticker)
		if entry.State == want {
			return entry
		}
		select {
		case <-deadline:
			t.Fatalf("ticker %s never reached %v (stuck at %v)", ticker, want, entry.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGet_MissingIsAbsent(t *testing.T) {
	c := NewCache(&instantFetcher{}, nil, nil)
	entry := c.Get("VNM")
	if entry.State != StateAbsent {
		t.Errorf("missing ticker state = %v, want absent", entry.State)
	}
	if entry.Records != nil || entry.Err != nil {
		t.Error("absent entry must carry no data and no error")
	}
}

func TestEnsure_LoadingThenReady(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["VNM"] = []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}
	c := NewCache(fetcher, nil, nil)

	c.Ensure(context.Background(), "VNM")
	if got := c.Get("VNM").State; got != StateLoading {
		t.Fatalf("state after Ensure = %v, want loading", got)
	}

	close(fetcher.gate("VNM"))
	entry := waitForState(t, c, "VNM", StateReady)
	if len(entry.Records) != 1 {
		t.Errorf("expected 1 record, got %d", len(entry.Records))
	}
}

func TestEnsure_FailurePublishesError(t *testing.T) {
	fetcher := &instantFetcher{err: errors.New("upstream 500")}
	c := NewCache(fetcher, nil, nil)

	outcomes := make(chan string, 4)
	c.OnFetch = func(o string) { outcomes <- o }

	c.Ensure(context.Background(), "VNM")
	entry := waitForState(t, c, "VNM", StateFailed)
	if entry.Err == nil {
		t.Error("failed entry must carry its error")
	}
	if got := <-outcomes; got != OutcomeError {
		t.Errorf("outcome = %q, want error", got)
	}
}

func TestEnsure_NoDuplicateFetchWhileLoadingOrReady(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["VNM"] = []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}
	c := NewCache(fetcher, nil, nil)

	ctx := context.Background()
	c.Ensure(ctx, "VNM")
	c.Ensure(ctx, "VNM") // still loading, must not start another fetch
	close(fetcher.gate("VNM"))
	waitForState(t, c, "VNM", StateReady)
	c.Ensure(ctx, "VNM") // ready, must not refetch

	fetcher.mu.Lock()
	calls := fetcher.calls
	fetcher.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly 1 fetch, got %d", calls)
	}
}

func TestForget_DiscardsInFlightFetch(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["VNM"] = []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}
	c := NewCache(fetcher, nil, nil)

	outcomes := make(chan string, 4)
	c.OnFetch = func(o string) { outcomes <- o }
	readyCalled := false
	c.OnReady = func(string) { readyCalled = true }

	// Request VNM, then forget it while the fetch is still in flight.
	c.Ensure(context.Background(), "VNM")
	c.Forget("VNM")
	close(fetcher.gate("VNM"))

	select {
	case got := <-outcomes:
		if got != OutcomeStale {
			t.Errorf("outcome = %q, want stale", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never completed")
	}

	// The late completion must not resurrect the forgotten entry.
	if got := c.Get("VNM").State; got != StateAbsent {
		t.Errorf("state after stale completion = %v, want absent", got)
	}
	if readyCalled {
		t.Error("OnReady must not fire for a stale completion")
	}
}

func TestInvalidateAll_KillsInFlightAndClears(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["VNM"] = []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}
	c := NewCache(fetcher, nil, nil)

	outcomes := make(chan string, 4)
	c.OnFetch = func(o string) { outcomes <- o }

	c.Ensure(context.Background(), "VNM")
	c.InvalidateAll()
	close(fetcher.gate("VNM"))

	if got := <-outcomes; got != OutcomeStale {
		t.Errorf("outcome = %q, want stale", got)
	}
	if len(c.Tickers()) != 0 {
		t.Errorf("expected no tracked tickers, got %v", c.Tickers())
	}
}

// fakeSnapshotCache is an in-memory model.SnapshotCache.
type fakeSnapshotCache struct {
	mu    sync.Mutex
	data  map[string][]model.RawRecord
	fail  bool
	reads int
}

func (f *fakeSnapshotCache) GetHistory(ctx context.Context, ticker string) ([]model.RawRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail {
		return nil, false, errors.New("redis down")
	}
	records, ok := f.data[ticker]
	return records, ok, nil
}

func (f *fakeSnapshotCache) SetHistory(ctx context.Context, ticker string, records []model.RawRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string][]model.RawRecord)
	}
	f.data[ticker] = records
	return nil
}

func (f *fakeSnapshotCache) Invalidate(ctx context.Context, tickers []string) error { return nil }
func (f *fakeSnapshotCache) Close() error                                           { return nil }

func TestResolve_SecondLevelHitSkipsUpstream(t *testing.T) {
	second := &fakeSnapshotCache{data: map[string][]model.RawRecord{
		"VNM": {{Ticker: "VNM", Timestamp: "2026-03-02"}},
	}}
	upstream := &instantFetcher{err: errors.New("must not be called")}
	c := NewCache(upstream, second, nil)

	outcomes := make(chan string, 4)
	c.OnFetch = func(o string) { outcomes <- o }

	c.Ensure(context.Background(), "VNM")
	entry := waitForState(t, c, "VNM", StateReady)
	if len(entry.Records) != 1 {
		t.Errorf("expected cached record, got %d", len(entry.Records))
	}
	if got := <-outcomes; got != OutcomeCacheHit {
		t.Errorf("outcome = %q, want cache_hit", got)
	}
}

func TestResolve_SecondLevelFailureDegradesToUpstream(t *testing.T) {
	second := &fakeSnapshotCache{fail: true}
	upstream := &instantFetcher{records: []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}}
	c := NewCache(upstream, second, nil)

	c.Ensure(context.Background(), "VNM")
	entry := waitForState(t, c, "VNM", StateReady)
	if len(entry.Records) != 1 {
		t.Errorf("expected upstream record despite cache failure, got %d", len(entry.Records))
	}
}

func TestResolve_UpstreamHitWritesBack(t *testing.T) {
	second := &fakeSnapshotCache{}
	upstream := &instantFetcher{records: []model.RawRecord{{Ticker: "VNM", Timestamp: "2026-03-02"}}}
	c := NewCache(upstream, second, nil)

	c.Ensure(context.Background(), "VNM")
	waitForState(t, c, "VNM", StateReady)

	second.mu.Lock()
	_, ok := second.data["VNM"]
	second.mu.Unlock()
	if !ok {
		t.Error("upstream result must be written back to the second level")
	}
}
