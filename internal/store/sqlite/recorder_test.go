package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketboard/internal/model"
)

func f(v float64) *float64 { return &v }

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecorder_RunPersistsBatch(t *testing.T) {
	rec := openTestRecorder(t)

	batches := make(chan []model.RawRecord, 1)
	done := make(chan struct{})
	go func() {
		rec.Run(context.Background(), batches)
		close(done)
	}()

	batches <- []model.RawRecord{
		{
			Ticker: "VNM", TickerName: "VNM JSC",
			Timestamp: "2026-03-02T00:00:00Z",
			Open:      f(49), High: f(51), Low: f(48.5), Close: f(50),
			Volume: f(1200000), Diff: f(0.5), PctChange: f(0.01),
			Kind: "stock",
		},
		{Ticker: "VNM", Timestamp: "2026-03-03T00:00:00Z", Close: f(51)},
		{Ticker: "", Timestamp: "2026-03-03T00:00:00Z", Close: f(99)}, // no ticker, skipped
		{Ticker: "FPT", Timestamp: "garbage", Close: f(99)},          // unparseable, skipped
	}
	close(batches)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not drain")
	}

	got, err := rec.ReadRecords("VNM", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].TickerName != "VNM JSC" || *got[0].Close != 50 {
		t.Errorf("first record = %+v", got[0])
	}
	if got[1].Timestamp <= got[0].Timestamp {
		t.Error("records must come back ascending")
	}

	if orphan, _ := rec.ReadRecords("FPT", 0); len(orphan) != 0 {
		t.Errorf("invalid record was persisted: %+v", orphan)
	}
}

func TestRecorder_ReplaceOnSameTimestamp(t *testing.T) {
	rec := openTestRecorder(t)

	batch := []model.RawRecord{
		{Ticker: "HPG", Timestamp: "2026-03-02T00:00:00Z", Close: f(20)},
		{Ticker: "HPG", Timestamp: "2026-03-02T00:00:00Z", Close: f(21)},
	}
	if err := rec.insertBatch(batch); err != nil {
		t.Fatal(err)
	}

	got, err := rec.ReadRecords("HPG", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record after replace, got %d", len(got))
	}
	if *got[0].Close != 21 {
		t.Errorf("close = %v, want the later write", *got[0].Close)
	}
}

func TestRecorder_ReadAfterTimestamp(t *testing.T) {
	rec := openTestRecorder(t)

	if err := rec.insertBatch([]model.RawRecord{
		{Ticker: "SSI", Timestamp: "2026-03-02T00:00:00Z", Close: f(30)},
		{Ticker: "SSI", Timestamp: "2026-03-03T00:00:00Z", Close: f(31)},
	}); err != nil {
		t.Fatal(err)
	}

	cut := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).Unix()
	got, err := rec.ReadRecords("SSI", cut)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || *got[0].Close != 31 {
		t.Fatalf("after-cut records = %+v", got)
	}
}
