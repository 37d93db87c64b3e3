package merge

import (
	"testing"

	"marketboard/internal/marketdata/normalize"
	"marketboard/internal/model"
)

func f(v float64) *float64 { return &v }

func eodRecord(ts string, close float64) model.RawRecord {
	return model.RawRecord{
		Ticker:    "VNM",
		Timestamp: ts,
		Open:      f(close - 1),
		High:      f(close + 1),
		Low:       f(close - 2),
		Close:     f(close),
	}
}

func normalizeEOD(t *testing.T, records ...model.RawRecord) []model.CanonicalPoint {
	t.Helper()
	res := normalize.Normalize(records, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	return res.Points
}

func TestLatest_ReplacesSameDay(t *testing.T) {
	history := normalizeEOD(t,
		eodRecord("2026-03-02", 50),
		eodRecord("2026-03-03", 51),
	)
	// Live push for the same calendar day, intraday-style timestamp.
	live := eodRecord("2026-03-03T07:10:00", 53)

	merged := Latest(history, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 {
		t.Fatalf("expected 2 points, got %d", len(merged))
	}
	if merged[1].Value != 53 {
		t.Errorf("expected live value 53 to replace placeholder, got %v", merged[1].Value)
	}
}

func TestLatest_CloseOnlyRecordsMerge(t *testing.T) {
	// A snapshot feed may carry only the close; the replace-today merge
	// must still work without candle data.
	history := normalizeEOD(t,
		model.RawRecord{Ticker: "VNM", Timestamp: "2024-01-01", Close: f(100)},
		model.RawRecord{Ticker: "VNM", Timestamp: "2024-01-02", Close: f(102)},
	)
	live := model.RawRecord{Ticker: "VNM", Timestamp: "2024-01-02", Close: f(103), PctChange: f(0.0098)}

	merged := Latest(history, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 {
		t.Fatalf("expected 2 points, got %d", len(merged))
	}
	if merged[1].Value != 103 {
		t.Errorf("expected live value 103 to replace the placeholder, got %v", merged[1].Value)
	}
	if merged[1].OHLC != nil {
		t.Errorf("close-only live record must not fabricate candle data: %+v", merged[1].OHLC)
	}
}

func TestLatest_AppendsNewerDay(t *testing.T) {
	history := normalizeEOD(t, eodRecord("2026-03-02", 50))
	live := eodRecord("2026-03-03", 51)

	merged := Latest(history, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 {
		t.Fatalf("expected append, got %d points", len(merged))
	}
	if merged[1].Value != 51 {
		t.Errorf("expected appended value 51, got %v", merged[1].Value)
	}
}

func TestLatest_IgnoresStaleAndAbsent(t *testing.T) {
	history := normalizeEOD(t,
		eodRecord("2026-03-02", 50),
		eodRecord("2026-03-03", 51),
	)

	// Absent.
	merged := Latest(history, nil, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 || merged[1].Value != 51 {
		t.Errorf("nil latest must be a no-op, got %v", merged)
	}

	// Older than the history tail.
	stale := eodRecord("2026-03-01", 48)
	merged = Latest(history, &stale, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 || merged[1].Value != 51 {
		t.Errorf("stale latest must be a no-op, got %v", merged)
	}
}

func TestLatest_InvalidRecordIsNoOp(t *testing.T) {
	history := normalizeEOD(t, eodRecord("2026-03-02", 50))
	bad := model.RawRecord{Ticker: "VNM", Timestamp: "garbage", Close: f(10)}

	merged := Latest(history, &bad, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 1 || merged[0].Value != 50 {
		t.Errorf("invalid latest must leave history untouched, got %v", merged)
	}
}

func TestLatest_EmptyHistoryWithValidLatest(t *testing.T) {
	live := eodRecord("2026-03-03", 51)
	merged := Latest(nil, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 1 {
		t.Fatalf("expected one-point series, got %d", len(merged))
	}
	if merged[0].Value != 51 {
		t.Errorf("expected value 51, got %v", merged[0].Value)
	}
}

func TestLatest_Idempotent(t *testing.T) {
	history := normalizeEOD(t,
		eodRecord("2026-03-02", 50),
		eodRecord("2026-03-03", 51),
	)
	live := eodRecord("2026-03-03T07:10:00", 53)

	once := Latest(history, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	twice := Latest(once, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if len(once) != len(twice) {
		t.Fatalf("length changed on re-merge: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Epoch != twice[i].Epoch || once[i].Value != twice[i].Value {
			t.Errorf("point %d changed on re-merge", i)
		}
	}
}

func TestLatest_DoesNotMutateInput(t *testing.T) {
	history := normalizeEOD(t,
		eodRecord("2026-03-02", 50),
		eodRecord("2026-03-03", 51),
	)
	before := history[1].Value
	live := eodRecord("2026-03-03T07:10:00", 53)

	Latest(history, &live, model.ModeEOD, normalize.DefaultConfig(), normalize.Hooks{})
	if history[1].Value != before {
		t.Errorf("input slice mutated: %v", history[1].Value)
	}
}

func TestLatest_IntradayExactTimestamp(t *testing.T) {
	records := []model.RawRecord{
		{Ticker: "VNM", Timestamp: "2026-03-03 02:15:00", Close: f(50)},
		{Ticker: "VNM", Timestamp: "2026-03-03 02:16:00", Close: f(50.2)},
	}
	res := normalize.Normalize(records, model.ModeIntraday, normalize.DefaultConfig(), normalize.Hooks{})

	// Same exact timestamp as the tail → replace.
	same := model.RawRecord{Ticker: "VNM", Timestamp: "2026-03-03 02:16:00", Close: f(50.9)}
	merged := Latest(res.Points, &same, model.ModeIntraday, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 2 || merged[1].Value != 50.9 {
		t.Errorf("expected exact-timestamp replace, got %v", merged)
	}

	// One second later → append, even though it is the same minute.
	later := model.RawRecord{Ticker: "VNM", Timestamp: "2026-03-03 02:16:01", Close: f(51)}
	merged = Latest(res.Points, &later, model.ModeIntraday, normalize.DefaultConfig(), normalize.Hooks{})
	if len(merged) != 3 {
		t.Errorf("expected append for newer timestamp, got %d points", len(merged))
	}
}
