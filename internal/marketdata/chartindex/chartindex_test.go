package chartindex

import (
	"testing"
	"time"

	"marketboard/internal/model"
)

func pt(epoch int64, v float64) model.CanonicalPoint {
	return model.CanonicalPoint{Epoch: epoch, Value: v}
}

func TestBuild_DenseRanksAcrossTickers(t *testing.T) {
	// Ticker A trades at t1,t2,t4; ticker B at t2,t3. The union must get
	// dense ranks 0..3 with no holes.
	m := Build(map[string][]model.CanonicalPoint{
		"AAA": {pt(100, 1), pt(200, 2), pt(400, 3)},
		"BBB": {pt(200, 5), pt(300, 6)},
	})

	if m.Len() != 4 {
		t.Fatalf("expected 4 distinct timestamps, got %d", m.Len())
	}
	wantRanks := map[int64]int{100: 0, 200: 1, 300: 2, 400: 3}
	for epoch, want := range wantRanks {
		got, ok := m.Rank(epoch)
		if !ok || got != want {
			t.Errorf("Rank(%d) = %d,%v, want %d", epoch, got, ok, want)
		}
	}
}

func TestBuild_RoundTrip(t *testing.T) {
	m := Build(map[string][]model.CanonicalPoint{
		"AAA": {pt(100, 1), pt(300, 2), pt(200, 3)},
	})
	for rank := 0; rank < m.Len(); rank++ {
		epoch, ok := m.Timestamp(rank)
		if !ok {
			t.Fatalf("Timestamp(%d) missing", rank)
		}
		back, ok := m.Rank(epoch)
		if !ok || back != rank {
			t.Errorf("round trip rank %d → %d via epoch %d", rank, back, epoch)
		}
	}
}

func TestMapper_UnknownLookups(t *testing.T) {
	m := Build(map[string][]model.CanonicalPoint{
		"AAA": {pt(100, 1)},
	})
	if _, ok := m.Rank(999); ok {
		t.Error("unknown epoch must not resolve")
	}
	if _, ok := m.Timestamp(5); ok {
		t.Error("out-of-range rank must not resolve")
	}
	if label := m.Label(5); label != "" {
		t.Errorf("unknown rank must label as empty string, got %q", label)
	}
	if label := m.Label(-1); label != "" {
		t.Errorf("negative rank must label as empty string, got %q", label)
	}
}

func TestMapper_LabelFormatsDisplayTime(t *testing.T) {
	// 09:15 in the (already offset) display timezone.
	epoch := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC).Unix()
	m := Build(map[string][]model.CanonicalPoint{
		"AAA": {pt(epoch, 1)},
	})
	if got := m.Label(0); got != "09:15" {
		t.Errorf("Label(0) = %q, want 09:15", got)
	}
}

func TestRemap_CollapsesGap(t *testing.T) {
	morning := time.Date(2026, 3, 2, 11, 25, 0, 0, time.UTC).Unix()
	morningEnd := time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC).Unix()
	afternoon := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC).Unix()

	series := []model.CanonicalPoint{pt(morning, 1), pt(morningEnd, 2), pt(afternoon, 3)}
	m := Build(map[string][]model.CanonicalPoint{"AAA": series})

	remapped := m.Remap(series)
	if len(remapped) != 3 {
		t.Fatalf("expected 3 points, got %d", len(remapped))
	}
	// The lunch break spans 90 minutes of wall time but exactly one rank
	// step on the X axis.
	if remapped[2].X-remapped[1].X != 1 {
		t.Errorf("gap not collapsed: X step %d", remapped[2].X-remapped[1].X)
	}
}

func TestRemap_SkipsUnmappedAndSorts(t *testing.T) {
	m := Build(map[string][]model.CanonicalPoint{
		"AAA": {pt(100, 1), pt(200, 2)},
	})
	// 999 was never part of the union.
	remapped := m.Remap([]model.CanonicalPoint{pt(200, 2), pt(999, 9), pt(100, 1)})
	if len(remapped) != 2 {
		t.Fatalf("expected unmapped point skipped, got %d points", len(remapped))
	}
	if remapped[0].X != 0 || remapped[1].X != 1 {
		t.Errorf("output not sorted by rank: %v", remapped)
	}
}

func TestBuild_Empty(t *testing.T) {
	m := Build(nil)
	if m.Len() != 0 {
		t.Errorf("expected empty mapper, got %d", m.Len())
	}
	if got := m.Table(); len(got) != 0 {
		t.Errorf("expected empty table, got %v", got)
	}
}
