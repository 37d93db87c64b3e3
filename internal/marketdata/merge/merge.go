// Package merge combines a one-shot historical series with the continuously
// refreshed "latest" record for the same ticker, producing a single
// ascending, duplicate-free series. The date/timestamp comparison — not
// arrival order — is the sole ordering authority: the intraday feed may lag
// or lead the snapshot feed.
package merge

import (
	"sort"

	"marketboard/internal/model"
	"marketboard/internal/marketdata/normalize"
)

// Latest merges the live record into the normalized history.
//
// Rule, comparing the last history element against latest (calendar date in
// EOD mode, exact timestamp in intraday mode):
//   - equal  → replace the last element (live value supersedes the
//     historical placeholder for "today"),
//   - newer  → append,
//   - older or absent → no-op.
//
// The input slice is not mutated. An empty history with a valid latest
// yields a one-point series; empty plus absent yields empty — callers must
// treat that as "not enough data yet", not as zero values.
func Latest(history []model.CanonicalPoint, latest *model.RawRecord, mode model.Mode, cfg normalize.Config, hooks normalize.Hooks) []model.CanonicalPoint {
	merged := make([]model.CanonicalPoint, len(history))
	copy(merged, history)

	if latest == nil {
		return merged
	}
	res := normalize.Normalize([]model.RawRecord{*latest}, mode, cfg, hooks)
	if len(res.Points) == 0 {
		// Invalid live record — keep history untouched.
		return merged
	}
	live := res.Points[0]

	if len(merged) == 0 {
		return []model.CanonicalPoint{live}
	}

	last := merged[len(merged)-1]
	switch {
	case sameBucket(last, live, mode):
		merged[len(merged)-1] = live
	case live.Epoch > last.Epoch:
		merged = append(merged, live)
	default:
		// Live record older than history tail — stale push, ignore.
	}

	// Defensive: upstream history should already be ordered.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Epoch < merged[j].Epoch })
	return merged
}

// sameBucket reports whether two points occupy the same merge key:
// the calendar date for EOD series, the exact timestamp for intraday.
func sameBucket(a, b model.CanonicalPoint, mode model.Mode) bool {
	if mode == model.ModeEOD {
		return a.Day() == b.Day()
	}
	return a.Epoch == b.Epoch
}
