// Package chartindex maps irregular intraday timestamps onto a dense,
// gap-free integer index. Plotting intraday series by real timestamp leaves
// a misleading flat gap over the midday trading pause; substituting the
// rank collapses non-trading time to zero visual width.
//
// The mapping is recomputed fully on every change to the selected-ticker
// set or the underlying data — a stateless rebuild, no incremental patching.
package chartindex

import (
	"sort"
	"time"

	"marketboard/internal/model"
)

// Mapper holds the bidirectional rank↔timestamp tables for one render pass.
type Mapper struct {
	times []int64         // rank → epoch, ascending
	ranks map[int64]int   // epoch → rank
}

// Build unions the (already display-offset) timestamps of every selected
// ticker's intraday series and assigns dense ranks 0..N-1.
func Build(seriesByTicker map[string][]model.CanonicalPoint) *Mapper {
	set := make(map[int64]bool)
	for _, series := range seriesByTicker {
		for i := range series {
			set[series[i].Epoch] = true
		}
	}

	times := make([]int64, 0, len(set))
	for epoch := range set {
		times = append(times, epoch)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	ranks := make(map[int64]int, len(times))
	for rank, epoch := range times {
		ranks[epoch] = rank
	}
	return &Mapper{times: times, ranks: ranks}
}

// Len returns the number of distinct timestamps.
func (m *Mapper) Len() int { return len(m.times) }

// Rank resolves a timestamp to its dense index.
func (m *Mapper) Rank(epoch int64) (int, bool) {
	r, ok := m.ranks[epoch]
	return r, ok
}

// Timestamp resolves a rank back to its timestamp for axis labels and
// tooltips.
func (m *Mapper) Timestamp(rank int) (int64, bool) {
	if rank < 0 || rank >= len(m.times) {
		return 0, false
	}
	return m.times[rank], true
}

// Label renders a rank as "HH:MM" in the display timezone. The epochs are
// already offset, so a plain UTC format is correct. A rank with no mapping
// renders as an empty label, never an error.
func (m *Mapper) Label(rank int) string {
	epoch, ok := m.Timestamp(rank)
	if !ok {
		return ""
	}
	return time.Unix(epoch, 0).UTC().Format("15:04")
}

// Table returns the full rank → timestamp lookup, as exposed to the
// rendering layer for intraday axis rendering.
func (m *Mapper) Table() []int64 {
	out := make([]int64, len(m.times))
	copy(out, m.times)
	return out
}

// Remap re-expresses a series as {x: rank, y: value} pairs sorted by rank.
// Points whose timestamp is outside the union (possible only if the mapper
// is stale) are skipped rather than misplaced.
func (m *Mapper) Remap(series []model.CanonicalPoint) []model.AreaPoint {
	out := make([]model.AreaPoint, 0, len(series))
	for i := range series {
		rank, ok := m.ranks[series[i].Epoch]
		if !ok {
			continue
		}
		out = append(out, model.AreaPoint{X: int64(rank), Y: series[i].Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].X < out[j].X })
	return out
}
