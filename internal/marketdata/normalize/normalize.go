// Package normalize converts heterogeneous upstream records into canonical,
// timezone-adjusted, de-duplicated ordered points. It never returns an
// error: invalid records are dropped and reported through the optional
// anomaly hooks, and empty input yields an empty (well-formed) result.
package normalize

import (
	"math"
	"sort"
	"time"

	"marketboard/internal/model"
)

// DefaultDisplayOffset converts the upstream UTC storage convention to the
// display timezone (UTC+7). Adjustable per deployment via Config.
const DefaultDisplayOffset = 7 * time.Hour

// Config holds normalization settings.
type Config struct {
	// DisplayOffset is added to intraday timestamps so charts and axis
	// labels render in the exchange-local timezone.
	DisplayOffset time.Duration
}

// DefaultConfig returns the production config.
func DefaultConfig() Config {
	return Config{DisplayOffset: DefaultDisplayOffset}
}

// Hooks are optional anomaly callbacks (metrics, logging). Anomalies are
// non-fatal: the offending record is skipped and the walk continues.
type Hooks struct {
	// OnInvalid is called when a record fails validation
	// ("unparseable_timestamp", "missing_close" — record dropped) or is
	// degraded ("missing_ohlc" — EOD record kept as a close-only point
	// with no candle data).
	OnInvalid func(ticker, reason string)

	// OnDuplicate is called when a record repeats an already-seen epoch.
	// The later duplicate is dropped, not merged.
	OnDuplicate func(ticker string, epoch int64)
}

func (h Hooks) invalid(ticker, reason string) {
	if h.OnInvalid != nil {
		h.OnInvalid(ticker, reason)
	}
}

func (h Hooks) duplicate(ticker string, epoch int64) {
	if h.OnDuplicate != nil {
		h.OnDuplicate(ticker, epoch)
	}
}

// Result is the output of one normalization pass.
type Result struct {
	Points []model.CanonicalPoint

	// LastDiff and LastPct come from the chronologically last valid input
	// record (after sorting, not the last array element).
	LastDiff float64
	LastPct  float64

	// Dropped counts records discarded as invalid or duplicate.
	Dropped int
}

type stamped struct {
	ts  time.Time
	rec model.RawRecord
}

// Normalize filters, sorts, timezone-adjusts and de-duplicates raw records
// into canonical points. Both modes require a finite close; EOD mode
// collapses each record to its midnight-UTC calendar date and attaches
// candle data when the full OHLC block is present, while intraday mode
// keeps full time resolution shifted by the display offset.
func Normalize(records []model.RawRecord, mode model.Mode, cfg Config, hooks Hooks) Result {
	var res Result
	if len(records) == 0 {
		res.Points = []model.CanonicalPoint{}
		return res
	}

	valid := make([]stamped, 0, len(records))
	for i := range records {
		rec := records[i]
		ts, ok := rec.ParseTime()
		if !ok {
			hooks.invalid(rec.Ticker, "unparseable_timestamp")
			res.Dropped++
			continue
		}
		if !finite(rec.Close) {
			hooks.invalid(rec.Ticker, "missing_close")
			res.Dropped++
			continue
		}
		if mode == model.ModeEOD && !(finite(rec.Open) && finite(rec.High) && finite(rec.Low)) {
			// A snapshot feed may push close-only records before the
			// session settles. Keep the point — the merge and the
			// performance lines only need the close — but without
			// candle data, and note the anomaly.
			hooks.invalid(rec.Ticker, "missing_ohlc")
		}
		valid = append(valid, stamped{ts: ts, rec: rec})
	}
	if len(valid) == 0 {
		res.Points = []model.CanonicalPoint{}
		return res
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].ts.Before(valid[j].ts) })

	last := valid[len(valid)-1].rec
	res.LastDiff = deref(last.Diff)
	res.LastPct = deref(last.PctChange)

	seen := make(map[int64]bool, len(valid))
	res.Points = make([]model.CanonicalPoint, 0, len(valid))
	for _, s := range valid {
		epoch := adjustEpoch(s.ts, mode, cfg)
		if seen[epoch] {
			hooks.duplicate(s.rec.Ticker, epoch)
			res.Dropped++
			continue
		}
		seen[epoch] = true
		res.Points = append(res.Points, toPoint(epoch, s.rec, mode))
	}
	return res
}

// adjustEpoch maps a parsed UTC timestamp to the canonical epoch key.
func adjustEpoch(ts time.Time, mode model.Mode, cfg Config) int64 {
	if mode == model.ModeEOD {
		// Collapse intraday updates for "today" into one EOD bucket.
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).Unix()
	}
	return ts.Add(cfg.DisplayOffset).Unix()
}

func toPoint(epoch int64, rec model.RawRecord, mode model.Mode) model.CanonicalPoint {
	p := model.CanonicalPoint{
		Epoch:  epoch,
		Value:  *rec.Close,
		Volume: deref(rec.Volume),
		Diff:   rec.Diff,
		Pct:    rec.PctChange,
	}
	if mode == model.ModeEOD && finite(rec.Open) && finite(rec.High) && finite(rec.Low) {
		p.OHLC = &model.OHLC{
			Open:  *rec.Open,
			High:  *rec.High,
			Low:   *rec.Low,
			Close: *rec.Close,
		}
	}
	return p
}

func finite(v *float64) bool {
	if v == nil {
		return false
	}
	return !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
