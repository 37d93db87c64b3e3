package model

import "fmt"

// ViewRange is a user-selectable chart window.
type ViewRange string

const (
	Range1D  ViewRange = "1D"
	Range1W  ViewRange = "1W"
	Range1M  ViewRange = "1M"
	Range3M  ViewRange = "3M"
	Range6M  ViewRange = "6M"
	Range1Y  ViewRange = "1Y"
	RangeYTD ViewRange = "YTD"
	RangeAll ViewRange = "ALL"
)

// viewRanges is the closed set of supported ranges.
var viewRanges = map[ViewRange]bool{
	Range1D: true, Range1W: true, Range1M: true, Range3M: true,
	Range6M: true, Range1Y: true, RangeYTD: true, RangeAll: true,
}

// ParseViewRange validates a range string from config or a client request.
func ParseViewRange(s string) (ViewRange, error) {
	r := ViewRange(s)
	if !viewRanges[r] {
		return "", fmt.Errorf("unsupported view range %q", s)
	}
	return r, nil
}

// Intraday reports whether the range is served from intraday data rather
// than the daily window aggregator.
func (r ViewRange) Intraday() bool { return r == Range1D }
