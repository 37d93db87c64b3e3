package markethours

import (
	"fmt"
	"time"
)

// Exchange holidays for 2026 (fixed public holidays plus the Lunar New
// Year block). Observed dates; the list is refreshed once a year.
var holidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.February, 16}, // Lunar New Year (eve)
	{time.February, 17}, // Lunar New Year
	{time.February, 18}, // Lunar New Year
	{time.February, 19}, // Lunar New Year
	{time.February, 20}, // Lunar New Year
	{time.April, 24},    // Hung Kings Commemoration (observed)
	{time.April, 30},    // Reunification Day
	{time.May, 1},       // Labour Day
	{time.September, 2}, // National Day
	{time.September, 3}, // National Day (observed)
}

// pre-compute for fast lookup
var holidaySet map[string]bool

func init() {
	holidaySet = make(map[string]bool, len(holidays2026))
	for _, h := range holidays2026 {
		holidaySet[dateKey(2026, h.month, h.day)] = true
	}
}

// IsHoliday returns true if the date (in exchange time) is a holiday.
func IsHoliday(t time.Time) bool {
	lt := t.In(ICT)
	return holidaySet[dateKey(lt.Year(), lt.Month(), lt.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
