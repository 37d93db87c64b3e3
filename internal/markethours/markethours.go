// Package markethours models the display market's trading calendar: a
// UTC+7 exchange with a morning session, a lunch break, and an afternoon
// session. The feed simulator and the gateway status line both rely on it.
package markethours

import (
	"fmt"
	"time"
)

// ICT is the exchange timezone (UTC+7).
var ICT = time.FixedZone("ICT", 7*3600)

// Session boundaries in exchange-local time.
const (
	MorningOpenHour     = 9
	MorningOpenMinute   = 0
	MorningCloseHour    = 11
	MorningCloseMinute  = 30
	AfternoonOpenHour   = 13
	AfternoonOpenMinute = 0
	CloseHour           = 14
	CloseMinute         = 45
)

func localMinutes(t time.Time) int {
	lt := t.In(ICT)
	return lt.Hour()*60 + lt.Minute()
}

// IsMarketOpen returns true if t falls inside either trading session on a
// trading day.
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	hm := localMinutes(t)
	morning := hm >= MorningOpenHour*60+MorningOpenMinute && hm < MorningCloseHour*60+MorningCloseMinute
	afternoon := hm >= AfternoonOpenHour*60+AfternoonOpenMinute && hm < CloseHour*60+CloseMinute
	return morning || afternoon
}

// IsLunchBreak returns true during the midday pause on a trading day —
// the gap the continuous chart index collapses.
func IsLunchBreak(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	hm := localMinutes(t)
	return hm >= MorningCloseHour*60+MorningCloseMinute && hm < AfternoonOpenHour*60+AfternoonOpenMinute
}

// IsWeekday returns true if t is Mon–Fri in exchange time.
func IsWeekday(t time.Time) bool {
	wd := t.In(ICT).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

// NextOpen returns the next session open: today's morning open if t is
// before it on a trading day, the afternoon open during lunch, otherwise
// the morning open of the next trading day.
func NextOpen(t time.Time) time.Time {
	lt := t.In(ICT)

	if IsTradingDay(lt) {
		morning := time.Date(lt.Year(), lt.Month(), lt.Day(), MorningOpenHour, MorningOpenMinute, 0, 0, ICT)
		if lt.Before(morning) {
			return morning
		}
		if IsLunchBreak(lt) {
			return time.Date(lt.Year(), lt.Month(), lt.Day(), AfternoonOpenHour, AfternoonOpenMinute, 0, 0, ICT)
		}
	}

	d := lt.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays + weekends lookahead
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), MorningOpenHour, MorningOpenMinute, 0, 0, ICT)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, MorningOpenHour, MorningOpenMinute, 0, 0, ICT)
}

// TodayClose returns today's final close (14:45 exchange time).
func TodayClose(t time.Time) time.Time {
	lt := t.In(ICT)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), CloseHour, CloseMinute, 0, 0, ICT)
}

// StatusString returns a human-readable market status for the gateway's
// periodic status broadcast.
func StatusString(t time.Time) string {
	switch {
	case IsMarketOpen(t):
		return fmt.Sprintf("Market Open — closes %s", TodayClose(t).Format("15:04"))
	case IsLunchBreak(t):
		return fmt.Sprintf("Lunch Break — reopens %s", NextOpen(t).In(ICT).Format("15:04"))
	default:
		next := NextOpen(t).In(ICT)
		return fmt.Sprintf("Market Closed — opens %s %s", next.Weekday().String()[:3], next.Format("15:04"))
	}
}
