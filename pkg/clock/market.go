package clock

import "time"

var nyLocation *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata missing; fall back to fixed eastern offset
		loc = time.FixedZone("EST", -5*3600)
	}
	nyLocation = loc
}

// NYLocation returns the exchange calendar location
func NYLocation() *time.Location {
	return nyLocation
}

// NYTime converts unix milliseconds to exchange-local time
func NYTime(ms int64) time.Time {
	return time.UnixMilli(ms).In(nyLocation)
}

// NYDate returns the exchange-local calendar date string (YYYY-MM-DD)
func NYDate(ms int64) string {
	return NYTime(ms).Format("2006-01-02")
}

// IsSameNYDay reports whether two timestamps fall on the same exchange-local date
func IsSameNYDay(aMS, bMS int64) bool {
	return NYDate(aMS) == NYDate(bMS)
}

// IsWeekday reports whether the timestamp falls on a Monday through Friday in NY
func IsWeekday(ms int64) bool {
	wd := NYTime(ms).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketHours reports whether regular trading is in session (09:30-16:00 ET, weekdays).
// Exchange holidays are the broker calendar's concern, not ours.
func IsMarketHours(ms int64) bool {
	if !IsWeekday(ms) {
		return false
	}
	t := NYTime(ms)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsExtendedHours reports whether the timestamp falls in the pre/post market
// windows (04:00-09:30 and 16:00-20:00 ET, weekdays)
func IsExtendedHours(ms int64) bool {
	if !IsWeekday(ms) {
		return false
	}
	t := NYTime(ms)
	minutes := t.Hour()*60 + t.Minute()
	pre := minutes >= 4*60 && minutes < 9*60+30
	post := minutes >= 16*60 && minutes < 20*60
	return pre || post
}
