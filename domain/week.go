package domain

import "time"

// DayName returns the board column identifier for a weekday.
func DayName(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	}
	return "sunday"
}

// PeriodStart returns the most recent occurrence of the configured weekday and
// hour at or before now, in now's location. It is the canonical start of the
// period now belongs to.
func PeriodStart(now time.Time, weekday time.Weekday, hour int) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	daysBack := int(now.Weekday() - weekday)
	if daysBack < 0 {
		daysBack += 7
	}
	boundary = boundary.AddDate(0, 0, -daysBack)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -7)
	}
	return boundary
}

// NextPeriodStart returns the boundary one week after the current period's start.
func NextPeriodStart(now time.Time, weekday time.Weekday, hour int) time.Time {
	return PeriodStart(now, weekday, hour).AddDate(0, 0, 7)
}

// DisplayPeriodStart returns the period start a client should render. Once the
// rollover has fired for the current raw period (marker equals its start) the
// board already shows next week's tasks, so the upcoming boundary is returned
// until the calendar catches up and the marker goes stale.
func DisplayPeriodStart(now time.Time, marker int64, weekday time.Weekday, hour int) time.Time {
	current := PeriodStart(now, weekday, hour)
	if marker == current.Unix() {
		return current.AddDate(0, 0, 7)
	}
	return current
}
