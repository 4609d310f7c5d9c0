package domain

import "time"

// BoardSettings holds the externally persisted rollover configuration and the
// last-fired marker for one board scope.
type BoardSettings struct {
	// RolloverDay uses time.Weekday numbering (0 = Sunday).
	RolloverDay int `json:"rolloverDay"`
	// RolloverHour is the hour of day (0-23) the new period begins.
	RolloverHour int `json:"rolloverHour"`
	// RolloverMarker is the unix timestamp of the period start that has
	// already been processed, or zero when no rollover ever ran.
	RolloverMarker int64 `json:"rolloverMarker"`
}

// DefaultSettings is used when a scope has no persisted configuration yet.
func DefaultSettings() BoardSettings {
	return BoardSettings{RolloverDay: int(time.Monday), RolloverHour: 4}
}

// Weekday returns the configured rollover day clamped to a valid weekday.
func (s BoardSettings) Weekday() time.Weekday {
	if s.RolloverDay < 0 || s.RolloverDay > 6 {
		return time.Monday
	}
	return time.Weekday(s.RolloverDay)
}

// Hour returns the configured rollover hour clamped to 0-23.
func (s BoardSettings) Hour() int {
	if s.RolloverHour < 0 || s.RolloverHour > 23 {
		return 0
	}
	return s.RolloverHour
}
