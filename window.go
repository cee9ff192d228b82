package stepmonitor

import "time"

// DayWindow is the half-open interval [Start, End) from local midnight to now.
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// DayWindowAt returns the window for the calendar day containing now in loc.
// A nil loc means now's own location.
func DayWindowAt(now time.Time, loc *time.Location) DayWindow {
	if loc != nil {
		now = now.In(loc)
	}
	y, m, d := now.Date()
	return DayWindow{
		Start: time.Date(y, m, d, 0, 0, 0, 0, now.Location()),
		End:   now,
	}
}

// Contains reports whether t falls inside the window.
func (w DayWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// NextMidnight returns the start of the following calendar day.
func (w DayWindow) NextMidnight() time.Time {
	return w.Start.AddDate(0, 0, 1)
}
