package market

import "time"

// IST is the exchange timezone. Falls back to a fixed +05:30 zone when the
// tz database is unavailable.
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// Regime is the per-instrument market classification captured at entry.
type Regime string

const (
	Trending Regime = "trending"
	Sideways Regime = "sideways"
)

// ClockTime is a wall-clock time of day, HH:MM, in the exchange zone.
type ClockTime struct {
	Hour, Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, err
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return time.Date(0, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("15:04")
}

// On returns the instant of c on the calendar day of t in loc.
func (c ClockTime) On(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// Reached reports whether t, seen in loc, is at or past c that day.
func (c ClockTime) Reached(t time.Time, loc *time.Location) bool {
	return !t.Before(c.On(t, loc))
}
