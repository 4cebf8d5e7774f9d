package neonmoon

import (
	"fmt"
	"time"
)

// ValidationError represents bad user input. It carries a corrective hint
// that is surfaced directly to the user; validation failures are never
// retried.
type ValidationError struct {
	msg  string
	Hint string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// UserMessage formats the error plus its hint for a user-facing reply.
func (e *ValidationError) UserMessage() string {
	if e.Hint == "" {
		return e.msg
	}
	return fmt.Sprintf("%s (%s)", e.msg, e.Hint)
}

var (
	ErrInvalidTimeFormat = &ValidationError{
		msg:  "I couldn't read that time",
		Hint: `try "2006-01-02 15:04" or just "15:04" for later today`,
	}
	ErrPastTime = &ValidationError{
		msg:  "that time has already passed",
		Hint: "reminders have to be set for the future",
	}
	ErrUnknownTimezone = &ValidationError{
		msg:  "I don't know that timezone",
		Hint: `use an IANA zone name like "America/Chicago"`,
	}
	ErrEmptyKey = &ValidationError{
		msg:  "the key can't be empty",
		Hint: "usage: set <key> <value>",
	}
)

// whenLayouts are the accepted local date/time formats, tried in order.
var whenLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// timeOnlyLayouts resolve against today's date in the user's zone.
var timeOnlyLayouts = []string{
	"15:04:05",
	"15:04",
}

// parseLocalTime interprets a human-entered local date/time in loc and
// returns the absolute UTC instant. Time-only inputs resolve to today's
// date in loc; no rolling to tomorrow happens here, so an elapsed time-only
// input fails the future check in Schedule.
func parseLocalTime(s string, loc *time.Location, now time.Time) (time.Time, error) {
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	local := now.In(loc)
	for _, layout := range timeOnlyLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			resolved := time.Date(
				local.Year(), local.Month(), local.Day(),
				t.Hour(), t.Minute(), t.Second(), 0,
				loc,
			)
			return resolved.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidTimeFormat
}

// loadZone resolves an IANA zone name, mapping failures to the
// user-facing validation error.
func loadZone(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, ErrUnknownTimezone
	}
	return loc, nil
}
