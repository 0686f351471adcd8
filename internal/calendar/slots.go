// Package calendar schedules meetings on a CalDAV server: creating
// events, finding free one-hour slots, and listing upcoming meetings.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange means a date range was not "today", "next week" or
// an ISO date.
var ErrInvalidRange = errors.New("invalid date_range")

// SlotLength is the size of a proposed meeting slot.
const SlotLength = time.Hour

// Interval is a half-open busy period [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the interval.
func (iv Interval) Overlaps(start, end time.Time) bool {
	return start.Before(iv.End) && end.After(iv.Start)
}

// ParseRange turns a date range phrase into a search window in now's
// location:
//
//	today      dayStart to dayEnd today
//	next week  dayStart tomorrow to dayEnd seven days from now
//	YYYY-MM-DD dayStart to dayEnd on that date
func ParseRange(dateRange string, now time.Time, dayStart, dayEnd int) (time.Time, time.Time, error) {
	at := func(day time.Time, hour int) time.Time {
		y, m, d := day.Date()
		return time.Date(y, m, d, hour, 0, 0, 0, now.Location())
	}

	switch r := strings.ToLower(strings.TrimSpace(dateRange)); r {
	case "", "today":
		return at(now, dayStart), at(now, dayEnd), nil
	case "next week":
		return at(now.AddDate(0, 0, 1), dayStart), at(now.AddDate(0, 0, 7), dayEnd), nil
	default:
		day, err := time.ParseInLocation("2006-01-02", r, now.Location())
		if err != nil {
			// Accept full timestamps and use their date.
			ts, tsErr := time.Parse(time.RFC3339, strings.ToUpper(r))
			if tsErr != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRange, dateRange)
			}
			day = ts.In(now.Location())
		}
		return at(day, dayStart), at(day, dayEnd), nil
	}
}

// FreeSlots walks [start, end) in slot-sized steps and returns the
// start of every slot that overlaps no busy interval.
func FreeSlots(start, end time.Time, busy []Interval, slot time.Duration) []time.Time {
	if slot <= 0 {
		slot = SlotLength
	}
	var free []time.Time
	for s := start; s.Before(end); s = s.Add(slot) {
		e := s.Add(slot)
		available := true
		for _, b := range busy {
			if b.Overlaps(s, e) {
				available = false
				break
			}
		}
		if available {
			free = append(free, s)
		}
	}
	return free
}
