package usage

import (
	"fmt"
	"time"
)

// Periods accepted by Window.
var Periods = []string{"today", "yesterday", "week", "month", "all"}

// Window converts a period name to a [start, end) range relative to
// now. Calendar periods start at local midnight in now's location.
func Window(period string, now time.Time) (time.Time, time.Time, error) {
	end := now.Add(time.Minute)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end, nil
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight, nil
	case "week":
		return now.AddDate(0, 0, -7), end, nil
	case "month", "":
		return now.AddDate(0, -1, 0), end, nil
	case "all":
		return time.Time{}, end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", period)
}
