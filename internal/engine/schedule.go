package engine

import (
	"sync"
	"time"
	_ "time/tzdata"

	"ezwatch/internal/model"
)

var locations sync.Map // name -> *time.Location

// ResolveLocation loads an IANA zone by name. An empty or unknown name yields
// fallback; the second result reports whether a named zone was replaced.
func ResolveLocation(name string, fallback *time.Location) (*time.Location, bool) {
	if fallback == nil {
		fallback = time.UTC
	}
	if name == "" {
		return fallback, false
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, true
	}
	locations.Store(name, loc)
	return loc, false
}

// ZoneLocation is the timezone a zone's schedule and alert text use: its own
// schedule timezone when that resolves, fallback otherwise.
func ZoneLocation(policy model.ZonePolicy, fallback *time.Location) *time.Location {
	loc, _ := ResolveLocation(policy.ActiveSchedule.Timezone, fallback)
	return loc
}

// IsActive reports whether a schedule permits alerting at the given instant.
// Windows bound minutes of the day inclusively, but the instant keeps its
// seconds, so 23:59:30 falls outside a window ending at 23:59.
func IsActive(schedule model.ActiveSchedule, at time.Time, defaultLoc *time.Location) bool {
	if len(schedule.Windows) == 0 {
		return true
	}
	loc, _ := ResolveLocation(schedule.Timezone, defaultLoc)
	local := at.In(loc)
	day := model.WeekdayOf(local.Weekday())
	h, m, s := local.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(local.Nanosecond())

	active := false
	for _, w := range schedule.Windows {
		if windowMatches(w, day, tod) {
			active = true
		}
	}
	return active
}

func windowMatches(w model.ScheduleWindow, day model.Weekday, tod time.Duration) bool {
	if !containsDay(w.Days, day) {
		return false
	}
	start, end := w.Start.Offset(), w.End.Offset()
	if w.Overnight() {
		return tod >= start || tod <= end
	}
	return tod >= start && tod <= end
}

func containsDay(days []model.Weekday, day model.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
