package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ezwatch/internal/model"
)

var allDays = []model.Weekday{model.Mon, model.Tue, model.Wed, model.Thu, model.Fri, model.Sat, model.Sun}

func schedule(tz string, windows ...model.ScheduleWindow) model.ActiveSchedule {
	return model.ActiveSchedule{Timezone: tz, Windows: windows}
}

func window(days []model.Weekday, start, end string) model.ScheduleWindow {
	return model.ScheduleWindow{Days: days, Start: mustClock(start), End: mustClock(end)}
}

func TestIsActiveEmptyScheduleAlwaysActive(t *testing.T) {
	assert.True(t, IsActive(model.ActiveSchedule{}, time.Now(), time.UTC))
}

func TestIsActiveOvernight(t *testing.T) {
	s := schedule("UTC", window(allDays, "18:00", "06:00"))
	day := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	assert.True(t, IsActive(s, day(23, 59), time.UTC))
	assert.True(t, IsActive(s, day(5, 59), time.UTC))
	assert.True(t, IsActive(s, day(18, 0), time.UTC))
	assert.True(t, IsActive(s, day(6, 0), time.UTC))
	assert.False(t, IsActive(s, day(12, 0), time.UTC))
	assert.False(t, IsActive(s, day(6, 1), time.UTC))
}

func TestIsActiveInclusiveMinuteBoundsKeepSeconds(t *testing.T) {
	s := schedule("UTC", window(allDays, "00:00", "23:59"))
	assert.True(t, IsActive(s, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC), time.UTC))
	assert.False(t, IsActive(s, time.Date(2026, 3, 10, 23, 59, 30, 0, time.UTC), time.UTC))
}

func TestIsActiveDayOfWeekInLocalZone(t *testing.T) {
	// Monday 01:00 UTC is Sunday 22:00 in Sao Paulo.
	at := time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC)
	s := schedule("America/Sao_Paulo", window([]model.Weekday{model.Sun}, "20:00", "23:00"))
	assert.True(t, IsActive(s, at, time.UTC))

	s = schedule("America/Sao_Paulo", window([]model.Weekday{model.Mon}, "00:00", "23:00"))
	assert.False(t, IsActive(s, at, time.UTC))
}

func TestIsActiveTimezoneFallback(t *testing.T) {
	sp, fellBack := ResolveLocation("America/Sao_Paulo", time.UTC)
	assert.False(t, fellBack)

	loc, fellBack := ResolveLocation("Mars/Olympus_Mons", sp)
	assert.True(t, fellBack)
	assert.Equal(t, sp, loc)

	// 12:00 UTC is 09:00 in the fallback zone.
	s := schedule("Mars/Olympus_Mons", window(allDays, "08:00", "10:00"))
	assert.True(t, IsActive(s, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), sp))
	assert.False(t, IsActive(s, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.UTC))
}

func TestIsActiveAnyWindowMatches(t *testing.T) {
	s := schedule("UTC",
		window([]model.Weekday{model.Tue}, "08:00", "09:00"),
		window([]model.Weekday{model.Tue}, "12:00", "13:00"),
	)
	assert.True(t, IsActive(s, time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC), time.UTC))
	assert.False(t, IsActive(s, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), time.UTC))
}
