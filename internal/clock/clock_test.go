package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nyTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 2025-03-14 is a Friday.
	return time.Date(2025, 3, 14, hour, min, 0, 0, loc)
}

func TestUSSessionBounds(t *testing.T) {
	c := NewMarketClock(DefaultUSSession)

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", nyTime(t, 9, 29), false},
		{"at open", nyTime(t, 9, 30), true},
		{"midday", nyTime(t, 12, 30), true},
		{"last minute", nyTime(t, 15, 59), true},
		{"at close", nyTime(t, 16, 0), false},
		{"evening", nyTime(t, 20, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.inMarketHoursAt(tc.at))
		})
	}
}

func TestWeekendIsClosed(t *testing.T) {
	c := NewMarketClock(DefaultUSSession)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	saturday := time.Date(2025, 3, 15, 12, 0, 0, 0, loc)
	sunday := time.Date(2025, 3, 16, 12, 0, 0, 0, loc)
	assert.False(t, c.inMarketHoursAt(saturday))
	assert.False(t, c.inMarketHoursAt(sunday))
}

func TestLunchBreakSession(t *testing.T) {
	c := NewMarketClock(SessionConfig{
		Timezone: "Asia/Hong_Kong",
		Open:     "09:30", Close: "16:00",
		LunchStart: "12:00", LunchEnd: "13:00",
	})
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)
	day := func(hour, min int) time.Time {
		return time.Date(2025, 3, 14, hour, min, 0, 0, loc)
	}

	assert.True(t, c.inMarketHoursAt(day(11, 59)))
	assert.False(t, c.inMarketHoursAt(day(12, 0)))
	assert.False(t, c.inMarketHoursAt(day(12, 59)))
	assert.True(t, c.inMarketHoursAt(day(13, 0)))
}

func TestDefaultsFillEmptySession(t *testing.T) {
	c := NewMarketClock(SessionConfig{})
	assert.Equal(t, DefaultUSSession.Open, c.cfg.Open)
	assert.Equal(t, DefaultUSSession.Close, c.cfg.Close)
}

func TestFakeClock(t *testing.T) {
	f := NewFake(time.Date(2025, 3, 14, 11, 0, 0, 0, time.UTC))

	assert.True(t, f.InMarketHours())
	assert.False(t, f.InFinalMinutes(15))
	assert.Equal(t, "regular", f.MarketPhase())

	f.SetFinalMinutes(10)
	assert.True(t, f.InFinalMinutes(15))
	assert.False(t, f.InFinalMinutes(5))

	f.SetMarketOpen(false)
	assert.False(t, f.InMarketHours())
	assert.False(t, f.InFinalMinutes(15))
	assert.Equal(t, "closed", f.MarketPhase())

	before := f.Now()
	f.Advance(time.Hour)
	assert.Equal(t, before.Add(time.Hour), f.Now())
}
