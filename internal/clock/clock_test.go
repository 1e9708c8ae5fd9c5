package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	days  []MarketDay
	calls int
}

func (f *fakeSource) GetMarketCalendar(_ context.Context, _, _ int) ([]MarketDay, error) {
	f.calls++
	return f.days, nil
}

func nyLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestDTE_SameDayIsZero(t *testing.T) {
	loc := nyLoc(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)
	exp := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	assert.Equal(t, 0, DTE(now, exp, loc))
}

func TestDTE_FutureDate(t *testing.T) {
	loc := nyLoc(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	exp := time.Date(2026, 4, 11, 0, 0, 0, 0, loc)
	assert.Equal(t, 32, DTE(now, exp, loc))
}

func TestClock_CachesCalendarPerMonth(t *testing.T) {
	loc := nyLoc(t)
	today := time.Now().In(loc).Format("2006-01-02")
	src := &fakeSource{days: []MarketDay{{Date: today, Status: "open", OpenStart: "09:30", OpenEnd: "15:50"}}}
	c := New(loc, src)

	_, err := c.TodaySchedule(context.Background())
	require.NoError(t, err)
	_, err = c.TodaySchedule(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls, "second call should hit the cache")
}

func TestClock_RefreshesWhenTodayMissing(t *testing.T) {
	loc := nyLoc(t)
	src := &fakeSource{days: []MarketDay{{Date: "1999-01-01", Status: "open"}}}
	c := New(loc, src)

	today := time.Now().In(loc).Format("2006-01-02")
	src.days = append(src.days, MarketDay{Date: today, Status: "open"})

	// First call populates the cache without today's date present on
	// the *first* underlying fetch; simulate by pre-seeding stale cache.
	c.cachedDays = map[string]MarketDay{"1999-01-01": {Date: "1999-01-01", Status: "open"}}
	c.cacheMonth = int(time.Now().In(loc).Month())
	c.cacheYear = time.Now().In(loc).Year()

	day, err := c.TodaySchedule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, today, day.Date)
	assert.GreaterOrEqual(t, src.calls, 1)
}

func TestClock_ClockAtOrAfter(t *testing.T) {
	loc := nyLoc(t)
	c := New(loc, &fakeSource{})
	t1 := time.Date(2026, 3, 10, 15, 45, 0, 0, loc)
	t2 := time.Date(2026, 3, 10, 15, 44, 0, 0, loc)
	assert.True(t, c.ClockAtOrAfter(t1, "15:45"))
	assert.False(t, c.ClockAtOrAfter(t2, "15:45"))
}

func TestClock_IsMarketHours_ClosedDayFalse(t *testing.T) {
	loc := nyLoc(t)
	src := &fakeSource{}
	c := New(loc, src)
	// "now" can't be forced to a weekend without a clock seam, so this
	// exercises the closed-day branch: TodaySchedule reports "closed".
	today := time.Now().In(loc).Format("2006-01-02")
	src.days = []MarketDay{{Date: today, Status: "closed"}}
	assert.False(t, c.IsMarketHours(context.Background()))
}
