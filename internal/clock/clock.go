// Package clock implements the Time/Market Clock component: ET
// conversion, DTE computation, and market-hours gating. One month of
// the broker's market calendar is cached behind an RWMutex, with a
// forced refresh when today's date is missing from the cached month.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MarketDay is one day's trading schedule, as the broker's market
// calendar endpoint reports it.
type MarketDay struct {
	Date        string // "2006-01-02"
	Status      string // open | closed
	Description string
	OpenStart   string // "HH:MM", empty if closed
	OpenEnd     string
}

// CalendarSource fetches a month's market calendar from the broker.
// Implemented by the Broker Gateway; kept as a narrow interface here so
// this package has no broker dependency.
type CalendarSource interface {
	GetMarketCalendar(ctx context.Context, month, year int) ([]MarketDay, error)
}

// MarketOpen and MarketClose are the default regular-session bounds
// used when the broker calendar has no finer-grained open/close times
// for a trading day.
const (
	MarketOpen  = "09:30"
	MarketClose = "15:50"
)

// Clock is the Time/Market Clock component: caches one month of market
// calendar at a time and answers ET-aware questions about "now".
type Clock struct {
	loc    *time.Location
	source CalendarSource

	mu           sync.RWMutex
	cacheMonth   int
	cacheYear    int
	cachedDays   map[string]MarketDay // keyed by "2006-01-02"
}

// New builds a Clock in the given IANA location (e.g. "America/New_York").
func New(loc *time.Location, source CalendarSource) *Clock {
	return &Clock{loc: loc, source: source}
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the IANA location the clock was built with, for
// callers (e.g. the Proposal Engine) that need to parse dates in the
// same zone DTE and market-hours checks use.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// DTE computes calendar days to expiration from now to expiration,
// taking both calendar dates in the clock's location so a same-day
// expiration reports DTE=0 regardless of time of day. The date
// difference is counted on UTC midnights so a DST shift between the
// two dates does not change the day count.
func DTE(now, expiration time.Time, loc *time.Location) int {
	n := now.In(loc)
	e := expiration.In(loc)
	nDay := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	eDay := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	return int(eDay.Sub(nDay).Hours() / 24)
}

// calendar returns the cached month, fetching and caching it if the
// month/year differs from what's cached.
func (c *Clock) calendar(ctx context.Context, month, year int) (map[string]MarketDay, error) {
	c.mu.RLock()
	if c.cachedDays != nil && c.cacheMonth == month && c.cacheYear == year {
		days := c.cachedDays
		c.mu.RUnlock()
		return days, nil
	}
	c.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	days, err := c.source.GetMarketCalendar(fetchCtx, month, year)
	if err != nil {
		return nil, fmt.Errorf("clock: fetching market calendar for %d/%d: %w", month, year, err)
	}

	byDate := make(map[string]MarketDay, len(days))
	for _, d := range days {
		byDate[d.Date] = d
	}

	c.mu.Lock()
	c.cachedDays = byDate
	c.cacheMonth = month
	c.cacheYear = year
	c.mu.Unlock()

	return byDate, nil
}

// TodaySchedule returns today's MarketDay, forcing a cache refresh if
// today's date is missing from the cached month (handles the boundary
// where the bot starts mid-month or the calendar cache goes stale
// across a month rollover).
func (c *Clock) TodaySchedule(ctx context.Context) (MarketDay, error) {
	now := c.Now()
	today := now.Format("2006-01-02")

	days, err := c.calendar(ctx, int(now.Month()), now.Year())
	if err != nil {
		return MarketDay{}, err
	}
	if d, ok := days[today]; ok {
		return d, nil
	}

	c.mu.Lock()
	c.cachedDays = nil
	c.mu.Unlock()

	days, err = c.calendar(ctx, int(now.Month()), now.Year())
	if err != nil {
		return MarketDay{}, fmt.Errorf("clock: refreshing calendar: %w", err)
	}
	if d, ok := days[today]; ok {
		return d, nil
	}
	return MarketDay{}, fmt.Errorf("clock: %s not found in market calendar after refresh", today)
}

// IsMarketHours reports whether now falls within the configured
// trading window (09:30-15:50 ET by default) on a day the broker
// calendar marks open. A calendar lookup failure is treated as
// "not open" rather than panicking the cycle scheduler.
func (c *Clock) IsMarketHours(ctx context.Context) bool {
	now := c.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}

	day, err := c.TodaySchedule(ctx)
	if err != nil {
		return false
	}
	if day.Status != "open" {
		return false
	}

	startStr, endStr := day.OpenStart, day.OpenEnd
	if startStr == "" {
		startStr = MarketOpen
	}
	if endStr == "" {
		endStr = MarketClose
	}

	start, err1 := time.ParseInLocation("15:04", startStr, c.loc)
	end, err2 := time.ParseInLocation("15:04", endStr, c.loc)
	if err1 != nil || err2 != nil {
		return false
	}
	startToday := time.Date(now.Year(), now.Month(), now.Day(), start.Hour(), start.Minute(), 0, 0, c.loc)
	endToday := time.Date(now.Year(), now.Month(), now.Day(), end.Hour(), end.Minute(), 0, 0, c.loc)

	return !now.Before(startToday) && now.Before(endToday)
}

// ClockAtOrAfter reports whether t's wall-clock time (hour:minute, in
// the clock's location) is at or after cutoff ("HH:MM"). Used by the
// Exit Rule Ladder's TIME_EXIT rule.
func (c *Clock) ClockAtOrAfter(t time.Time, cutoff string) bool {
	cut, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false
	}
	local := t.In(c.loc)
	return local.Hour()*60+local.Minute() >= cut.Hour()*60+cut.Minute()
}
