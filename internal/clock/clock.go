// Package clock provides market-time reasoning behind an injectable
// interface so exit rules and schedulers can be tested with a fake clock.
package clock

import (
	"sync"
	"time"
)

// Clock answers the market-time questions the trading loops depend on.
type Clock interface {
	Now() time.Time
	// InMarketHours reports whether the regular session is open at Now.
	InMarketHours() bool
	// InFinalMinutes reports whether Now falls within the last n minutes of
	// the session. Returns false when the market is closed.
	InFinalMinutes(n int) bool
	// MarketPhase returns pre_market, regular, lunch_break, after_hours, or closed.
	MarketPhase() string
}

// SessionConfig parameterizes exchange-specific session times. Lunch break is
// zero-valued for exchanges without one (US); HKEX-style sessions set it.
type SessionConfig struct {
	Timezone   string // e.g. "America/New_York"
	Open       string // "09:30"
	Close      string // "16:00"
	LunchStart string // optional, "12:00"
	LunchEnd   string // optional, "13:00"
}

// DefaultUSSession is the NYSE/Nasdaq regular session.
var DefaultUSSession = SessionConfig{
	Timezone: "America/New_York",
	Open:     "09:30",
	Close:    "16:00",
}

// MarketClock is the production Clock backed by the system time and a
// session configuration.
type MarketClock struct {
	cfg SessionConfig
	loc *time.Location
}

// NewMarketClock builds a clock for the given session. An unknown timezone
// falls back to a fixed ET offset, matching minimal container images.
func NewMarketClock(cfg SessionConfig) *MarketClock {
	tz := cfg.Timezone
	if tz == "" {
		tz = DefaultUSSession.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	if cfg.Open == "" {
		cfg.Open = DefaultUSSession.Open
	}
	if cfg.Close == "" {
		cfg.Close = DefaultUSSession.Close
	}
	return &MarketClock{cfg: cfg, loc: loc}
}

// Now returns the current time in the exchange timezone.
func (c *MarketClock) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *MarketClock) sessionBounds(day time.Time) (open, close_ time.Time, ok bool) {
	o, err1 := time.ParseInLocation("15:04", c.cfg.Open, c.loc)
	x, err2 := time.ParseInLocation("15:04", c.cfg.Close, c.loc)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	open = time.Date(day.Year(), day.Month(), day.Day(), o.Hour(), o.Minute(), 0, 0, c.loc)
	close_ = time.Date(day.Year(), day.Month(), day.Day(), x.Hour(), x.Minute(), 0, 0, c.loc)
	return open, close_, true
}

func (c *MarketClock) inLunchBreak(now time.Time) bool {
	if c.cfg.LunchStart == "" || c.cfg.LunchEnd == "" {
		return false
	}
	ls, err1 := time.ParseInLocation("15:04", c.cfg.LunchStart, c.loc)
	le, err2 := time.ParseInLocation("15:04", c.cfg.LunchEnd, c.loc)
	if err1 != nil || err2 != nil {
		return false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), ls.Hour(), ls.Minute(), 0, 0, c.loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), le.Hour(), le.Minute(), 0, 0, c.loc)
	return !now.Before(start) && now.Before(end)
}

// InMarketHours reports whether the regular session is open, Monday-Friday,
// excluding any configured lunch break. Exchange holidays are handled by the
// broker clock upstream; this is the local fallback.
func (c *MarketClock) InMarketHours() bool {
	return c.inMarketHoursAt(c.Now())
}

func (c *MarketClock) inMarketHoursAt(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	open, close_, ok := c.sessionBounds(now)
	if !ok {
		return false
	}
	if now.Before(open) || !now.Before(close_) {
		return false
	}
	return !c.inLunchBreak(now)
}

// InFinalMinutes reports whether the session closes within n minutes.
func (c *MarketClock) InFinalMinutes(n int) bool {
	now := c.Now()
	if !c.inMarketHoursAt(now) {
		return false
	}
	_, close_, ok := c.sessionBounds(now)
	if !ok {
		return false
	}
	return close_.Sub(now) <= time.Duration(n)*time.Minute
}

// MarketPhase classifies the current moment of the trading day.
func (c *MarketClock) MarketPhase() string {
	now := c.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return "closed"
	}
	open, close_, ok := c.sessionBounds(now)
	if !ok {
		return "closed"
	}
	switch {
	case now.Before(open):
		return "pre_market"
	case !now.Before(close_):
		return "after_hours"
	case c.inLunchBreak(now):
		return "lunch_break"
	default:
		return "regular"
	}
}

// Fake is a controllable Clock for tests.
type Fake struct {
	mu           sync.Mutex
	now          time.Time
	marketOpen   bool
	finalMinutes int // session minutes remaining; -1 means "plenty"
	phase        string
}

// NewFake returns a fake clock frozen at t with the market open.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t, marketOpen: true, finalMinutes: -1, phase: "regular"}
}

// Now returns the frozen time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// SetMarketOpen toggles the session flag.
func (f *Fake) SetMarketOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketOpen = open
	if open {
		f.phase = "regular"
	} else {
		f.phase = "closed"
	}
}

// SetFinalMinutes sets how many minutes remain in the session.
func (f *Fake) SetFinalMinutes(m int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalMinutes = m
}

// InMarketHours reports the configured session flag.
func (f *Fake) InMarketHours() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marketOpen
}

// InFinalMinutes reports whether the configured remaining minutes are within n.
func (f *Fake) InFinalMinutes(n int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.marketOpen || f.finalMinutes < 0 {
		return false
	}
	return f.finalMinutes <= n
}

// MarketPhase returns the configured phase.
func (f *Fake) MarketPhase() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

var _ Clock = (*MarketClock)(nil)
var _ Clock = (*Fake)(nil)
