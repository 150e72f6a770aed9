// Package market answers "is the exchange open" questions in the
// exchange's own timezone.
package market

import (
	"fmt"
	"time"
)

// Options configure a Calendar. Clock times are "HH:MM" in Timezone.
type Options struct {
	Timezone         string
	Open             string
	Close            string
	EntryDelay       time.Duration
	EntryCutoff      time.Duration
	ForceCloseLead   time.Duration
	ExpiryWatchStart string
	Holidays         []string // YYYY-MM-DD
}

type Calendar struct {
	loc            *time.Location
	open           time.Duration
	close          time.Duration
	entryDelay     time.Duration
	entryCutoff    time.Duration
	forceCloseLead time.Duration
	expiryStart    time.Duration
	holidays       map[string]bool
}

func New(o Options) (*Calendar, error) {
	c := &Calendar{
		loc:            LoadLocation(o.Timezone),
		entryDelay:     o.EntryDelay,
		entryCutoff:    o.EntryCutoff,
		forceCloseLead: o.ForceCloseLead,
		holidays:       make(map[string]bool, len(o.Holidays)),
	}

	var err error
	if c.open, err = parseClock(o.Open); err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	if c.close, err = parseClock(o.Close); err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	if c.close <= c.open {
		return nil, fmt.Errorf("market close %s is not after open %s", o.Close, o.Open)
	}
	c.expiryStart = c.close - time.Hour
	if o.ExpiryWatchStart != "" {
		if c.expiryStart, err = parseClock(o.ExpiryWatchStart); err != nil {
			return nil, fmt.Errorf("expiry watch start: %w", err)
		}
	}

	for _, h := range o.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[h] = true
	}
	return c, nil
}

// LoadLocation loads an IANA zone, falling back to US Eastern standard time
// when the tz database is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return loc
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// SessionDate returns t's calendar date in the exchange timezone.
func (c *Calendar) SessionDate(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

func (c *Calendar) sinceMidnight(t time.Time) time.Duration {
	local := t.In(c.loc)
	return local.Sub(c.SessionDate(local))
}

func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[local.Format(time.DateOnly)]
}

// InSession reports whether the regular session is open at t.
func (c *Calendar) InSession(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	m := c.sinceMidnight(t)
	return m >= c.open && m < c.close
}

// InEntryWindow reports whether new positions may be opened at t.
func (c *Calendar) InEntryWindow(t time.Time) bool {
	if !c.InSession(t) {
		return false
	}
	m := c.sinceMidnight(t)
	return m >= c.open+c.entryDelay && m < c.close-c.entryCutoff && !c.PastForceClose(t)
}

// PastForceClose reports whether t is at or beyond the deadline after
// which every open position is liquidated.
func (c *Calendar) PastForceClose(t time.Time) bool {
	if !c.InSession(t) || c.forceCloseLead <= 0 {
		return false
	}
	return c.sinceMidnight(t) >= c.close-c.forceCloseLead
}

// InExpiryWindow reports whether the same-day expiry watch should run.
func (c *Calendar) InExpiryWindow(t time.Time) bool {
	if !c.InSession(t) {
		return false
	}
	return c.sinceMidnight(t) >= c.expiryStart
}

// UntilClose returns the time left in today's session, zero when closed.
func (c *Calendar) UntilClose(t time.Time) time.Duration {
	if !c.InSession(t) {
		return 0
	}
	return c.close - c.sinceMidnight(t)
}
