package marketdata

import "time"

// Calendar answers market-hours questions for US equities/options RTH.
// Production would consult an exchange holiday calendar; weekends and the
// 9:30-16:00 ET window cover the loop's gating needs.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

func NewCalendar() *Calendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, now: time.Now}
}

// NewCalendarAt pins the clock, used by tests.
func NewCalendarAt(now func() time.Time) *Calendar {
	c := NewCalendar()
	c.now = now
	return c
}

func (c *Calendar) minutesIntoDay() (int, time.Weekday) {
	et := c.now().In(c.loc)
	return et.Hour()*60 + et.Minute(), et.Weekday()
}

// Open reports whether regular trading hours are in session.
func (c *Calendar) Open() bool {
	mins, day := c.minutesIntoDay()
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	return mins >= 9*60+30 && mins < 16*60
}

// EntryWindow reports whether new entries are allowed: inside RTH, past the
// opening settle-in period, and not within the final minutes before the
// close where 0DTE decay makes fresh entries unpayable.
func (c *Calendar) EntryWindow(openDelayMins, closeCutoffMins int) bool {
	mins, day := c.minutesIntoDay()
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	start := 9*60 + 30 + openDelayMins
	end := 16*60 - closeCutoffMins
	return mins >= start && mins < end
}

// Status is the human-readable market state for logs and heartbeats.
func (c *Calendar) Status() string {
	if c.Open() {
		return "open"
	}
	return "closed"
}
