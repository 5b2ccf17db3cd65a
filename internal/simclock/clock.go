// Package simclock provides the simulation clock, the window of timeslots
// open for trading, and the phase scheduler that drives components once per
// timeslot.
package simclock

import (
	"sync"
	"time"
)

// TimeslotDuration is the simulated length of one timeslot.
const TimeslotDuration = time.Hour

// Clock tracks the current timeslot. Timeslot 0 starts at the base time.
// Trading is open for the timeslots after the current one, up to open
// slots ahead.
type Clock struct {
	mu      sync.RWMutex
	base    time.Time
	current int
	open    int
}

// New returns a clock positioned at timeslot 0.
func New(base time.Time, timeslotsOpen int) *Clock {
	if timeslotsOpen <= 0 {
		timeslotsOpen = 24
	}
	return &Clock{base: base.UTC().Truncate(TimeslotDuration), open: timeslotsOpen}
}

// CurrentTimeslot returns the index of the timeslot being delivered.
func (c *Clock) CurrentTimeslot() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// CurrentTime returns the start of the current timeslot.
func (c *Clock) CurrentTime() time.Time {
	return c.TimeslotStart(c.CurrentTimeslot())
}

// HourOfDay returns the UTC hour of the current timeslot.
func (c *Clock) HourOfDay() int {
	return c.CurrentTime().Hour()
}

// TimeslotStart returns the start time of timeslot ts.
func (c *Clock) TimeslotStart(ts int) time.Time {
	return c.base.Add(time.Duration(ts) * TimeslotDuration)
}

// TimeslotsOpen returns how many future timeslots are open for trading.
func (c *Clock) TimeslotsOpen() int { return c.open }

// IsEnabled reports whether ts is open for trading.
func (c *Clock) IsEnabled(ts int) bool {
	cur := c.CurrentTimeslot()
	return ts > cur && ts <= cur+c.open
}

// EnabledTimeslots returns the open timeslots in ascending order.
func (c *Clock) EnabledTimeslots() []int {
	cur := c.CurrentTimeslot()
	out := make([]int, 0, c.open)
	for ts := cur + 1; ts <= cur+c.open; ts++ {
		out = append(out, ts)
	}
	return out
}

// Advance moves to the next timeslot and returns its index.
func (c *Clock) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}
