package core

import (
	"time"

	"github.com/facebookgo/clock"
)

// eventClock is the only time source inside the core. It reports the
// timestamp of the command being applied, never wall-clock time, so replay
// reproduces every interest accrual exactly. Time never moves backwards:
// a command stamped earlier than its predecessor runs at the predecessor's
// time.
type eventClock struct {
	clock.Clock
	now time.Time
}

func newEventClock(genesis time.Time) *eventClock {
	return &eventClock{Clock: clock.New(), now: genesis}
}

func (c *eventClock) Now() time.Time {
	return c.now
}

func (c *eventClock) advance(t time.Time) time.Time {
	if t.After(c.now) {
		c.now = t
	}
	return c.now
}
