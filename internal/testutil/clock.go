package testutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the instant every fake clock starts at.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewClock returns a fake clock set to Epoch.
//
// Tests that need timers to fire call Advance; tests that only read the time
// can ignore it.
func NewClock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
