package engine

import "time"

// Clock supplies wall-clock time to the engine.
//
// Staleness of pending reservations and decision timestamps both read from
// it. Implemented by SystemClock (production) and testutil.FakeClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
