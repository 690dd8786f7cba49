package engine

import "time"

// Clock supplies server timestamps. Accepted events are stamped with
// Now at append time; grant expiry is evaluated against it too.
//
// Implemented by SystemClock (production) and testutil.ManualClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
