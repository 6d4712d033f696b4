// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Readings are UTC and truncated to the
// microsecond precision Postgres stores, so values round-trip unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
