// Package system provides a real clock implementation.
package system

import "time"

// Clock implements poll.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time. The monotonic reading is kept so that
// elapsed-time checks against an epoch start are immune to wall clock jumps.
func (Clock) Now() time.Time {
	return time.Now()
}
