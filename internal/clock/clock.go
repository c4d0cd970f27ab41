// Package clock provides the system clock implementation.
package clock

import "time"

// System implements crawl.Clock using time.Now. The returned values carry
// Go's monotonic reading, so frontier readiness comparisons are immune to
// wall-clock adjustments.
type System struct{}

// NewSystem creates a new system clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time.
func (System) Now() time.Time {
	return time.Now()
}
