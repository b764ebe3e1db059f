package engine

import "math"

// Default world timing.
const (
	DefaultTimeStep = 0.1
)

// SimClock derives simulated time from the number of completed continuous
// steps.
//
// Time is never accumulated by repeated addition: clock = steps*dt + start.
// This keeps the clock free of drift and makes it reproducible after a
// snapshot restore.
type SimClock struct {
	steps  int64
	dt     float64
	start  float64
	finish float64
}

// NewSimClock creates a clock with the given time step and start time.
func NewSimClock(dt, start float64) SimClock {
	return SimClock{dt: dt, start: start, finish: math.Inf(1)}
}

// Now returns the current simulated time.
func (c SimClock) Now() float64 {
	return float64(c.steps)*c.dt + c.start
}

// Steps returns the number of completed continuous steps.
func (c SimClock) Steps() int64 {
	return c.steps
}

// Finished reports whether the clock has passed its finish time.
func (c SimClock) Finished() bool {
	return c.Now() > c.finish
}

// stepsFor converts a duration into a whole number of steps of size dt,
// rounding to the nearest step so that 0.3/0.1 yields 3.
func stepsFor(duration, dt float64) int {
	if dt <= 0 || duration <= 0 {
		return 0
	}
	return int(math.Round(duration / dt))
}
