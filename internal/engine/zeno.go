package engine

import (
	"errors"
	"fmt"
)

// DefaultZenoLimit is the default number of microsteps a world may take at
// a single simulated instant before zeno handling kicks in.
const DefaultZenoLimit = 100

// ZenoUnlimited disables zeno detection when passed to WithZenoLimit.
const ZenoUnlimited = -1

// zenoCounter counts discrete microsteps taken at one simulated instant and
// enforces the world's zeno limit.
//
// The counter is reset at the start of every discrete update. It is the only
// cancellation mechanism the engine has: continuous integration is never
// interrupted.
type zenoCounter struct {
	limit   int // negative disables the check
	current int
}

func newZenoCounter(limit int) *zenoCounter {
	return &zenoCounter{limit: limit}
}

// Check increments the microstep counter and validates it against the limit.
//
// It runs before a microstep takes effect. Returns ZenoError once the
// counter exceeds the limit, so exactly limit microsteps run at one instant.
func (z *zenoCounter) Check(clock float64) error {
	z.current++
	if z.limit >= 0 && z.current > z.limit {
		return &ZenoError{
			Steps: z.current,
			Limit: z.limit,
			Clock: clock,
		}
	}
	return nil
}

// Reset sets the counter back to 0.
func (z *zenoCounter) Reset() {
	z.current = 0
}

// Current returns the number of microsteps taken at the current instant.
func (z *zenoCounter) Current() int {
	return z.current
}

// Limit returns the configured limit.
func (z *zenoCounter) Limit() int {
	return z.limit
}

// ZenoError is returned when a discrete update exceeds the zeno limit.
//
// It aborts the current step before the microstep that would exceed the
// limit has any effect; the limit microsteps before it stay applied.
type ZenoError struct {
	Steps int     // microstep refused at this instant, limit+1 or later
	Limit int     // configured limit
	Clock float64 // simulated time of the instant
}

// Error implements the error interface.
func (e *ZenoError) Error() string {
	return fmt.Sprintf("exceeded zeno limit at clock %g: %d microsteps > %d limit",
		e.Clock, e.Steps, e.Limit)
}

// RuntimeErrorCode returns the taxonomy code for this error.
func (e *ZenoError) RuntimeErrorCode() RuntimeErrorCode {
	return ErrCodeZeno
}

// AsZenoError extracts a ZenoError from err, if present.
func AsZenoError(err error) (*ZenoError, bool) {
	var ze *ZenoError
	if errors.As(err, &ze) {
		return ze, true
	}
	return nil, false
}
