// Package lowpass implements lowpassd's filtering and decision engine:
// a time-aware exponential low-pass filter with an adaptive deadband
// gate, a dual-bound rate limiter, and silence detection with
// synthetic sample injection.
//
// One Filter instance owns the complete state for one logical sensor.
// Events enter through exactly three methods:
//   - OnSample: a real measurement from the sensor
//   - OnSynthetic: a tick from the host's timer while the sensor is
//     silent
//   - OnRestore: the one-time seed from the persisted checkpoint
//
// Each event fully transits estimator -> filter -> gate -> limiter and
// returns a Decision before the next event is considered. All work is
// O(1) per event; no sample history is retained beyond two running
// statistics accumulators. The Filter owns no goroutine and no timer:
// SecondsUntilNextTick tells the host when to call OnSynthetic, and
// any real sample invalidates that schedule immediately.
//
// Pipeline per event:
//
//	raw sample ──▶ dt stats ──▶ Step (alpha = dt/(tau+dt)) ──▶ sigma stats
//	                                    │
//	                                    ▼
//	              deadband gate ──AND──▶ rate limiter ──▶ Decision
//
// Example Usage:
//
//	params, _ := config.FilterSettings{}.Resolve()
//	f := lowpass.New(params)
//
//	d, err := f.OnSample(21.4, time.Now())
//	if err == nil && d.Publish {
//		fmt.Printf("publish %v (digits=%d)\n", d.Value, d.Digits)
//	}
package lowpass

import (
	"errors"
	"math"
	"time"
)

// Sample boundary errors. Both leave the filter state untouched; the
// host logs the drop and moves on.
var (
	// ErrNonFinite reports a NaN or infinite sample value.
	ErrNonFinite = errors.New("non-finite sample value")

	// ErrClockRegression reports a sample timestamp behind the filter
	// clock.
	ErrClockRegression = errors.New("sample timestamp precedes filter clock")
)

// Mode is the silence-detection state of a sensor.
type Mode int

const (
	// ModeActive means real samples are arriving within the expected
	// cadence.
	ModeActive Mode = iota
	// ModeSilent means the sensor has exceeded its silence threshold
	// and synthetic ticks are driving the filter.
	ModeSilent
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// Step advances a first-order exponential filter across an irregular
// interval:
//
//	alpha = dt / (tau + dt)
//	yNew  = yPrev + alpha * (x - yPrev)
//
// dt == 0 returns yPrev unchanged, so duplicate timestamps cannot
// corrupt the state. tau must be > 0 (validated at configuration
// time). The gap |yNew - x| shrinks by the factor tau/(tau+dt), so
// repeated steps toward a constant x converge monotonically and never
// overshoot.
//
// Step is a pure function; every other component calls it.
func Step(x, dt, yPrev, tau float64) float64 {
	if dt <= 0 {
		return yPrev
	}
	alpha := dt / (tau + dt)
	return yPrev + alpha*(x-yPrev)
}

// secs converts a wall instant to the float seconds timeline the core
// computes on.
func secs(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// roundTo rounds x to the given number of decimal digits.
func roundTo(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}
