// Package stats provides the online estimators that size lowpassd's
// adaptive deadband and silence threshold.
//
// Two estimators are maintained per sensor:
//   - Welford: numerically stable running mean/variance of the
//     inter-sample interval between real measurements. Lifetime scope,
//     O(1) per observation, no retained history.
//   - Decaying: exponentially decay-weighted mean/variance of the
//     filtered signal, so the dispersion estimate tracks the recent
//     noise regime rather than lifetime noise.
//
// Both report variance as undefined until two observations have been
// seen; callers treat that as "insufficient history" and fail open.
//
// Example Usage:
//
//	var dt stats.Welford
//	dt.Observe(10.0)
//	dt.Observe(12.0)
//	mean := dt.Mean()
//	sigma, ok := dt.StdDev()
package stats

import "math"

// Welford accumulates running mean and variance using Welford's
// incremental algorithm, which avoids the catastrophic cancellation of
// the naive sum-of-squares form on long-lived streams.
//
// The zero value is ready to use. Welford is not safe for concurrent
// use; each sensor's event stream owns its own accumulators.
type Welford struct {
	n    int64
	mean float64
	m2   float64
}

// Observe folds a new value into the running statistics.
func (w *Welford) Observe(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// Count returns the number of observations seen.
func (w *Welford) Count() int64 { return w.n }

// Mean returns the running mean, or 0 before any observation.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance. The second return is false
// while fewer than two observations have been seen.
func (w *Welford) Variance() (float64, bool) {
	if w.n < 2 {
		return 0, false
	}
	return w.m2 / float64(w.n), true
}

// StdDev returns the standard deviation, undefined below two
// observations.
func (w *Welford) StdDev() (float64, bool) {
	v, ok := w.Variance()
	if !ok {
		return 0, false
	}
	return math.Sqrt(v), true
}

// Reset discards all accumulated state.
func (w *Welford) Reset() {
	w.n = 0
	w.mean = 0
	w.m2 = 0
}

// Decaying accumulates an exponentially decay-weighted mean and
// variance. Each observation carries the elapsed time dt since the
// previous one; its weight is dt/(tau+dt), the same blend form as the
// low-pass filter itself, so an observation arriving after a long gap
// counts for more and the estimate forgets old regimes over roughly
// tau seconds.
type Decaying struct {
	tau  float64
	n    int64
	mean float64
	m2   float64 // decayed mean of x^2, not a Welford M2
}

// NewDecaying returns an estimator that forgets over roughly tau
// seconds. tau must be > 0; validated at configuration time.
func NewDecaying(tau float64) *Decaying {
	return &Decaying{tau: tau}
}

// Observe folds in a value seen dt seconds after the previous one.
// dt <= 0 contributes nothing (duplicate timestamps carry no new
// information about dispersion).
func (d *Decaying) Observe(x, dt float64) {
	if d.n == 0 {
		d.mean = x
		d.m2 = x * x
		d.n++
		return
	}
	if dt <= 0 {
		return
	}
	w := dt / (d.tau + dt)
	d.mean = (1-w)*d.mean + w*x
	d.m2 = (1-w)*d.m2 + w*(x*x)
	d.n++
}

// Count returns the number of observations folded in.
func (d *Decaying) Count() int64 { return d.n }

// Mean returns the decay-weighted mean.
func (d *Decaying) Mean() float64 { return d.mean }

// Variance returns the decay-weighted variance, clamped at zero
// against floating rounding. The second return is false while fewer
// than two observations have been seen.
func (d *Decaying) Variance() (float64, bool) {
	if d.n < 2 {
		return 0, false
	}
	return math.Max(d.m2-d.mean*d.mean, 0), true
}

// StdDev returns the decay-weighted standard deviation, undefined
// below two observations.
func (d *Decaying) StdDev() (float64, bool) {
	v, ok := d.Variance()
	if !ok {
		return 0, false
	}
	return math.Sqrt(v), true
}
