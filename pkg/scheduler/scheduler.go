// Package scheduler drives a lowpass.Filter's synthetic ticks with a
// real timer. The core itself owns no concurrency primitives; it only
// answers SecondsUntilNextTick. A Runner turns that answer into a
// single resettable time.Timer per sensor:
//
//   - while the sensor is ACTIVE, the timer is armed for the silence
//     threshold and re-armed after every real sample
//   - once the filter goes SILENT, each fired tick injects a synthetic
//     sample and re-arms at the injection cadence
//   - NotifySample cancels and re-arms synchronously, so injection
//     stops the instant the sensor resumes
//
// Runners are cheap: one mutex, one timer, no goroutine of their own
// outside timer callbacks.
package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/lowpassd/lowpassd/pkg/lowpass"
)

// TickFunc receives the decision of every injected synthetic tick.
type TickFunc func(d lowpass.Decision, at time.Time)

// Clock abstracts time for tests.
type Clock func() time.Time

// Runner schedules synthetic ticks for one filter.
type Runner struct {
	mu      sync.Mutex
	f       *lowpass.Filter
	onTick  TickFunc
	clock   Clock
	timer   *time.Timer
	stopped bool
}

// NewRunner creates a runner for f. onTick is invoked from the timer
// goroutine for every tick the filter actually injects. The runner
// starts disarmed; call NotifySample after the first real sample.
func NewRunner(f *lowpass.Filter, onTick TickFunc) *Runner {
	return &Runner{
		f:      f,
		onTick: onTick,
		clock:  time.Now,
	}
}

// SetClock overrides the time source (testing).
func (r *Runner) SetClock(c Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

// NotifySample re-arms the silence timer after a real sample. The
// previous schedule is cancelled synchronously: a pending injection
// can no longer fire once this returns, and a tick already in flight
// is neutralized by the filter's own idle-clock check.
func (r *Runner) NotifySample() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.cancelLocked()
	r.armLocked()
}

// Stop cancels any pending tick permanently. Safe to call multiple
// times.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelLocked()
}

func (r *Runner) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// armLocked schedules the next tick per the filter's own estimate.
func (r *Runner) armLocked() {
	wait := r.f.SecondsUntilNextTick(r.clock())
	if math.IsInf(wait, 1) {
		return
	}
	d := time.Duration(wait * float64(time.Second))
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, r.fire)
}

func (r *Runner) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	now := r.clock()
	r.mu.Unlock()

	// Inject outside the runner lock; the filter has its own.
	d, injected := r.f.OnSynthetic(now)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.armLocked()
	r.mu.Unlock()

	if injected && r.onTick != nil {
		r.onTick(d, now)
	}
}
