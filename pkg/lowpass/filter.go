package lowpass

import (
	"math"
	"sync"
	"time"

	"github.com/lowpassd/lowpassd/pkg/config"
	"github.com/lowpassd/lowpassd/pkg/stats"
)

// minTickInterval floors the silence threshold and the injection
// cadence so a near-zero dt variance cannot schedule a degenerate
// storm of ticks.
const minTickInterval = 1.0 // seconds

// Decision is the outcome of one event transiting the pipeline.
type Decision struct {
	// Publish reports whether the gate and limiter jointly approved.
	Publish bool
	// Value is the rounded value to publish; meaningful only when
	// Publish is set.
	Value float64
	// Raw is the unrounded filter output after this event.
	Raw float64
	// Forced reports a publish driven by the min_rate_dt bound rather
	// than the deadband gate.
	Forced bool
	// Converged reports the synthetic-injection snap: the filter
	// output came within one deadband of the last real value, so
	// Value is that real value exactly.
	Converged bool
	// Deadband is the effective deadband at decision time (0 while
	// sigma history is insufficient in adaptive mode).
	Deadband float64
	// Digits is the display precision used for Value.
	Digits int
}

// Snapshot is a point-in-time view of filter internals, exposed as
// publish telemetry.
type Snapshot struct {
	Mode              Mode
	Output            float64
	LastRealValue     float64
	LastPublished     float64
	EffectiveDeadband float64
	Sigma             float64
	SigmaDefined      bool
	DtMean            float64
	DtStdDev          float64
	SilenceThreshold  float64
	InjectionInterval float64
	RoundDigits       int

	Samples        uint64
	Dropped        uint64
	SyntheticTicks uint64
	Publishes      uint64
	Suppressed     uint64
}

// Filter is the per-sensor filtering and decision engine. It is safe
// for concurrent use, though the host is expected to deliver each
// sensor's events sequentially; the mutex only guards against a timer
// tick racing a real sample.
type Filter struct {
	mu sync.Mutex
	p  config.FilterParams

	// filter state
	initialized bool
	y           float64
	tPrev       float64 // filter clock: last update, real or synthetic

	// last authentic sample; synthetic ticks never touch these
	lastRealValue float64
	lastRealTime  float64
	haveReal      bool

	// publish state
	lastPublished float64 // unrounded
	lastPubTime   float64
	havePublished bool
	errI          float64 // integral of in-deadband error, tau-scaled

	mode       Mode
	snapped    bool // convergence snap already published this silence
	dtStats    stats.Welford
	sigmaStats *stats.Decaying

	// display precision, recomputed with hysteresis
	roundDigits int
	roundBasis  float64

	samples        uint64
	dropped        uint64
	syntheticTicks uint64
	publishes      uint64
	suppressed     uint64
}

// New creates a Filter from validated parameters.
func New(p config.FilterParams) *Filter {
	f := &Filter{
		p:          p,
		mode:       ModeActive,
		sigmaStats: stats.NewDecaying(p.TauSigma),
	}
	if p.RoundOverride {
		f.roundDigits = p.RoundDigits
	} else if p.FixedDeadband {
		f.roundDigits = config.RoundDigitsFor(p.Deadband)
		f.roundBasis = p.Deadband
	} else {
		f.roundDigits = config.DefaultRoundDigits
	}
	return f
}

// Params returns the immutable configuration this filter runs with.
func (f *Filter) Params() config.FilterParams { return f.p }

// OnRestore seeds the filter from the externally persisted checkpoint.
// It sets the output and last-published state without counting as a
// real sample: interval and dispersion statistics start cold, so a
// restart cannot poison silence detection. Ignored after the first
// real sample, and ignored for non-finite values.
func (f *Filter) OnRestore(value float64, ts time.Time, errI float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized || f.haveReal {
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	t := secs(ts)
	f.initialized = true
	f.y = value
	f.tPrev = t
	f.lastPublished = value
	f.lastPubTime = t
	f.havePublished = true
	f.errI = errI
}

// OnSample feeds one real measurement through the pipeline and returns
// the publish decision. Non-finite values and timestamps behind the
// filter clock are rejected with the state unchanged.
func (f *Filter) OnSample(x float64, now time.Time) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.samples++
	if math.IsNaN(x) || math.IsInf(x, 0) {
		f.dropped++
		return Decision{}, ErrNonFinite
	}

	t := secs(now)
	if f.initialized && t < f.tPrev {
		f.dropped++
		return Decision{}, ErrClockRegression
	}

	if !f.initialized {
		// Cold start: the filter output is the sample.
		f.initialized = true
		f.y = x
		f.tPrev = t
		f.sigmaStats.Observe(x, 0)
		f.recordReal(x, t)
		return f.decide(t, false), nil
	}

	// Interval statistics run against the last real sample, never
	// against synthetic tick times, so the silence threshold keeps
	// measuring the sensor's own cadence.
	if f.haveReal {
		if dtReal := t - f.lastRealTime; dtReal > 0 {
			f.dtStats.Observe(dtReal)
		}
	}

	dt := t - f.tPrev
	f.y = Step(x, dt, f.y, f.p.Tau)
	f.tPrev = t
	f.sigmaStats.Observe(f.y, dt)
	f.recordReal(x, t)

	return f.decide(t, false), nil
}

// recordReal notes an authentic sample and resumes ACTIVE mode. Any
// pending synthetic schedule is invalid from this instant; a stale
// tick that still fires will find the idle clock reset and do nothing.
func (f *Filter) recordReal(x, t float64) {
	f.lastRealValue = x
	f.lastRealTime = t
	f.haveReal = true
	f.mode = ModeActive
	f.snapped = false
}

// OnSynthetic handles a timer tick from the host. In ACTIVE mode it
// checks the idle clock and either transitions to SILENT or reports a
// stale tick (injected == false). In SILENT mode it drives the filter
// with the last real value at the current instant, exactly like a real
// sample except that no statistics are updated.
func (f *Filter) OnSynthetic(now time.Time) (d Decision, injected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized || !f.haveReal {
		return Decision{}, false
	}
	t := secs(now)
	if t < f.tPrev {
		return Decision{}, false
	}

	if f.mode == ModeActive {
		if t-f.lastRealTime < f.silenceThreshold() {
			// A real sample arrived after this tick was scheduled.
			return Decision{}, false
		}
		f.mode = ModeSilent
	}

	f.syntheticTicks++
	dt := t - f.tPrev
	f.y = Step(f.lastRealValue, dt, f.y, f.p.Tau)
	f.tPrev = t

	return f.decide(t, true), true
}

// decide runs the deadband gate and rate limiter for the current
// output and finalizes publish state when they approve. Caller holds
// the mutex.
func (f *Filter) decide(now float64, synthetic bool) Decision {
	db, dbDefined := f.effectiveDeadband()

	d := Decision{
		Raw:      f.y,
		Deadband: db,
	}

	// Convergence snap: once during a silence, when the decaying
	// output lands inside the deadband around the last real value,
	// report that value exactly instead of a residual tail.
	converged := false
	if synthetic && !f.snapped && dbDefined && db > 0 &&
		math.Abs(f.y-f.lastRealValue) < db {
		converged = true
	}

	gateAccept := true
	if f.havePublished && !converged {
		if dbDefined {
			err := f.y - f.lastPublished
			dtPub := math.Max(0, now-f.lastPubTime)
			if math.Abs(err) < db {
				// Integral term: a small persistent offset escapes
				// the deadband once its time integral matches it.
				f.errI += err * dtPub / f.p.Tau
			} else {
				f.errI = 0
			}
			gateAccept = math.Abs(err) >= db || math.Abs(f.errI) >= db
		}
		// Insufficient sigma history fails open: publish rather than
		// silently suppress.
	}

	throttled := f.havePublished && f.p.MaxRateDt > 0 &&
		now-f.lastPubTime < f.p.MaxRateDt
	forced := f.havePublished && f.p.MinRateDt > 0 &&
		now-f.lastPubTime >= f.p.MinRateDt

	publish := (gateAccept && !throttled) || forced
	if !publish {
		f.suppressed++
		return d
	}

	digits := f.publishDigits(db)
	d.Publish = true
	d.Forced = forced && !(gateAccept && !throttled)
	d.Digits = digits
	if converged {
		d.Converged = true
		d.Value = f.lastRealValue
		f.snapped = true
	} else {
		d.Value = roundTo(f.y, digits)
	}

	// Internal state keeps the unrounded output; quantization error
	// must not compound across publishes.
	f.lastPublished = f.y
	f.lastPubTime = now
	f.havePublished = true
	f.errI = 0
	f.publishes++
	return d
}

// effectiveDeadband returns the active significance threshold and
// whether it is defined. Adaptive mode is undefined until the sigma
// estimator has two observations.
func (f *Filter) effectiveDeadband() (float64, bool) {
	if f.p.FixedDeadband {
		return f.p.Deadband, true
	}
	sigma, ok := f.sigmaStats.StdDev()
	if !ok {
		return 0, false
	}
	return f.p.KSigma * sigma, true
}

// publishDigits returns the display precision for the current
// deadband, recomputing only when the deadband has moved past a 2x
// hysteresis margin so digit counts do not flap on sigma noise.
func (f *Filter) publishDigits(db float64) int {
	if f.p.RoundOverride {
		return f.p.RoundDigits
	}
	if db <= 0 {
		return f.roundDigits
	}
	if f.roundBasis <= 0 || db > 2*f.roundBasis || db < f.roundBasis/2 {
		f.roundDigits = config.RoundDigitsFor(db)
		f.roundBasis = db
	}
	return f.roundDigits
}

// silenceThreshold computes how long the sensor may stay quiet before
// being declared silent: mean + 3*sigma of the real inter-sample
// interval, clamped to [1s, tau]. Until two intervals have been seen
// the threshold is tau.
func (f *Filter) silenceThreshold() float64 {
	raw := f.p.Tau
	if f.dtStats.Count() >= 2 {
		sd, _ := f.dtStats.StdDev()
		raw = f.dtStats.Mean() + 3*sd
	}
	return clamp(raw, minTickInterval, math.Max(f.p.Tau, minTickInterval))
}

// injectionInterval computes the synthetic tick cadence: the mean real
// inter-sample interval, clamped into the configured publish bounds
// [max_rate_dt, min_rate_dt] and then to [1s, tau].
func (f *Filter) injectionInterval() float64 {
	base := f.p.Tau
	if f.dtStats.Count() >= 1 {
		base = f.dtStats.Mean()
	}
	if f.p.MaxRateDt > 0 && base < f.p.MaxRateDt {
		base = f.p.MaxRateDt
	}
	if f.p.MinRateDt > 0 && base > f.p.MinRateDt {
		base = f.p.MinRateDt
	}
	return clamp(base, minTickInterval, math.Max(f.p.Tau, minTickInterval))
}

// SecondsUntilNextTick tells the host when to next call OnSynthetic:
// in ACTIVE mode, the time remaining until the silence threshold; in
// SILENT mode, the injection cadence. Returns +Inf while the filter
// has no real sample to inject.
func (f *Filter) SecondsUntilNextTick(now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized || !f.haveReal {
		return math.Inf(1)
	}
	if f.mode == ModeSilent {
		return f.injectionInterval()
	}
	idle := secs(now) - f.lastRealTime
	return math.Max(0, f.silenceThreshold()-idle)
}

// Mode returns the current silence-detection state.
func (f *Filter) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Output returns the current filtered value and whether it is defined.
func (f *Filter) Output() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.y, f.initialized
}

// ErrI returns the current integral error term, persisted alongside
// the checkpoint so a restart keeps the accumulated in-deadband drift.
func (f *Filter) ErrI() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errI
}

// Snapshot returns a consistent view of the filter internals.
func (f *Filter) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	db, _ := f.effectiveDeadband()
	sigma, sigmaOK := f.sigmaStats.StdDev()
	dtSD, _ := f.dtStats.StdDev()

	return Snapshot{
		Mode:              f.mode,
		Output:            f.y,
		LastRealValue:     f.lastRealValue,
		LastPublished:     f.lastPublished,
		EffectiveDeadband: db,
		Sigma:             sigma,
		SigmaDefined:      sigmaOK,
		DtMean:            f.dtStats.Mean(),
		DtStdDev:          dtSD,
		SilenceThreshold:  f.silenceThreshold(),
		InjectionInterval: f.injectionInterval(),
		RoundDigits:       f.roundDigits,
		Samples:           f.samples,
		Dropped:           f.dropped,
		SyntheticTicks:    f.syntheticTicks,
		Publishes:         f.publishes,
		Suppressed:        f.suppressed,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
