// Package registry owns the per-sensor pipeline instances. It maps
// incoming source IDs to their filter and injection runner, creating
// them eagerly for explicitly configured sensors and lazily for
// sources matched by a pattern glob.
//
// Event flow for one sensor:
//
//	broker sample -> Registry.HandleSample -> Filter.OnSample
//	                                           |-- publish -> broker + checkpoint
//	                                           `-- Runner.NotifySample (re-arm timer)
//	timer fires   -> Filter.OnSynthetic -------'
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowpassd/lowpassd/pkg/checkpoint"
	"github.com/lowpassd/lowpassd/pkg/config"
	"github.com/lowpassd/lowpassd/pkg/lowpass"
	"github.com/lowpassd/lowpassd/pkg/observability"
	"github.com/lowpassd/lowpassd/pkg/scheduler"
)

// outputNamespace seeds the deterministic per-sensor instance IDs so
// they are stable across restarts.
var outputNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // uuid.NameSpaceDNS

const (
	defaultPrefix = "lp_"
	defaultSuffix = "(Filtered)"
)

// Publisher delivers accepted filter outputs. Satisfied by
// broker.Client.
type Publisher interface {
	PublishFiltered(sensorID string, d lowpass.Decision, snap lowpass.Snapshot, ts time.Time) error
}

// Sensor is one running pipeline instance.
type Sensor struct {
	// Source is the upstream sensor ID samples arrive under.
	Source string
	// OutputID is the derived downstream ID, e.g. "lp_power_meter".
	OutputID string
	// Name is the derived friendly name, e.g. "power_meter (Filtered)".
	Name string
	// InstanceID is a deterministic UUID derived from the output ID.
	InstanceID uuid.UUID

	Filter *lowpass.Filter
	Runner *scheduler.Runner
}

// Registry creates, indexes, and drives sensors.
type Registry struct {
	mu      sync.RWMutex
	cfg     *config.Config
	store   *checkpoint.Store
	pub     Publisher
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	sensors map[string]*Sensor
	// patternCounts tracks how many sensors each pattern entry has
	// created, for the per-pattern cap.
	patternCounts []int
	capWarned     []bool
	stopped       bool
}

// New builds a registry and eagerly creates every explicitly
// configured sensor. The config must already be validated.
func New(cfg *config.Config, store *checkpoint.Store, pub Publisher, metrics *observability.Metrics, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:           cfg,
		store:         store,
		pub:           pub,
		metrics:       metrics,
		logger:        logger,
		clock:         time.Now,
		sensors:       make(map[string]*Sensor),
		patternCounts: make([]int, len(cfg.Patterns)),
		capWarned:     make([]bool, len(cfg.Patterns)),
	}
	for i := range cfg.Sensors {
		sc := &cfg.Sensors[i]
		params, err := sc.FilterSettings.Resolve()
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", sc.Source, err)
		}
		r.addSensor(sc.Source, sc.Name, sc.UniqueID, sc.Prefix, sc.Suffix, params)
	}
	metrics.SetSensorCount(len(r.sensors))
	return r, nil
}

// SetClock overrides the time source for every current and future
// sensor (testing).
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	for _, s := range r.sensors {
		s.Runner.SetClock(scheduler.Clock(clock))
	}
}

// addSensor creates and indexes one pipeline. Caller holds no lock
// during New; HandleSample calls it under the write lock.
func (r *Registry) addSensor(source, name, uniqueID, prefix, suffix string, params config.FilterParams) *Sensor {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if suffix == "" {
		suffix = defaultSuffix
	}
	if name == "" {
		name = source + " " + suffix
	}

	s := &Sensor{
		Source:   source,
		OutputID: prefix + source,
		Name:     name,
		Filter:   lowpass.New(params),
	}
	seed := s.OutputID
	if uniqueID != "" {
		seed = uniqueID
	}
	s.InstanceID = uuid.NewSHA1(outputNamespace, []byte(seed))
	s.Runner = scheduler.NewRunner(s.Filter, func(d lowpass.Decision, at time.Time) {
		r.onTick(s, d, at)
	})
	s.Runner.SetClock(scheduler.Clock(r.clock))

	if st, found, err := r.restore(source); err != nil {
		r.logger.Warn("checkpoint restore failed", "sensor", source, "error", err)
		r.metrics.CheckpointError()
	} else if found {
		s.Filter.OnRestore(st.Value, st.Time, st.ErrI)
		r.logger.Info("restored checkpoint",
			"sensor", source, "value", st.Value, "time", st.Time)
	}

	r.sensors[source] = s
	r.logger.Info("sensor attached",
		"sensor", source, "output", s.OutputID, "instance", s.InstanceID)
	return s
}

func (r *Registry) restore(source string) (checkpoint.State, bool, error) {
	if r.store == nil {
		return checkpoint.State{}, false, nil
	}
	return r.store.Load(source)
}

// HandleSample routes one raw sample to its sensor, creating a
// pattern-matched sensor on first sight.
func (r *Registry) HandleSample(source string, value float64, ts time.Time) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	s, ok := r.sensors[source]
	if !ok {
		s = r.matchPattern(source)
		if s == nil {
			r.mu.Unlock()
			return
		}
		r.metrics.SetSensorCount(len(r.sensors))
	}
	r.mu.Unlock()

	r.metrics.SampleReceived(source)
	d, err := s.Filter.OnSample(value, ts)
	if err != nil {
		reason := observability.ReasonNonFinite
		if errors.Is(err, lowpass.ErrClockRegression) {
			reason = observability.ReasonClockRegression
		}
		r.metrics.SampleDropped(source, reason)
		r.logger.Warn("dropped sample", "sensor", source, "value", value, "error", err)
		return
	}
	s.Runner.NotifySample()
	r.finish(s, d, ts)
}

// onTick handles a synthetic injection from the runner.
func (r *Registry) onTick(s *Sensor, d lowpass.Decision, at time.Time) {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return
	}
	r.metrics.SyntheticTick(s.Source)
	r.finish(s, d, at)
}

// finish applies a decision: publish and checkpoint on accept, count
// suppression otherwise, and refresh the silent-sensor gauge.
func (r *Registry) finish(s *Sensor, d lowpass.Decision, ts time.Time) {
	if d.Publish {
		reason := observability.ReasonAccepted
		switch {
		case d.Converged:
			reason = observability.ReasonConverged
		case d.Forced:
			reason = observability.ReasonForced
		}
		r.metrics.Published(s.Source, reason)

		snap := s.Filter.Snapshot()
		if r.pub != nil {
			if err := r.pub.PublishFiltered(s.OutputID, d, snap, ts); err != nil {
				r.logger.Error("publish failed", "sensor", s.Source, "error", err)
			}
		}
		if r.store != nil {
			st := checkpoint.State{Value: snap.LastPublished, Time: ts, ErrI: s.Filter.ErrI()}
			if err := r.store.Save(s.Source, st); err != nil {
				r.logger.Warn("checkpoint save failed", "sensor", s.Source, "error", err)
				r.metrics.CheckpointError()
			}
		}
	} else {
		r.metrics.Suppressed(s.Source)
	}
	r.metrics.SetSilentSensors(r.silentCount())
}

// matchPattern finds the first pattern whose glob matches source and
// creates a sensor from it. Caller holds the write lock.
func (r *Registry) matchPattern(source string) *Sensor {
	for i := range r.cfg.Patterns {
		pc := &r.cfg.Patterns[i]
		matched, err := path.Match(pc.Match, source)
		if err != nil || !matched {
			continue
		}
		if r.patternCounts[i] >= config.MaxPatternSensors {
			if !r.capWarned[i] {
				r.capWarned[i] = true
				r.logger.Warn("pattern sensor cap reached, ignoring new sources",
					"pattern", pc.Match, "cap", config.MaxPatternSensors)
			}
			return nil
		}
		params, err := pc.FilterSettings.Resolve()
		if err != nil {
			// Validate catches this at load; a pattern that slips
			// through is logged once and skipped.
			r.logger.Error("invalid pattern settings", "pattern", pc.Match, "error", err)
			continue
		}
		r.patternCounts[i]++
		return r.addSensor(source, "", "", pc.Prefix, pc.Suffix, params)
	}
	return nil
}

func (r *Registry) silentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sensors {
		if s.Filter.Mode() == lowpass.ModeSilent {
			n++
		}
	}
	return n
}

// Get returns the sensor for a source ID.
func (r *Registry) Get(source string) (*Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[source]
	return s, ok
}

// Len returns the number of attached sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

// Sources returns the attached source IDs, unordered.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sensors))
	for src := range r.sensors {
		out = append(out, src)
	}
	return out
}

// Stop halts every injection runner. Samples arriving afterwards are
// ignored.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	sensors := make([]*Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		sensors = append(sensors, s)
	}
	r.mu.Unlock()
	for _, s := range sensors {
		s.Runner.Stop()
	}
}
