// Package config handles lowpassd configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--broker, --data-dir, etc.)
//  2. Environment variables (LOWPASSD_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Broker: %s, sensors: %d, patterns: %d\n",
//		cfg.Broker.URL, len(cfg.Sensors), len(cfg.Patterns))
//
// Environment Variables (all use LOWPASSD_ prefix):
//
// Broker:
//   - LOWPASSD_BROKER_URL="tcp://localhost:1883"
//   - LOWPASSD_BROKER_CLIENT_ID="lowpassd"
//   - LOWPASSD_BROKER_USERNAME / LOWPASSD_BROKER_PASSWORD
//   - LOWPASSD_SAMPLE_TOPIC="sensors/+/state"
//   - LOWPASSD_OUTPUT_TOPIC_PREFIX="lowpass"
//
// Checkpoints:
//   - LOWPASSD_DATA_DIR="./data"
//
// Observability:
//   - LOWPASSD_METRICS_ADDR=":9090"
//
// Logging:
//   - LOWPASSD_LOG_LEVEL="INFO"
//   - LOWPASSD_LOG_PATH="" (stdout only when empty)
//
// Per-sensor filter settings (tau, deadband, rate bounds) have no
// environment form; they live in the config file's sensors/patterns
// lists.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration errors. A sensor entry failing validation disables that
// sensor only; the daemon keeps running with the remaining entries.
var (
	// ErrBadTau reports a non-positive filter time constant.
	ErrBadTau = errors.New("tau must be > 0")

	// ErrRateBounds reports max_rate_dt >= min_rate_dt, which would
	// make the throttle swallow the forced-publish guarantee.
	ErrRateBounds = errors.New("max_rate_dt must be < min_rate_dt")

	// ErrDeadbandConflict reports a fixed deadband configured together
	// with explicit adaptive deadband parameters.
	ErrDeadbandConflict = errors.New("deadband conflicts with deadband_k_sigma/deadband_tau_sigma")

	// ErrBadDeadband reports a negative fixed deadband.
	ErrBadDeadband = errors.New("deadband must be >= 0")

	// ErrBadSigmaParams reports non-positive adaptive deadband
	// parameters.
	ErrBadSigmaParams = errors.New("deadband_k_sigma and deadband_tau_sigma must be > 0")

	// ErrNoSource reports a sensor entry without a source ID.
	ErrNoSource = errors.New("sensor entry has no source")

	// ErrNoMatch reports a pattern entry without a match glob.
	ErrNoMatch = errors.New("pattern entry has no match glob")
)

// Default filter settings, applied wherever a sensor or pattern entry
// leaves a field unset.
const (
	DefaultTau         = 60.0   // seconds
	DefaultKSigma      = 2.0    // adaptive deadband multiplier
	DefaultMinRateDt   = 3600.0 // forced publish ceiling, seconds
	DefaultMaxRateDt   = 10.0   // throttle floor, seconds
	DefaultRoundDigits = 2      // used when no deadband informs rounding

	// MaxPatternSensors caps how many filters one pattern may create.
	MaxPatternSensors = 100
)

// Config holds all lowpassd configuration.
type Config struct {
	// Broker settings for MQTT ingest and publish
	Broker BrokerConfig

	// Checkpoint settings for restore-on-restart
	Checkpoint CheckpointConfig

	// Observability settings
	Observability ObservabilityConfig

	// Logging
	Logging LoggingConfig

	// Sensors lists explicit per-source filter entries
	Sensors []SensorConfig

	// Patterns lists glob-matched batch filter entries
	Patterns []PatternConfig
}

// BrokerConfig holds MQTT connection and topic settings.
type BrokerConfig struct {
	// URL of the broker, e.g. "tcp://localhost:1883"
	URL string
	// ClientID for the MQTT session
	ClientID string
	// Username and Password are passed through to the broker as-is
	Username string
	Password string
	// SampleTopic is the subscription filter for raw samples; the
	// single-level wildcard segment carries the sensor ID
	SampleTopic string
	// OutputTopicPrefix prefixes every published filtered value topic
	OutputTopicPrefix string
	// QoS for both subscribe and publish
	QoS byte
	// ConnectTimeout bounds the initial broker connection
	ConnectTimeout time.Duration
}

// CheckpointConfig holds last-published-state persistence settings.
type CheckpointConfig struct {
	// DataDir is the directory for the checkpoint store
	DataDir string
	// InMemory runs the store without disk persistence (testing)
	InMemory bool
}

// ObservabilityConfig holds metrics endpoint settings.
type ObservabilityConfig struct {
	// MetricsEnabled controls the prometheus endpoint
	MetricsEnabled bool
	// MetricsAddr is the listen address for /metrics
	MetricsAddr string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string
	// Path appends logs to a file in addition to stdout when set
	Path string
}

// FilterSettings is the raw, optional-valued filter configuration as
// written in YAML. Unset fields fall back to defaults or derivations;
// pointer fields distinguish "absent" from "zero" so that conflicting
// explicit settings can be rejected.
type FilterSettings struct {
	Tau              *float64 `yaml:"tau"`
	Deadband         *float64 `yaml:"deadband"`
	DeadbandKSigma   *float64 `yaml:"deadband_k_sigma"`
	DeadbandTauSigma *float64 `yaml:"deadband_tau_sigma"`
	MinRateDt        *float64 `yaml:"min_rate_dt"`
	MaxRateDt        *float64 `yaml:"max_rate_dt"`
	Round            *int     `yaml:"round"`
}

// SensorConfig is one explicit filtered sensor entry.
type SensorConfig struct {
	// Source is the upstream sensor ID (the wildcard segment of the
	// sample topic)
	Source string `yaml:"source"`
	// Name overrides the derived output name
	Name string `yaml:"name"`
	// UniqueID overrides the derived checkpoint/output identity seed
	UniqueID string `yaml:"unique_id"`
	// Prefix for the derived output ID (default "lp_")
	Prefix string `yaml:"prefix"`
	// Suffix for the derived friendly name (default "(Filtered)")
	Suffix string `yaml:"suffix"`

	FilterSettings `yaml:",inline"`
}

// PatternConfig creates one filter per source matching a glob.
type PatternConfig struct {
	// Match is a path.Match-style glob over source IDs
	Match  string `yaml:"match"`
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`

	FilterSettings `yaml:",inline"`
}

// FilterParams is the validated, fully-derived, immutable filter
// configuration handed to the core. Build one with Resolve.
type FilterParams struct {
	// Tau is the filter time constant in seconds, always > 0.
	Tau float64

	// FixedDeadband selects the fixed significance test; when false
	// the deadband is KSigma times the running signal sigma.
	FixedDeadband bool
	// Deadband is the fixed threshold; meaningful only when
	// FixedDeadband is set.
	Deadband float64
	// KSigma is the adaptive deadband multiplier.
	KSigma float64
	// TauSigma is the decay horizon of the sigma estimator in seconds.
	TauSigma float64

	// MinRateDt forces a publish once this many seconds have passed
	// since the last one. 0 disables forced publishing.
	MinRateDt float64
	// MaxRateDt suppresses publishes closer together than this many
	// seconds. 0 disables throttling.
	MaxRateDt float64

	// RoundOverride pins the published precision; when false digits
	// are derived from the effective deadband.
	RoundOverride bool
	// RoundDigits is the pinned precision, meaningful only when
	// RoundOverride is set.
	RoundDigits int
}

// Resolve validates raw filter settings and fills in the derived
// defaults:
//
//	tau                = 60s
//	deadband_k_sigma   = 2.0
//	deadband_tau_sigma = max(100*tau, 10s)
//	min_rate_dt        = 3600s
//	max_rate_dt        = 10s
//
// A fixed deadband together with either explicit adaptive parameter is
// a configuration error: the two significance tests are mutually
// exclusive.
func (s FilterSettings) Resolve() (FilterParams, error) {
	var p FilterParams

	p.Tau = DefaultTau
	if s.Tau != nil {
		p.Tau = *s.Tau
	}
	if p.Tau <= 0 || math.IsNaN(p.Tau) || math.IsInf(p.Tau, 0) {
		return FilterParams{}, fmt.Errorf("%w: got %v", ErrBadTau, p.Tau)
	}

	if s.Deadband != nil && (s.DeadbandKSigma != nil || s.DeadbandTauSigma != nil) {
		return FilterParams{}, ErrDeadbandConflict
	}
	if s.Deadband != nil {
		if *s.Deadband < 0 {
			return FilterParams{}, fmt.Errorf("%w: got %v", ErrBadDeadband, *s.Deadband)
		}
		p.FixedDeadband = true
		p.Deadband = *s.Deadband
	}

	p.KSigma = DefaultKSigma
	if s.DeadbandKSigma != nil {
		p.KSigma = *s.DeadbandKSigma
	}
	p.TauSigma = math.Max(100*p.Tau, 10)
	if s.DeadbandTauSigma != nil {
		p.TauSigma = *s.DeadbandTauSigma
	}
	if p.KSigma <= 0 || p.TauSigma <= 0 {
		return FilterParams{}, fmt.Errorf("%w: k_sigma=%v tau_sigma=%v",
			ErrBadSigmaParams, p.KSigma, p.TauSigma)
	}

	p.MinRateDt = DefaultMinRateDt
	if s.MinRateDt != nil {
		p.MinRateDt = *s.MinRateDt
	}
	p.MaxRateDt = DefaultMaxRateDt
	if s.MaxRateDt != nil {
		p.MaxRateDt = *s.MaxRateDt
	}
	if p.MinRateDt < 0 || p.MaxRateDt < 0 {
		return FilterParams{}, fmt.Errorf("%w: min=%v max=%v",
			ErrRateBounds, p.MinRateDt, p.MaxRateDt)
	}
	if p.MinRateDt > 0 && p.MaxRateDt >= p.MinRateDt {
		return FilterParams{}, fmt.Errorf("%w: min=%v max=%v",
			ErrRateBounds, p.MinRateDt, p.MaxRateDt)
	}

	if s.Round != nil {
		p.RoundOverride = true
		p.RoundDigits = *s.Round
		if p.RoundDigits < 0 {
			p.RoundDigits = 0
		}
		if p.RoundDigits > 6 {
			p.RoundDigits = 6
		}
	}

	return p, nil
}

// RoundDigitsFor derives display precision from a deadband magnitude:
// floor(-log10(deadband)) + 1, clamped to [0, 6]. A zero or invalid
// deadband yields the default precision.
func RoundDigitsFor(deadband float64) int {
	if deadband <= 0 || math.IsNaN(deadband) || math.IsInf(deadband, 0) {
		return DefaultRoundDigits
	}
	d := int(math.Floor(-math.Log10(deadband))) + 1
	if d < 0 {
		return 0
	}
	if d > 6 {
		return 6
	}
	return d
}

// LoadDefaults returns a Config populated with built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               "tcp://localhost:1883",
			ClientID:          "lowpassd",
			SampleTopic:       "sensors/+/state",
			OutputTopicPrefix: "lowpass",
			QoS:               1,
			ConnectTimeout:    10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			DataDir: "./data",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// LoadFromEnv returns defaults overridden by LOWPASSD_* environment
// variables. Sensor and pattern lists come only from the config file.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	applyEnvVars(cfg)
	return cfg
}

func applyEnvVars(cfg *Config) {
	cfg.Broker.URL = getEnv("LOWPASSD_BROKER_URL", cfg.Broker.URL)
	cfg.Broker.ClientID = getEnv("LOWPASSD_BROKER_CLIENT_ID", cfg.Broker.ClientID)
	cfg.Broker.Username = getEnv("LOWPASSD_BROKER_USERNAME", cfg.Broker.Username)
	cfg.Broker.Password = getEnv("LOWPASSD_BROKER_PASSWORD", cfg.Broker.Password)
	cfg.Broker.SampleTopic = getEnv("LOWPASSD_SAMPLE_TOPIC", cfg.Broker.SampleTopic)
	cfg.Broker.OutputTopicPrefix = getEnv("LOWPASSD_OUTPUT_TOPIC_PREFIX", cfg.Broker.OutputTopicPrefix)
	cfg.Broker.QoS = byte(getEnvInt("LOWPASSD_BROKER_QOS", int(cfg.Broker.QoS)))
	cfg.Broker.ConnectTimeout = getEnvDuration("LOWPASSD_BROKER_CONNECT_TIMEOUT", cfg.Broker.ConnectTimeout)

	cfg.Checkpoint.DataDir = getEnv("LOWPASSD_DATA_DIR", cfg.Checkpoint.DataDir)
	cfg.Checkpoint.InMemory = getEnvBool("LOWPASSD_CHECKPOINT_IN_MEMORY", cfg.Checkpoint.InMemory)

	cfg.Observability.MetricsEnabled = getEnvBool("LOWPASSD_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.MetricsAddr = getEnv("LOWPASSD_METRICS_ADDR", cfg.Observability.MetricsAddr)

	cfg.Logging.Level = getEnv("LOWPASSD_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getEnv("LOWPASSD_LOG_PATH", cfg.Logging.Path)
}

// yamlConfig mirrors the YAML file structure.
type yamlConfig struct {
	Broker struct {
		URL               string `yaml:"url"`
		ClientID          string `yaml:"client_id"`
		Username          string `yaml:"username"`
		Password          string `yaml:"password"`
		SampleTopic       string `yaml:"sample_topic"`
		OutputTopicPrefix string `yaml:"output_topic_prefix"`
		QoS               *int   `yaml:"qos"`
		ConnectTimeout    string `yaml:"connect_timeout"`
	} `yaml:"broker"`
	Checkpoint struct {
		DataDir  string `yaml:"data_dir"`
		InMemory bool   `yaml:"in_memory"`
	} `yaml:"checkpoint"`
	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
	Logging struct {
		Level string `yaml:"level"`
		Path  string `yaml:"path"`
	} `yaml:"logging"`
	Sensors  []SensorConfig  `yaml:"sensors"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// LoadFromFile loads configuration with full precedence: defaults,
// then the YAML file, then environment variables. A missing file is
// not an error; the defaults + environment still apply.
//
// Example config.yaml:
//
//	broker:
//	  url: "tcp://broker:1883"
//	  sample_topic: "sensors/+/state"
//	sensors:
//	  - source: power_meter
//	    tau: 60
//	    deadband: 0.5
//	patterns:
//	  - match: "temp_*"
//	    tau: 300
//	    deadband_k_sigma: 2.0
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) || configPath == "" {
			applyEnvVars(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if y.Broker.URL != "" {
		cfg.Broker.URL = y.Broker.URL
	}
	if y.Broker.ClientID != "" {
		cfg.Broker.ClientID = y.Broker.ClientID
	}
	if y.Broker.Username != "" {
		cfg.Broker.Username = y.Broker.Username
	}
	if y.Broker.Password != "" {
		cfg.Broker.Password = y.Broker.Password
	}
	if y.Broker.SampleTopic != "" {
		cfg.Broker.SampleTopic = y.Broker.SampleTopic
	}
	if y.Broker.OutputTopicPrefix != "" {
		cfg.Broker.OutputTopicPrefix = y.Broker.OutputTopicPrefix
	}
	if y.Broker.QoS != nil {
		cfg.Broker.QoS = byte(*y.Broker.QoS)
	}
	if y.Broker.ConnectTimeout != "" {
		if d, err := time.ParseDuration(y.Broker.ConnectTimeout); err == nil {
			cfg.Broker.ConnectTimeout = d
		}
	}

	if y.Checkpoint.DataDir != "" {
		cfg.Checkpoint.DataDir = y.Checkpoint.DataDir
	}
	if y.Checkpoint.InMemory {
		cfg.Checkpoint.InMemory = true
	}

	if y.Metrics.Enabled != nil {
		cfg.Observability.MetricsEnabled = *y.Metrics.Enabled
	}
	if y.Metrics.Addr != "" {
		cfg.Observability.MetricsAddr = y.Metrics.Addr
	}

	if y.Logging.Level != "" {
		cfg.Logging.Level = y.Logging.Level
	}
	if y.Logging.Path != "" {
		cfg.Logging.Path = y.Logging.Path
	}

	cfg.Sensors = y.Sensors
	cfg.Patterns = y.Patterns

	// Env vars win over the file
	applyEnvVars(cfg)
	return cfg, nil
}

// Validate checks daemon-level settings and every sensor and pattern
// entry. It returns the first daemon-level error; per-entry errors are
// returned as a joined error so one bad sensor does not hide another.
// Callers that want to keep good entries and drop bad ones should use
// Resolve per entry instead.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url must not be empty")
	}
	if c.Broker.SampleTopic == "" {
		return fmt.Errorf("sample topic must not be empty")
	}
	if !c.Checkpoint.InMemory && c.Checkpoint.DataDir == "" {
		return fmt.Errorf("checkpoint data_dir must not be empty")
	}

	var errs []error
	for i, s := range c.Sensors {
		if s.Source == "" {
			errs = append(errs, fmt.Errorf("sensors[%d]: %w", i, ErrNoSource))
			continue
		}
		if _, err := s.FilterSettings.Resolve(); err != nil {
			errs = append(errs, fmt.Errorf("sensors[%d] %q: %w", i, s.Source, err))
		}
	}
	for i, p := range c.Patterns {
		if p.Match == "" {
			errs = append(errs, fmt.Errorf("patterns[%d]: %w", i, ErrNoMatch))
			continue
		}
		if _, err := p.FilterSettings.Resolve(); err != nil {
			errs = append(errs, fmt.Errorf("patterns[%d] %q: %w", i, p.Match, err))
		}
	}
	return errors.Join(errs...)
}

// String returns a safe string representation of the Config. The
// broker password is not included, making this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Broker: %s, SampleTopic: %s, DataDir: %s, Sensors: %d, Patterns: %d}",
		c.Broker.URL, c.Broker.SampleTopic, c.Checkpoint.DataDir,
		len(c.Sensors), len(c.Patterns),
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if
// none found. Search order:
//  1. ~/.lowpassd/config.yaml
//  2. Same directory as the binary (config.yaml, lowpassd.yaml)
//  3. Current working directory (config.yaml, lowpassd.yaml)
//  4. ~/.config/lowpassd/config.yaml (Linux/Unix XDG standard)
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".lowpassd", "config.yaml"))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "lowpassd.yaml"),
		)
	}

	candidates = append(candidates,
		"config.yaml",
		"lowpassd.yaml",
	)

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "lowpassd", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch val {
		case "true", "1", "yes", "on", "TRUE", "Yes", "True", "ON", "On":
			return true
		default:
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
