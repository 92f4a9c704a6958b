package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LOWPASSD_BROKER_URL",
		"LOWPASSD_BROKER_CLIENT_ID",
		"LOWPASSD_BROKER_USERNAME",
		"LOWPASSD_BROKER_PASSWORD",
		"LOWPASSD_SAMPLE_TOPIC",
		"LOWPASSD_OUTPUT_TOPIC_PREFIX",
		"LOWPASSD_BROKER_QOS",
		"LOWPASSD_BROKER_CONNECT_TIMEOUT",
		"LOWPASSD_DATA_DIR",
		"LOWPASSD_CHECKPOINT_IN_MEMORY",
		"LOWPASSD_METRICS_ENABLED",
		"LOWPASSD_METRICS_ADDR",
		"LOWPASSD_LOG_LEVEL",
		"LOWPASSD_LOG_PATH",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadFromEnv()

	if cfg.Broker.URL != "tcp://localhost:1883" {
		t.Errorf("expected default broker url, got %q", cfg.Broker.URL)
	}
	if cfg.Broker.ClientID != "lowpassd" {
		t.Errorf("expected client id 'lowpassd', got %q", cfg.Broker.ClientID)
	}
	if cfg.Broker.SampleTopic != "sensors/+/state" {
		t.Errorf("expected sample topic 'sensors/+/state', got %q", cfg.Broker.SampleTopic)
	}
	if cfg.Broker.QoS != 1 {
		t.Errorf("expected qos 1, got %d", cfg.Broker.QoS)
	}
	if cfg.Broker.ConnectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", cfg.Broker.ConnectTimeout)
	}
	if cfg.Checkpoint.DataDir != "./data" {
		t.Errorf("expected data dir './data', got %q", cfg.Checkpoint.DataDir)
	}
	if !cfg.Observability.MetricsEnabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected log level INFO, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("LOWPASSD_BROKER_URL", "tcp://broker.example:1883")
	t.Setenv("LOWPASSD_SAMPLE_TOPIC", "plant/+/raw")
	t.Setenv("LOWPASSD_DATA_DIR", "/var/lib/lowpassd")
	t.Setenv("LOWPASSD_METRICS_ENABLED", "false")
	t.Setenv("LOWPASSD_BROKER_CONNECT_TIMEOUT", "30")

	cfg := LoadFromEnv()

	if cfg.Broker.URL != "tcp://broker.example:1883" {
		t.Errorf("broker url override not applied: %q", cfg.Broker.URL)
	}
	if cfg.Broker.SampleTopic != "plant/+/raw" {
		t.Errorf("sample topic override not applied: %q", cfg.Broker.SampleTopic)
	}
	if cfg.Checkpoint.DataDir != "/var/lib/lowpassd" {
		t.Errorf("data dir override not applied: %q", cfg.Checkpoint.DataDir)
	}
	if cfg.Observability.MetricsEnabled {
		t.Error("metrics enabled override not applied")
	}
	if cfg.Broker.ConnectTimeout != 30*time.Second {
		t.Errorf("connect timeout seconds fallback not applied: %v", cfg.Broker.ConnectTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnvVars(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
broker:
  url: "tcp://broker:1883"
  sample_topic: "sensors/+/state"
  output_topic_prefix: "filtered"
  qos: 0
checkpoint:
  data_dir: "/data/lp"
logging:
  level: "DEBUG"
sensors:
  - source: power_meter
    tau: 60
    deadband: 0.5
    min_rate_dt: 600
    max_rate_dt: 5
  - source: outdoor_temp
    name: "Outdoor (Smoothed)"
    tau: 300
patterns:
  - match: "temp_*"
    tau: 120
    deadband_k_sigma: 3.0
    prefix: "sm_"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Broker.URL != "tcp://broker:1883" {
		t.Errorf("broker url = %q", cfg.Broker.URL)
	}
	if cfg.Broker.OutputTopicPrefix != "filtered" {
		t.Errorf("output topic prefix = %q", cfg.Broker.OutputTopicPrefix)
	}
	if cfg.Broker.QoS != 0 {
		t.Errorf("qos = %d, want explicit 0", cfg.Broker.QoS)
	}
	if cfg.Checkpoint.DataDir != "/data/lp" {
		t.Errorf("data dir = %q", cfg.Checkpoint.DataDir)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if len(cfg.Sensors) != 2 {
		t.Fatalf("sensors = %d, want 2", len(cfg.Sensors))
	}
	if cfg.Sensors[0].Source != "power_meter" {
		t.Errorf("sensors[0].Source = %q", cfg.Sensors[0].Source)
	}
	if cfg.Sensors[0].Deadband == nil || *cfg.Sensors[0].Deadband != 0.5 {
		t.Errorf("sensors[0].Deadband = %v, want 0.5", cfg.Sensors[0].Deadband)
	}
	if cfg.Sensors[1].Name != "Outdoor (Smoothed)" {
		t.Errorf("sensors[1].Name = %q", cfg.Sensors[1].Name)
	}
	if len(cfg.Patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(cfg.Patterns))
	}
	if cfg.Patterns[0].Match != "temp_*" {
		t.Errorf("patterns[0].Match = %q", cfg.Patterns[0].Match)
	}
	if cfg.Patterns[0].DeadbandKSigma == nil || *cfg.Patterns[0].DeadbandKSigma != 3.0 {
		t.Errorf("patterns[0].DeadbandKSigma = %v, want 3.0", cfg.Patterns[0].DeadbandKSigma)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnvVars(t)
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults, got %v", err)
	}
	if cfg.Broker.URL != "tcp://localhost:1883" {
		t.Errorf("expected defaults, got broker url %q", cfg.Broker.URL)
	}
}

func TestLoadFromFile_EnvWinsOverFile(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("LOWPASSD_BROKER_URL", "tcp://env:1883")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  url: \"tcp://file:1883\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.URL != "tcp://env:1883" {
		t.Errorf("env should win over file, got %q", cfg.Broker.URL)
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestResolve_Defaults(t *testing.T) {
	p, err := FilterSettings{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Tau != 60 {
		t.Errorf("Tau = %v, want 60", p.Tau)
	}
	if p.FixedDeadband {
		t.Error("expected adaptive deadband by default")
	}
	if p.KSigma != 2.0 {
		t.Errorf("KSigma = %v, want 2", p.KSigma)
	}
	if p.TauSigma != 6000 {
		t.Errorf("TauSigma = %v, want 100*tau = 6000", p.TauSigma)
	}
	if p.MinRateDt != 3600 {
		t.Errorf("MinRateDt = %v, want 3600", p.MinRateDt)
	}
	if p.MaxRateDt != 10 {
		t.Errorf("MaxRateDt = %v, want 10", p.MaxRateDt)
	}
	if p.RoundOverride {
		t.Error("expected auto rounding by default")
	}
}

func TestResolve_TauSigmaFloor(t *testing.T) {
	p, err := FilterSettings{Tau: floatPtr(0.05)}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if p.TauSigma != 10 {
		t.Errorf("TauSigma = %v, want floor of 10", p.TauSigma)
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings FilterSettings
		wantErr  error
	}{
		{"zero tau", FilterSettings{Tau: floatPtr(0)}, ErrBadTau},
		{"negative tau", FilterSettings{Tau: floatPtr(-5)}, ErrBadTau},
		{"negative deadband", FilterSettings{Deadband: floatPtr(-1)}, ErrBadDeadband},
		{
			"fixed and adaptive",
			FilterSettings{Deadband: floatPtr(0.5), DeadbandKSigma: floatPtr(2)},
			ErrDeadbandConflict,
		},
		{
			"fixed and tau_sigma",
			FilterSettings{Deadband: floatPtr(0.5), DeadbandTauSigma: floatPtr(100)},
			ErrDeadbandConflict,
		},
		{"zero k_sigma", FilterSettings{DeadbandKSigma: floatPtr(0)}, ErrBadSigmaParams},
		{"zero tau_sigma", FilterSettings{DeadbandTauSigma: floatPtr(0)}, ErrBadSigmaParams},
		{
			"throttle swallows forced publish",
			FilterSettings{MinRateDt: floatPtr(10), MaxRateDt: floatPtr(10)},
			ErrRateBounds,
		},
		{"negative min_rate_dt", FilterSettings{MinRateDt: floatPtr(-1)}, ErrRateBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.settings.Resolve()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolve_MinRateZeroDisablesForcedPublish(t *testing.T) {
	// min_rate_dt: 0 means "never force"; any throttle is then allowed.
	p, err := FilterSettings{MinRateDt: floatPtr(0), MaxRateDt: floatPtr(30)}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.MinRateDt != 0 || p.MaxRateDt != 30 {
		t.Errorf("got min=%v max=%v", p.MinRateDt, p.MaxRateDt)
	}
}

func TestResolve_RoundOverrideClamped(t *testing.T) {
	p, err := FilterSettings{Round: intPtr(9)}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if !p.RoundOverride || p.RoundDigits != 6 {
		t.Errorf("RoundDigits = %v, want clamp to 6", p.RoundDigits)
	}
}

func TestRoundDigitsFor(t *testing.T) {
	tests := []struct {
		deadband float64
		want     int
	}{
		{0.5, 1},
		{0.05, 2},
		{0.001, 4},
		{1.0, 1},
		{5.0, 0},
		{50.0, 0},
		{1e-9, 6},
		{0, DefaultRoundDigits},
		{-1, DefaultRoundDigits},
	}
	for _, tt := range tests {
		if got := RoundDigitsFor(tt.deadband); got != tt.want {
			t.Errorf("RoundDigitsFor(%v) = %d, want %d", tt.deadband, got, tt.want)
		}
	}
}

func TestValidate_CollectsEntryErrors(t *testing.T) {
	cfg := LoadDefaults()
	cfg.Sensors = []SensorConfig{
		{Source: "good", FilterSettings: FilterSettings{Tau: floatPtr(60)}},
		{Source: "bad", FilterSettings: FilterSettings{Tau: floatPtr(-1)}},
		{FilterSettings: FilterSettings{}},
	}
	cfg.Patterns = []PatternConfig{
		{Match: "x_*"},
		{},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, ErrBadTau) {
		t.Errorf("expected ErrBadTau in joined error, got %v", err)
	}
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource in joined error, got %v", err)
	}
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected ErrNoMatch in joined error, got %v", err)
	}
}
