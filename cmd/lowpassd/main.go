// Package main provides the lowpassd CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowpassd/lowpassd/pkg/broker"
	"github.com/lowpassd/lowpassd/pkg/checkpoint"
	"github.com/lowpassd/lowpassd/pkg/config"
	"github.com/lowpassd/lowpassd/pkg/observability"
	"github.com/lowpassd/lowpassd/pkg/registry"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lowpassd",
		Short: "lowpassd - Time-aware low-pass filtering for noisy sensor streams",
		Long: `lowpassd subscribes to raw sensor readings over MQTT, smooths each
stream with a time-aware exponential low-pass filter, and republishes
only the changes that matter.

Features:
  • Irregular-interval filtering (alpha derived from actual dt)
  • Fixed or noise-adaptive deadband suppression
  • Dual rate bounds: publish throttle plus liveness keepalive
  • Silence detection with synthetic sample injection
  • Checkpointed restarts with no re-learning spike`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lowpassd v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the filtering daemon",
		Long:  "Start the daemon: connect to the broker, attach configured sensors, and filter until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", getEnvStr("LOWPASSD_CONFIG", ""), "Config file path (default: search standard locations)")
	serveCmd.Flags().String("broker-url", getEnvStr("LOWPASSD_BROKER_URL", ""), "MQTT broker URL, e.g. tcp://localhost:1883")
	serveCmd.Flags().String("data-dir", getEnvStr("LOWPASSD_DATA_DIR", ""), "Checkpoint data directory")
	serveCmd.Flags().String("metrics-addr", getEnvStr("LOWPASSD_METRICS_ADDR", ""), "Prometheus listen address, e.g. :9090")
	serveCmd.Flags().Bool("no-metrics", false, "Disable the metrics endpoint")
	serveCmd.Flags().String("log-level", getEnvStr("LOWPASSD_LOG_LEVEL", ""), "Log level: DEBUG, INFO, WARN, ERROR")
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE:  runCheckConfig,
	}
	checkCmd.Flags().String("config", getEnvStr("LOWPASSD_CONFIG", ""), "Config file path (default: search standard locations)")
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if configPath == "" {
		return config.LoadFromEnv(), "", nil
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

// newLogger builds the daemon logger: stdout always, plus an append
// file when configured.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, *os.File) {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	var f *os.File
	if cfg.Path != "" {
		var err error
		f, err = os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file %s: %v\n", cfg.Path, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), f
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath != "" {
		fmt.Printf("📄 Loaded config from: %s\n", configPath)
	}

	// Flags override file and environment.
	if v, _ := cmd.Flags().GetString("broker-url"); v != "" {
		cfg.Broker.URL = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Checkpoint.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetBool("no-metrics"); v {
		cfg.Observability.MetricsEnabled = false
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logFile := newLogger(cfg.Logging)
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("starting lowpassd", "version", version, "config", cfg.String())

	var store *checkpoint.Store
	if cfg.Checkpoint.InMemory {
		store, err = checkpoint.OpenInMemory()
	} else {
		store, err = checkpoint.Open(cfg.Checkpoint.DataDir)
	}
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer store.Close()

	var metrics *observability.Metrics
	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	client, err := broker.Connect(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()

	reg, err := registry.New(cfg, store, client, metrics, logger)
	if err != nil {
		return fmt.Errorf("building sensor registry: %w", err)
	}

	if err := client.Subscribe(reg.HandleSample); err != nil {
		return fmt.Errorf("subscribing to samples: %w", err)
	}

	fmt.Println()
	fmt.Println("✅ lowpassd is ready!")
	fmt.Println()
	fmt.Printf("  • Broker:   %s\n", cfg.Broker.URL)
	fmt.Printf("  • Samples:  %s\n", cfg.Broker.SampleTopic)
	fmt.Printf("  • Outputs:  %s/<sensor>/state\n", cfg.Broker.OutputTopicPrefix)
	fmt.Printf("  • Sensors:  %d configured, %d patterns\n", len(cfg.Sensors), len(cfg.Patterns))
	if cfg.Observability.MetricsEnabled {
		fmt.Printf("  • Metrics:  http://localhost%s/metrics\n", cfg.Observability.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	reg.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	fmt.Println("✅ Stopped gracefully")
	return nil
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if configPath == "" {
		fmt.Println("✅ Config OK (environment + defaults, no file found)")
	} else {
		fmt.Printf("✅ Config OK: %s\n", configPath)
	}
	fmt.Printf("   %d sensors, %d patterns\n", len(cfg.Sensors), len(cfg.Patterns))
	return nil
}

func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
