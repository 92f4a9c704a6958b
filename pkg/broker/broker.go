// Package broker connects the filter pipeline to an MQTT broker. It
// subscribes to a raw-sample topic filter whose single-level wildcard
// segment carries the sensor ID, and publishes filtered outputs with
// telemetry attributes under a configurable topic prefix.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lowpassd/lowpassd/pkg/config"
	"github.com/lowpassd/lowpassd/pkg/lowpass"
)

// ErrNoWildcard reports a sample topic filter without a single-level
// wildcard to carry the sensor ID.
var ErrNoWildcard = errors.New("sample topic filter has no + wildcard segment")

// Sample is the inbound raw reading payload.
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Output is the outbound filtered value payload. The telemetry fields
// mirror the filter snapshot at publish time.
type Output struct {
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Raw       float64   `json:"raw"`
	Forced    bool      `json:"forced,omitempty"`
	Converged bool      `json:"converged,omitempty"`

	Mode        string   `json:"mode"`
	Deadband    *float64 `json:"deadband,omitempty"`
	Sigma       *float64 `json:"sigma,omitempty"`
	DtMean      float64  `json:"dt_mean"`
	RoundDigits int      `json:"round_digits"`
	Samples     uint64   `json:"samples"`
	Synthetic   uint64   `json:"synthetic_ticks"`
	Publishes   uint64   `json:"publishes"`
}

// SampleHandler receives each decoded raw sample.
type SampleHandler func(sensorID string, value float64, ts time.Time)

// Client wraps the MQTT session.
type Client struct {
	cfg    config.BrokerConfig
	client mqtt.Client
	logger *slog.Logger
}

// Connect dials the broker and blocks until the session is up or the
// configured timeout elapses.
func Connect(cfg config.BrokerConfig, logger *slog.Logger) (*Client, error) {
	if wildcardIndex(cfg.SampleTopic) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoWildcard, cfg.SampleTopic)
	}

	// Unordered dispatch: the sample handler publishes synchronously,
	// which paho forbids under ordered delivery. Two samples for one
	// sensor arriving swapped are resolved downstream, where the older
	// timestamp is dropped by the filter's clock-regression check.
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("broker connected", "url", cfg.URL)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("broker connect timed out after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &Client{cfg: cfg, client: c, logger: logger}, nil
}

// Subscribe registers the sample handler on the configured topic
// filter. Malformed payloads and topics are logged and dropped.
//
// Payload timestamps are assumed to track wall clock: the silence
// timers run on real time, so a stream whose timestamps lag by more
// than the silence threshold is treated as a silent sensor and gets
// synthetic injection.
func (c *Client) Subscribe(handler SampleHandler) error {
	token := c.client.Subscribe(c.cfg.SampleTopic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		sensorID, ok := sensorIDFromTopic(c.cfg.SampleTopic, msg.Topic())
		if !ok {
			c.logger.Warn("sample topic does not match filter", "topic", msg.Topic())
			return
		}
		sample, err := parseSample(msg.Payload())
		if err != nil {
			c.logger.Warn("dropping malformed sample", "sensor", sensorID, "error", err)
			return
		}
		ts := sample.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		handler(sensorID, sample.Value, ts)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", c.cfg.SampleTopic, err)
	}
	c.logger.Info("subscribed to samples", "topic", c.cfg.SampleTopic)
	return nil
}

// PublishFiltered publishes a filtered value with its telemetry
// attributes. The topic is <prefix>/<sensorID>/state.
func (c *Client) PublishFiltered(sensorID string, d lowpass.Decision, snap lowpass.Snapshot, ts time.Time) error {
	out := Output{
		SensorID:    sensorID,
		Value:       d.Value,
		Timestamp:   ts,
		Raw:         d.Raw,
		Forced:      d.Forced,
		Converged:   d.Converged,
		Mode:        snap.Mode.String(),
		DtMean:      snap.DtMean,
		RoundDigits: snap.RoundDigits,
		Samples:     snap.Samples,
		Synthetic:   snap.SyntheticTicks,
		Publishes:   snap.Publishes,
	}
	if d.Deadband > 0 {
		db := d.Deadband
		out.Deadband = &db
	}
	if snap.SigmaDefined && !math.IsNaN(snap.Sigma) {
		sigma := snap.Sigma
		out.Sigma = &sigma
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal output for %q: %w", sensorID, err)
	}
	topic := outputTopic(c.cfg.OutputTopicPrefix, sensorID)
	token := c.client.Publish(topic, c.cfg.QoS, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", topic, err)
	}
	return nil
}

// Close unsubscribes and disconnects, letting in-flight messages
// drain briefly.
func (c *Client) Close() {
	token := c.client.Unsubscribe(c.cfg.SampleTopic)
	token.WaitTimeout(time.Second)
	c.client.Disconnect(250)
}

func parseSample(payload []byte) (Sample, error) {
	var s Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return Sample{}, err
	}
	return s, nil
}

func outputTopic(prefix, sensorID string) string {
	return prefix + "/" + sensorID + "/state"
}

// wildcardIndex returns the segment index of the first single-level
// wildcard in a topic filter, or -1.
func wildcardIndex(filter string) int {
	for i, seg := range strings.Split(filter, "/") {
		if seg == "+" {
			return i
		}
	}
	return -1
}

// sensorIDFromTopic extracts the sensor ID from a concrete topic given
// the subscription filter whose + segment carries it.
func sensorIDFromTopic(filter, topic string) (string, bool) {
	idx := wildcardIndex(filter)
	if idx < 0 {
		return "", false
	}
	parts := strings.Split(topic, "/")
	if idx >= len(parts) {
		return "", false
	}
	if len(parts) != len(strings.Split(filter, "/")) {
		return "", false
	}
	id := parts[idx]
	if id == "" {
		return "", false
	}
	return id, true
}
