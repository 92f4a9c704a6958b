package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorIDFromTopic(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		topic  string
		wantID string
		wantOK bool
	}{
		{"middle segment", "sensors/+/state", "sensors/power_meter/state", "power_meter", true},
		{"first segment", "+/state", "kitchen_temp/state", "kitchen_temp", true},
		{"last segment", "raw/+", "raw/boiler", "boiler", true},
		{"segment count mismatch", "sensors/+/state", "sensors/a/b/state", "", false},
		{"empty id segment", "sensors/+/state", "sensors//state", "", false},
		{"no wildcard in filter", "sensors/state", "sensors/state", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := sensorIDFromTopic(tt.filter, tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestParseSample(t *testing.T) {
	s, err := parseSample([]byte(`{"value": 10.4, "timestamp": "2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 10.4, s.Value)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), s.Timestamp.UTC())
}

func TestParseSample_MissingTimestamp(t *testing.T) {
	s, err := parseSample([]byte(`{"value": 3.5}`))
	require.NoError(t, err)
	assert.Equal(t, 3.5, s.Value)
	assert.True(t, s.Timestamp.IsZero())
}

func TestParseSample_Malformed(t *testing.T) {
	_, err := parseSample([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseSample([]byte(`{"value": "twelve"}`))
	assert.Error(t, err)
}

func TestOutputTopic(t *testing.T) {
	assert.Equal(t, "lowpass/power_meter/state", outputTopic("lowpass", "power_meter"))
}
