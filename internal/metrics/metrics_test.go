package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_EmitsStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(zerolog.New(&buf).Level(zerolog.DebugLevel))

	c.TransitionsStored(4, 10, 2)
	c.CheckpointSaved("latest", 10, 512, 3*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &stored))
	assert.Equal(t, "transitions_stored", stored["metric"])
	assert.Equal(t, float64(4), stored["count"])
	assert.Equal(t, float64(2), stored["total_stored"])

	var saved map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &saved))
	assert.Equal(t, "checkpoint_saved", saved["metric"])
	assert.Equal(t, "latest", saved["name"])
}

func TestCollector_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(zerolog.New(&buf).Level(zerolog.InfoLevel))

	c.BatchSampled(32, false, time.Millisecond)
	assert.Empty(t, buf.String())

	c.SampleRejected(32, 4, "insufficient")
	assert.Contains(t, buf.String(), "sample_rejected")
}
