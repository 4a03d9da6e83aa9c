package flow

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintIDUnique(t *testing.T) {
	a, b := MintID(), MintID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestCheckpointRecordsElapsedFromFirstSighting(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time { return clock }

	l.Checkpoint("f1", CheckpointReceived, nil)
	clock = clock.Add(25 * time.Millisecond)
	l.Checkpoint("f1", CheckpointParsed, map[string]any{"symbol": "AAPL"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	assert.Equal(t, "f1", first["flow_id"])
	assert.Equal(t, CheckpointReceived, first["checkpoint"])
	assert.EqualValues(t, 0, first["elapsed_since_start_ms"])

	assert.Equal(t, CheckpointParsed, second["checkpoint"])
	assert.EqualValues(t, 25, second["elapsed_since_start_ms"])
	assert.Equal(t, "AAPL", second["symbol"])
}

func TestDeliveredCheckpointEndsTracking(t *testing.T) {
	l := NewLogger(zerolog.Nop())

	l.Checkpoint("f1", CheckpointReceived, nil)
	l.Checkpoint("f2", CheckpointReceived, nil)
	assert.Equal(t, 2, l.Tracked())

	l.Checkpoint("f1", CheckpointDelivered, nil)
	assert.Equal(t, 1, l.Tracked())
}

func TestEmptyFlowIDIgnored(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.Checkpoint("", CheckpointReceived, nil)
	assert.Zero(t, l.Tracked())
}

func TestSweepEvictsStaleFlows(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time { return clock }

	l.Checkpoint("stale", CheckpointReceived, nil)
	clock = clock.Add(flowTTL + time.Second)

	l.mu.Lock()
	l.sweepLocked(l.now())
	l.mu.Unlock()
	assert.Zero(t, l.Tracked())
}
