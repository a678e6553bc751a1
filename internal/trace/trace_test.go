package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	tr := New(LevelInfo, &buf)

	tr.Errorf("frame", "fatal %d", 1)
	tr.Infof("heap", "block %d", 2)
	tr.Debugf("heap", "split %d", 3)

	out := buf.String()
	assert.Contains(t, out, "[error] [frame] fatal 1")
	assert.Contains(t, out, "[info] [heap] block 2")
	assert.NotContains(t, out, "split 3")

	stats := tr.GetStats()
	assert.Equal(t, uint64(2), stats["events_logged"])
	assert.Equal(t, uint64(1), stats["events_dropped"])
}

func TestNilOutputDropsEverything(t *testing.T) {
	tr := New(LevelDebug, nil)

	assert.False(t, tr.Enabled(LevelError))
	tr.Errorf("frame", "ignored")
	assert.Equal(t, uint64(0), tr.GetStats()["events_logged"])
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard.Enabled(LevelError))
	Discard.Infof("heap", "ignored")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "off", LevelOff.String())
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}
