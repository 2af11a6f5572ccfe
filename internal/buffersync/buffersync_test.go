package buffersync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateMeanAndOr(t *testing.T) {
	c := New()

	agg := c.ReportBuffer("room-1", "conn-a", 0.8, false)
	assert.InDelta(t, 0.8, agg.AvgBufferProgress, 0.001)
	assert.False(t, agg.AnyBuffering)
	assert.Equal(t, 1, agg.Reporting)

	agg = c.ReportBuffer("room-1", "conn-b", 0.4, true)
	assert.InDelta(t, 0.6, agg.AvgBufferProgress, 0.001)
	// One buffering member marks the whole session as buffering.
	assert.True(t, agg.AnyBuffering)
	assert.Equal(t, 2, agg.Reporting)

	agg = c.ReportBuffer("room-1", "conn-b", 1.0, false)
	assert.InDelta(t, 0.9, agg.AvgBufferProgress, 0.001)
	assert.False(t, agg.AnyBuffering)
}

func TestAggregateIsolatedPerSession(t *testing.T) {
	c := New()
	c.ReportBuffer("room-1", "conn-a", 0.2, true)
	agg := c.Aggregate("room-2")
	assert.False(t, agg.AnyBuffering)
	assert.Zero(t, agg.Reporting)
}

func TestPruneConnection(t *testing.T) {
	c := New()
	c.ReportBuffer("room-1", "conn-a", 1.0, false)
	c.ReportBuffer("room-1", "conn-b", 0.0, true)

	c.PruneConnection("room-1", "conn-b")
	agg := c.Aggregate("room-1")
	assert.False(t, agg.AnyBuffering)
	assert.InDelta(t, 1.0, agg.AvgBufferProgress, 0.001)
	assert.Equal(t, 1, agg.Reporting)

	c.PruneConnection("room-1", "conn-a")
	assert.Zero(t, c.Aggregate("room-1").Reporting)
}

func TestDrop(t *testing.T) {
	c := New()
	c.ReportBuffer("room-1", "conn-a", 0.5, true)
	c.Drop("room-1")
	assert.Zero(t, c.Aggregate("room-1").Reporting)
}
