package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Fetch("api", "network")
		m.Install(true)
		m.PartitionDeleted()
		m.VersionNotified()
		m.Push("json")
		m.Replayed(false)
		m.QueueDepth(3)
	})
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.Fetch("tile", "hit")
	m.Fetch("tile", "hit")
	m.Fetch("api", "offline")
	m.Install(false)
	m.Replayed(true)
	m.QueueDepth(2)

	assert.InDelta(t, 2, testutil.ToFloat64(m.fetches.WithLabelValues("tile", "hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetches.WithLabelValues("api", "offline")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.installs.WithLabelValues("failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.replayEntries.WithLabelValues("ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.queueDepth), 0)
}
