package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/model"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSent(model.EnvelopeEvent, 10)
		m.SetStatus(model.StatusConnected)
		m.ObserveLatency(time.Millisecond)
		m.CacheLookup(true)
	})
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageSent(model.EnvelopeEvent, 100)
	m.MessageSent(model.EnvelopeEvent, 50)
	m.MessageReceived(model.EnvelopeAck, 20)
	m.SetStatus(model.StatusConnected)
	m.SetQueueDepth(3, 1, 7)
	m.EventDropped("rate_limited")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("event")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))

	expected := `
# HELP rtsync_events_dropped_total Inbound events dropped before reaching listeners.
# TYPE rtsync_events_dropped_total counter
rtsync_events_dropped_total{reason="rate_limited"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rtsync_events_dropped_total"))
}
