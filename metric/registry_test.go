package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

func TestNewMetricsRegistry_CoreMetricsRegistered(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	registry.Metrics.ConnectionStatus.Set(1)
	registry.Metrics.ClipsSaved.Inc()
	registry.Metrics.EventsReceived.WithLabelValues("ReplayBufferSaved").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rlreplay_connection_status"])
	assert.True(t, names["rlreplay_clips_saved_total"])
	assert.True(t, names["rlreplay_events_received_total"])
	assert.True(t, names["go_goroutines"], "runtime collectors should be attached")
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cue_test_total",
		Help:      "test counter",
	})

	require.NoError(t, registry.RegisterCounter("cue", "cue_test_total", counter))

	assert.True(t, registry.Unregister("cue", "cue_test_total"))
	assert.False(t, registry.Unregister("cue", "cue_test_total"))
}

func TestMetricsRegistry_DuplicateNameRejected(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "dup_gauge", Help: "h",
	})
	second := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "dup_gauge_other", Help: "h",
	})

	require.NoError(t, registry.RegisterGauge("session", "g", first))

	err := registry.RegisterGauge("session", "g", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_PrometheusConflictRejected(t *testing.T) {
	registry := NewMetricsRegistry()

	newCounter := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "conflict_total", Help: "h",
		})
	}

	require.NoError(t, registry.RegisterCounter("a", "m1", newCounter()))

	// Same descriptor under a different key still conflicts in prometheus.
	err := registry.RegisterCounter("b", "m2", newCounter())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
