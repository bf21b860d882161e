package metric

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersCoreMetrics(t *testing.T) {
	registry := NewRegistry()
	require.NotNil(t, registry.CoreMetrics())

	// Core metrics are usable immediately
	registry.Metrics.EventsConsumed.WithLabelValues("post_created", "acked").Inc()
	registry.Metrics.BrokerConnected.Set(1)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tagpipe_events_consumed_total"])
	assert.True(t, names["tagpipe_broker_connected"])
}

func TestRegisterCounterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_counter_total",
		Help:      "test",
	})

	require.NoError(t, registry.RegisterCounter("enrich", "test_counter", counter))
	assert.Error(t, registry.RegisterCounter("enrich", "test_counter", counter))
}

func TestUnregister(t *testing.T) {
	registry := NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "test_gauge",
		Help:      "test",
	})

	require.NoError(t, registry.RegisterGauge("graph", "test_gauge", gauge))
	assert.True(t, registry.Unregister("graph", "test_gauge"))
	assert.False(t, registry.Unregister("graph", "test_gauge"))

	// Re-registration succeeds after unregister
	assert.NoError(t, registry.RegisterGauge("graph", "test_gauge", gauge))
}

func TestHandlerServesMetrics(t *testing.T) {
	registry := NewRegistry()
	registry.Metrics.EventsPublished.WithLabelValues("post.created", "success").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	registry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tagpipe_events_published_total"))
}
