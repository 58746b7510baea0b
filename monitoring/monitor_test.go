package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ExposesReport(t *testing.T) {
	m := NewMonitor()
	m.Report.Transitions.Committed.Add(3)
	m.Report.Sync.DeadLettered.Inc()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m.GetPrometheusCollector()))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["consignment_transitions_committed"])
	assert.Equal(t, 1.0, values["consignment_sync_dead_lettered"])
}

func TestMonitor_HealthFollowsDegraded(t *testing.T) {
	m := NewMonitor()

	rec := httptest.NewRecorder()
	m.OnGetHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.Report.Ledger.Degraded.Store(1)
	rec = httptest.NewRecorder()
	m.OnGetHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
