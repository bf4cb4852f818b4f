package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReadingGenerated()
		m.AlertEmitted("high")
		m.Sent("group", 3)
		m.SendFailed()
		m.SetConnections(2)
		m.SetGroups(1)
		m.ObserveTick(time.Second)
		m.OwnerFailed()
		m.SinkFailed("influx")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.AlertEmitted("high")
	m.AlertEmitted("high")
	m.Sent("owner", 4)
	m.Sent("owner", 0)
	m.SetConnections(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsEmitted.WithLabelValues("high")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("owner")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Connections))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ReadingGenerated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vineguard_simulator_readings_generated_total 1"))
}
