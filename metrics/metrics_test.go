package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveResult("ok")
	m.ObserveResult("ok")
	m.ObserveResult("timeout")
	m.ObserveDuration("starlark", 20*time.Millisecond)
	m.InFlight.Inc()
	m.CacheHit.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Results.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Results.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `openeo_udf_results_total{outcome="ok"} 2`)
	assert.Contains(t, body, "openeo_udf_execution_duration_seconds_bucket")
	assert.Contains(t, body, "openeo_udf_cache_hits_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestNewIsIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveResult("ok")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Results.WithLabelValues("ok")))
}
