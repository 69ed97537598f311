package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "auto")
	require.NoError(t, err)
	logger.Debug("hello", "n", 3)
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "non-terminal writers get json: %q", buf.String())

	buf.Reset()
	logger, err = NewLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "msg=kept")

	_, err = NewLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveIteration(0.3, 0.1, 0.2, 0, 0.05, 0.04, 0)
	m.ObserveIteration(0.2, 0.1, 0.1, 0, 0.05, 0.04, 0)
	m.ObserveEstimator("exact", 20*time.Millisecond)
	m.IncCheckpoints()
	m.IncRuns("full_ensemble", "converged")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Iterations))
	assert.Equal(t, 0.2, testutil.ToFloat64(m.Cost.WithLabelValues("total")))
	assert.Equal(t, 0.04, testutil.ToFloat64(m.LearningRate.WithLabelValues("J")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("full_ensemble", "converged")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maxent_training_iterations_total 2")
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.ObserveIteration(1, 1, 1, 1, 1, 1, 1)
	m.ObserveEstimator("exact", time.Second)
	m.IncCheckpoints()
	m.IncRuns("a", "b")
}

func TestInitTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(&buf)
	require.NoError(t, err)
	_, span := otel.Tracer(TracerName).Start(context.Background(), "unit-span")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "unit-span")
}
