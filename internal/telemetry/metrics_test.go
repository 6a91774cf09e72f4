package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.Transition("act", "SUCCESS")
	m.Rejection("TERMINAL_STATUS")
	m.TxRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stageline_transitions_total{kind="act",outcome_type="SUCCESS"} 1`)
	assert.Contains(t, string(body), `stageline_transition_rejections_total{code="TERMINAL_STATUS"} 1`)
	assert.Contains(t, string(body), "stageline_tx_retries_total 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("act", "ACTIVE")
	m.Rejection("X")
	m.TxRetry()
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), Options{}))
	_, span := Start(context.Background(), Tracer("test"), "noop", "acme")
	assert.False(t, span.SpanContext().IsValid())
	End(span, nil)
	require.NoError(t, Shutdown(context.Background()))
}
