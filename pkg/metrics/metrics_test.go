package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionCounters(t *testing.T) {
	c := New("tokengate")

	c.Decision("allowed", "", 20*time.Millisecond)
	c.Decision("denied", "budget_exceeded", time.Millisecond)
	c.Decision("denied", "budget_exceeded", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("allowed", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.decisions.WithLabelValues("denied", "budget_exceeded")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.admissionLatency))
}

func TestCostCounters(t *testing.T) {
	c := New("tokengate")

	c.Estimated("gpt-4", 0.06)
	c.Actual("gpt-4", 0.05)
	c.Overshoot("gpt-4", 0.01)
	c.Overshoot("gpt-4", 0.02)

	assert.InDelta(t, 0.06, testutil.ToFloat64(c.estimatedCost.WithLabelValues("gpt-4")), 1e-12)
	assert.InDelta(t, 0.05, testutil.ToFloat64(c.actualCost.WithLabelValues("gpt-4")), 1e-12)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.overshoots.WithLabelValues("gpt-4")))
	assert.InDelta(t, 0.03, testutil.ToFloat64(c.overshootCost.WithLabelValues("gpt-4")), 1e-12)
}

func TestHookAdapters(t *testing.T) {
	c := New("tokengate")

	c.AnomalyTrigger("loop")
	c.ReservationLeak("s1", 3)
	c.StoreRetry("reserve", 1, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.freezes.WithLabelValues("loop")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.leaks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeRetries.WithLabelValues("reserve")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("tokengate")
	c.Decision("denied", "session_frozen", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tokengate_decisions_total{outcome="denied",reason="session_frozen"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
