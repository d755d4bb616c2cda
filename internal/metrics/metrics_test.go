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

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Notifications.WithLabelValues("applied").Inc()
	m.ReconciliationGaps.WithLabelValues("inventory_unavailable").Add(2)
	m.ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconciliationGaps.WithLabelValues("inventory_unavailable")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `tixpay_notifications_total{outcome="applied"} 1`)
	assert.Contains(t, body, `tixpay_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"} 1`)
}

func TestNewIsIndependent(t *testing.T) {
	a, b := New(), New()
	a.Reservations.WithLabelValues("created").Inc()

	assert.Equal(t, 0.0, testutil.ToFloat64(b.Reservations.WithLabelValues("created")))
}
