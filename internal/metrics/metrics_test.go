package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simgate/internal/metrics"
)

func TestRecorders(t *testing.T) {
	m := metrics.New()
	m.Challenge("stripe", false)
	m.Challenge("stripe", true)
	m.Challenge("stripe", true)
	m.TokenIssued()
	m.Redemption("redeemed")
	m.Execution("succeeded", 1500*time.Millisecond)
	m.Swept("payment_tokens", 3)
	m.Swept("payment_tokens", 0)

	count, err := testutil.GatherAndCount(m.Registry(), "simgate_payments_challenges_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `simgate_payments_challenges_total{provider="stripe",reused="true"} 2`)
	assert.Contains(t, body, `simgate_sweeper_expired_rows_total{table="payment_tokens"} 3`)
	assert.True(t, strings.Contains(body, "simgate_tokens_issued_total 1"))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	m.Challenge("crypto", false)
	m.Webhook("crypto", "ignored")
	m.UsageDropped()
	m.Request("GET", "/health", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
