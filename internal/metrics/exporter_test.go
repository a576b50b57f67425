package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/logger"
)

func TestExporterServesCounters(t *testing.T) {
	logger.IncrementRestCall()
	logger.IncrementOrderRejection()

	e := NewExporter(func() int { return 2 }, nil)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "tradegate_rest_calls_total")
	assert.Contains(t, text, "tradegate_order_rejections_total")
	assert.Contains(t, text, "tradegate_critical_calls_pending 2")
	assert.Contains(t, text, "go_goroutines")
}

func TestExporterWithoutPendingGauge(t *testing.T) {
	e := NewExporter(nil, nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "critical_calls_pending")
}
