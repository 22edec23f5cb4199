package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/sweep/internal/model"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(&model.ExecutionLog{Success: true}))
	assert.Equal(t, "partial", Outcome(&model.ExecutionLog{Partial: true}))
	assert.Equal(t, "failure", Outcome(&model.ExecutionLog{}))
}

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun(&model.ExecutionLog{
		ExecutionType: model.ExecutionScheduled,
		Partial:       true,
		ProcessedItems: []model.ProcessedItem{
			{Action: model.ActionDelete, Success: true},
			{Action: model.ActionDelete},
		},
	}, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("scheduled", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemActions.WithLabelValues("Delete", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemActions.WithLabelValues("Delete", "failure")))
}

func TestGauges(t *testing.T) {
	m := New()
	m.RunStarted()
	m.RunStarted()
	m.RunFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsInFlight))

	m.SetScheduledRules(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.scheduledRules))

	m.LogsPruned(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.logsPruned))
}

func TestObserveDownloadRequest(t *testing.T) {
	m := New()
	m.ObserveDownloadRequest("/torrents/mylist", 200, time.Millisecond)
	m.ObserveDownloadRequest("/torrents/mylist", 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadRequests.WithLabelValues("/torrents/mylist", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadRequests.WithLabelValues("/torrents/mylist", "error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/rules", "GET", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `sweep_http_requests_total{code="200",method="GET",route="/rules"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
