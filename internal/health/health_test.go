package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/health"
	"github.com/edgebridge/relay/internal/link"
	"github.com/edgebridge/relay/internal/model"
)

type stubScheduler struct {
	stats model.SchedulerStats
	err   error
}

func (s stubScheduler) Stats(ctx context.Context) (model.SchedulerStats, error) {
	return s.stats, s.err
}

type stubLink struct {
	state link.State
}

func (s stubLink) State() link.State { return s.state }

func TestHealth_ReportsSchedulerAndLinkSnapshot(t *testing.T) {
	sched := stubScheduler{stats: model.SchedulerStats{Pending: 2, Sent: 5}}
	l := stubLink{state: link.StateConnected}
	metrics := health.NewRecorder()
	surface := health.NewSurface(sched, l, metrics, nil)

	srv := httptest.NewServer(surface.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "connected", body["link_state"])
	scheduler := body["scheduler"].(map[string]any)
	assert.Equal(t, float64(2), scheduler["pending"])
	assert.Equal(t, float64(5), scheduler["sent"])
}

func TestReady_FalseUntilMarked(t *testing.T) {
	surface := health.NewSurface(nil, nil, nil, nil)
	srv := httptest.NewServer(surface.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	surface.MarkReady()

	resp2, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	resp2.Body.Close()
}

func TestLive_AlwaysOK(t *testing.T) {
	surface := health.NewSurface(nil, nil, nil, nil)
	srv := httptest.NewServer(surface.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_ExposesPrometheusCounters(t *testing.T) {
	metrics := health.NewRecorder()
	metrics.MessageReceived()
	metrics.MessageSent(true)
	metrics.CommandProcessed(false)

	surface := health.NewSurface(nil, nil, metrics, nil)
	srv := httptest.NewServer(surface.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
