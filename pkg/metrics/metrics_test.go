package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackMessageCountsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("os2datascanner_pipeline_test", reg)

	require.NoError(t, m.TrackMessage(func() error { return nil }))
	require.Error(t, m.TrackMessage(func() error { return errors.New("boom") }))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveMessages))
}

func TestCountersByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("os2datascanner_pipeline_test", reg)

	m.IncMessagesReceived("os2ds_conversions")
	m.IncMessagesReceived("os2ds_conversions")
	m.IncMessagesPublished("os2ds_matches")
	m.IncMessagesDropped("aborted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("os2ds_conversions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("os2ds_matches")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("aborted")))
}

func TestServerProfilingToggle(t *testing.T) {
	srv, err := NewServer(":0", prometheus.NewRegistry())
	require.NoError(t, err)

	get := func(path string) int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusNotFound, get("/debug/statsviz/"))

	srv.SetProfiling(true)
	assert.True(t, srv.Profiling())
	assert.Equal(t, http.StatusOK, get("/debug/statsviz/"))
}
