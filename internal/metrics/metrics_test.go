package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/factory-update/internal/version"
)

// TestCounters verifies each watcher hook moves its own collector.
func TestCounters(t *testing.T) {
	t.Parallel()

	m := New()

	m.IncRuns()
	m.IncRuns()
	m.IncUpdates()
	m.IncError(StagePublish)
	m.IncInvalidArchive()
	m.ObservePublishDuration(0.3)

	require.InDelta(t, 2, testutil.ToFloat64(m.runsTotal), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.updatesTotal), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues(StagePublish)), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.errorsTotal.WithLabelValues(StagePointer)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.invalidArchivesTotal), 0)
	require.Equal(t, 1, testutil.CollectAndCount(m.publishDuration))
}

// TestSetLatest verifies only the newest hash keeps a series.
func TestSetLatest(t *testing.T) {
	t.Parallel()

	m := New()

	m.SetLatest("h1")
	m.SetLatest("h2")

	require.Equal(t, 1, testutil.CollectAndCount(m.latestInfo))
	require.InDelta(t, 1, testutil.ToFloat64(m.latestInfo.WithLabelValues("h2")), 0)
}

// TestSetDaemonUp verifies the gauge toggles.
func TestSetDaemonUp(t *testing.T) {
	t.Parallel()

	m := New()

	m.SetDaemonUp(true)
	require.InDelta(t, 1, testutil.ToFloat64(m.daemonUp), 0)

	m.SetDaemonUp(false)
	require.InDelta(t, 0, testutil.ToFloat64(m.daemonUp), 0)
}

// TestHandler verifies the exposition includes the watcher and runtime collectors.
func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetBuildInfo(version.Get())
	m.IncRuns()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, "factory_update_runs_total")
	require.Contains(t, body, "factory_update_daemon_up")
	require.Contains(t, body, "factory_update_build_info")
	require.Contains(t, body, "go_goroutines")
}
