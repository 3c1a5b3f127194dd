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

	"github.com/jveski/warden/internal/lifecycle"
	"github.com/jveski/warden/internal/supervisor"
)

func TestExporter(t *testing.T) {
	e := NewExporter()

	e.WorkloadStatus("runner", lifecycle.StatusRunning)
	e.WorkloadStatus("runner", lifecycle.StatusFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.workloadStatus.WithLabelValues("runner", "Failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.workloadStatus.WithLabelValues("runner", "Running")))

	e.WorkloadRestarted("runner")
	e.WorkloadRestarted("runner")
	assert.Equal(t, 2.0, testutil.ToFloat64(e.workloadRestarts.WithLabelValues("runner")))

	e.ReplacementFinished("validator", supervisor.OutcomeReplaced)
	e.ReplacementFinished("validator", supervisor.OutcomeUpToDate)
	e.RegistryPollFailed("validator")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.replacements.WithLabelValues("validator", "replaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.registryPollFailure.WithLabelValues("validator")))

	e.ScrapeFinished("validator", time.Millisecond*20, nil)
	e.ScrapeFinished("validator", time.Second, errors.New("connection refused"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.scrapeFailures.WithLabelValues("validator")))
	assert.Equal(t, 1, testutil.CollectAndCount(e.scrapeDuration))

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `warden_workload_status{status="Failed",workload="runner"} 1`)
	assert.Contains(t, string(body), `warden_replacements_total{outcome="replaced",workload="validator"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
