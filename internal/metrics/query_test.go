package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/warden/internal/api"
)

func TestQueryAPI(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().Add(-time.Minute).Truncate(time.Second).UTC()

	require.NoError(t, store.Append(ctx, "validator", []*Sample{
		{Metric: "affine_scores", Labels: `{uid="1"}`, Time: base, Value: 0.5},
		{Metric: "affine_scores", Labels: `{uid="1"}`, Time: base.Add(time.Second * 30), Value: 0.6},
	}))
	require.NoError(t, store.RecordGap(ctx, "validator", base.Add(time.Second*15), "connection refused"))

	agg := NewAggregator([]*api.MetricsTarget{{Workload: "validator", Address: "127.0.0.1", Port: 8001, Path: "/metrics", Interval: time.Second}}, store, nil, Options{}, zerolog.Nop())
	srv := httptest.NewServer(NewQueryHandler(agg, store, zerolog.Nop()))
	defer srv.Close()

	t.Run("targets", func(t *testing.T) {
		targets := []*TargetStatus{}
		get(t, srv.URL+"/api/v1/targets", 200, &targets)
		require.Len(t, targets, 1)
		assert.Equal(t, "validator", targets[0].Workload)
		assert.Equal(t, "http://127.0.0.1:8001/metrics", targets[0].URL)
		assert.Equal(t, "unknown", targets[0].Health)
	})

	t.Run("metrics", func(t *testing.T) {
		names := []string{}
		get(t, srv.URL+"/api/v1/metrics?target=validator", 200, &names)
		assert.Equal(t, []string{"affine_scores"}, names)
	})

	t.Run("series", func(t *testing.T) {
		series := []*Series{}
		get(t, srv.URL+"/api/v1/series?target=validator&metric=affine_scores", 200, &series)
		require.Len(t, series, 1)
		assert.Equal(t, []Point{{Time: base, Value: 0.5}, {Time: base.Add(time.Second * 30), Value: 0.6}}, series[0].Points)
	})

	t.Run("series window", func(t *testing.T) {
		series := []*Series{}
		url := fmt.Sprintf("%s/api/v1/series?target=validator&metric=affine_scores&from=%d", srv.URL, base.Add(time.Second).Unix())
		get(t, url, 200, &series)
		require.Len(t, series, 1)
		assert.Len(t, series[0].Points, 1)
	})

	t.Run("gaps", func(t *testing.T) {
		gaps := []*Gap{}
		get(t, srv.URL+"/api/v1/gaps?target=validator&from="+base.Format(time.RFC3339), 200, &gaps)
		require.Len(t, gaps, 1)
		assert.Equal(t, "connection refused", gaps[0].Reason)
	})

	t.Run("missing params", func(t *testing.T) {
		get(t, srv.URL+"/api/v1/series?target=validator", 400, nil)
		get(t, srv.URL+"/api/v1/metrics", 400, nil)
	})

	t.Run("bad window", func(t *testing.T) {
		get(t, srv.URL+"/api/v1/gaps?from=yesterday", 400, nil)
		get(t, srv.URL+"/api/v1/gaps?from=200&to=100", 400, nil)
	})

	t.Run("read only", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/series", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 405, resp.StatusCode)
	})
}

func TestParseWindow(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	from, to, err := parseWindow("", "", now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.Add(-time.Hour), from)

	from, to, err = parseWindow("2026-10-01T11:00:00Z", "1790856000", now)
	require.NoError(t, err)
	assert.True(t, from.Equal(time.Date(2026, 10, 1, 11, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1790856000), to.Unix())
}

func get(t *testing.T, url string, status int, v any) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}
