package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, "validator", []*Sample{
		{Metric: "affine_scores", Labels: `{uid="1"}`, Time: base, Value: 0.5},
		{Metric: "affine_scores", Labels: `{uid="2"}`, Time: base, Value: 0.7},
		{Metric: "process_resident_memory_bytes", Labels: "{}", Time: base, Value: 1024},
	}))
	require.NoError(t, store.Append(ctx, "validator", []*Sample{
		{Metric: "affine_scores", Labels: `{uid="1"}`, Time: base.Add(time.Minute), Value: 0.6},
	}))
	require.NoError(t, store.Append(ctx, "runner", []*Sample{
		{Metric: "affine_scores", Labels: `{uid="1"}`, Time: base, Value: 9},
	}))

	t.Run("series", func(t *testing.T) {
		series, err := store.Series(ctx, "validator", "affine_scores", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, series, 2)

		assert.Equal(t, `{uid="1"}`, series[0].Labels)
		assert.Equal(t, []Point{{Time: base, Value: 0.5}, {Time: base.Add(time.Minute), Value: 0.6}}, series[0].Points)
		assert.Equal(t, `{uid="2"}`, series[1].Labels)
		assert.Equal(t, []Point{{Time: base, Value: 0.7}}, series[1].Points)
	})

	t.Run("series window", func(t *testing.T) {
		series, err := store.Series(ctx, "validator", "affine_scores", base.Add(time.Second), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, series, 1)
		assert.Len(t, series[0].Points, 1)
	})

	t.Run("metrics", func(t *testing.T) {
		names, err := store.Metrics(ctx, "validator")
		require.NoError(t, err)
		assert.Equal(t, []string{"affine_scores", "process_resident_memory_bytes"}, names)
	})

	t.Run("gaps", func(t *testing.T) {
		require.NoError(t, store.RecordGap(ctx, "validator", base.Add(time.Second*30), "connection refused"))
		require.NoError(t, store.RecordGap(ctx, "runner", base.Add(time.Second*45), "context deadline exceeded"))

		gaps, err := store.Gaps(ctx, "validator", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []*Gap{{Target: "validator", Time: base.Add(time.Second * 30), Reason: "connection refused"}}, gaps)

		gaps, err = store.Gaps(ctx, "", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, gaps, 2)
	})

	t.Run("prune", func(t *testing.T) {
		n, err := store.Prune(ctx, base.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		series, err := store.Series(ctx, "validator", "affine_scores", base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, series, 1)
		assert.Equal(t, 0.6, series[0].Points[0].Value)
	})
}

func TestStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metrics.db")
	now := time.Now().Truncate(time.Millisecond).UTC()

	store, err := OpenStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "validator", []*Sample{{Metric: "up", Labels: "{}", Time: now, Value: 1}}))
	require.NoError(t, store.Close())

	store, err = OpenStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	series, err := store.Series(ctx, "validator", "up", now, now)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, []Point{{Time: now, Value: 1}}, series[0].Points)
}

func newTestStore(t *testing.T) *Store {
	store, err := OpenStore(filepath.Join(t.TempDir(), "metrics.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
