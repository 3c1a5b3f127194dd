package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP affine_scores Current miner scores.
# TYPE affine_scores gauge
affine_scores{uid="2",env="sat"} 0.75
affine_scores{uid="1",env="sat"} 0.5
# TYPE affine_weights_set_total counter
affine_weights_set_total 12
# TYPE affine_eval_seconds histogram
affine_eval_seconds_bucket{le="1"} 3
affine_eval_seconds_bucket{le="+Inf"} 4
affine_eval_seconds_sum 5.5
affine_eval_seconds_count 4
# TYPE affine_rpc_seconds summary
affine_rpc_seconds{quantile="0.5"} 0.2
affine_rpc_seconds_sum 1.5
affine_rpc_seconds_count 7
untyped_thing 3 1700000000000
# TYPE affine_broken gauge
affine_broken NaN
`

func TestParseExposition(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	samples, err := parseExposition(strings.NewReader(exposition), now)
	require.NoError(t, err)

	got := map[string]float64{}
	for _, s := range samples {
		got[s.Metric+s.Labels] = s.Value
	}
	assert.Equal(t, map[string]float64{
		`affine_scores{env="sat", uid="1"}`: 0.5,
		`affine_scores{env="sat", uid="2"}`: 0.75,
		`affine_weights_set_total{}`:        12,
		`affine_eval_seconds_sum{}`:         5.5,
		`affine_eval_seconds_count{}`:       4,
		`affine_rpc_seconds_sum{}`:          1.5,
		`affine_rpc_seconds_count{}`:        7,
		`untyped_thing{}`:                   3,
	}, got)

	for _, s := range samples {
		if s.Metric == "untyped_thing" {
			assert.Equal(t, int64(1700000000000), s.Time.UnixMilli(), "explicit timestamps are kept")
			continue
		}
		assert.Equal(t, now, s.Time)
	}
}

func TestParseExpositionInvalid(t *testing.T) {
	_, err := parseExposition(strings.NewReader("affine_scores{uid=\"1\" 0.5\n"), time.Now())
	assert.ErrorContains(t, err, "parsing exposition")
}
