package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// parseExposition converts a text exposition payload into samples. Counters, gauges, and untyped values are taken
// as-is; summaries and histograms contribute their _sum and _count series. Non-finite values are dropped.
func parseExposition(r io.Reader, now time.Time) ([]*Sample, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parsing exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := []*Sample{}
	add := func(name string, m *dto.Metric, value float64) {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return
		}
		ts := now
		if m.TimestampMs != nil {
			ts = time.UnixMilli(m.GetTimestampMs())
		}
		samples = append(samples, &Sample{Metric: name, Labels: labelString(m.GetLabel()), Time: ts, Value: value})
	}

	for _, name := range names {
		family := families[name]
		for _, m := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				add(name, m, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, m, m.GetGauge().GetValue())
			case dto.MetricType_UNTYPED:
				add(name, m, m.GetUntyped().GetValue())
			case dto.MetricType_SUMMARY:
				add(name+"_sum", m, m.GetSummary().GetSampleSum())
				add(name+"_count", m, float64(m.GetSummary().GetSampleCount()))
			case dto.MetricType_HISTOGRAM:
				add(name+"_sum", m, m.GetHistogram().GetSampleSum())
				add(name+"_count", m, float64(m.GetHistogram().GetSampleCount()))
			}
		}
	}
	return samples, nil
}

func labelString(pairs []*dto.LabelPair) string {
	set := model.LabelSet{}
	for _, pair := range pairs {
		set[model.LabelName(pair.GetName())] = model.LabelValue(pair.GetValue())
	}
	return set.String()
}
