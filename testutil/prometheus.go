package testutil

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// PromGaugeHasValue reports whether the named gauge with the given label
// values (in label-name order) exists with value.
func PromGaugeHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, label ...string) bool {
	t.Helper()
	v, ok := PromGaugeValue(t, metrics, name, label...)
	return ok && v == value
}

// PromGaugeValue returns the value of the named gauge whose label values,
// sorted by label name, equal label.
func PromGaugeValue(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) (float64, bool) {
	t.Helper()
	for _, family := range metrics {
		if family.GetName() != name {
			continue
		}
		ms := family.GetMetric()
	metricsLoop:
		for _, m := range ms {
			require.Equal(t, len(label), len(m.GetLabel()))
			for i, lv := range label {
				if lv != m.GetLabel()[i].GetValue() {
					continue metricsLoop
				}
			}
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

// PromFamilyMissing reports whether no family with the given name exists.
func PromFamilyMissing(metrics []*dto.MetricFamily, name string) bool {
	for _, family := range metrics {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return false
		}
	}
	return true
}
