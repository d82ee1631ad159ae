package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRegistry(t *testing.T) {
	t.Helper()
	registry = prometheus.NewRegistry()
	t.Cleanup(func() {
		registry = nil
		InitMetrics()
	})
	InitMetrics()
}

// seriesLabels returns the label sets exported for the metric with the given full name
func seriesLabels(t *testing.T, name string) []map[string]string {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestPartitionLabel(t *testing.T) {
	assert.Equal(t, "schema", PartitionLabel(" Schema "))
	assert.Equal(t, "dc=example,dc=com", PartitionLabel("DC=example,DC=com"))
	assert.Equal(t, "unknown", PartitionLabel(""))
}

func TestForgetPartitionDropsStoreSeries(t *testing.T) {
	withRegistry(t)

	StoreObjects.With("Domain").Set(10)
	StoreObjects.With("schema").Set(3)
	StoreLinks.With("domain").Set(4)
	PartitionHighestUSN.With("domain").Set(100)

	series := seriesLabels(t, "dcjoin_store_objects")
	require.Len(t, series, 2)

	ForgetPartition("DOMAIN")

	series = seriesLabels(t, "dcjoin_store_objects")
	require.Len(t, series, 1)
	assert.Equal(t, "schema", series[0]["partition"])
	assert.Empty(t, seriesLabels(t, "dcjoin_store_links"))
	assert.Empty(t, seriesLabels(t, "dcjoin_drs_partition_highest_usn"))
}

func TestMetricsCarryNodeLabel(t *testing.T) {
	withRegistry(t)

	BindTotal.With("success").Inc()

	series := seriesLabels(t, "dcjoin_drs_bind_total")
	require.Len(t, series, 1)
	assert.Contains(t, series[0], "node")
	assert.Equal(t, "success", series[0]["result"])
}

func TestNoopWithoutRegistry(t *testing.T) {
	registry = nil
	InitMetrics()

	assert.NotPanics(t, func() {
		StoreObjects.With("domain").Set(1)
		ForgetPartition("domain")
		PullPagesTotal.With("domain").Inc()
	})
}
