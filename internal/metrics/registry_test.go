package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, fams []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestRegistryGathers(t *testing.T) {
	r := NewRegistry()
	r.Duplicates.Inc()
	r.DLTRoutes.WithLabelValues("schema_invalid").Add(2)
	r.BatchSize.Set(50)

	fams, err := r.Prometheus().Gather()
	require.NoError(t, err)

	dup := family(t, fams, "marketflow_duplicates_dropped_total")
	assert.Equal(t, float64(1), dup.GetMetric()[0].GetCounter().GetValue())

	dlt := family(t, fams, "marketflow_dlt_routed_total")
	require.Len(t, dlt.GetMetric(), 1)
	assert.Equal(t, float64(2), dlt.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, "schema_invalid", dlt.GetMetric()[0].GetLabel()[0].GetValue())

	batch := family(t, fams, "marketflow_batch_size")
	assert.Equal(t, float64(50), batch.GetMetric()[0].GetGauge().GetValue())
}

func TestIsolatedRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := NewRegistry()
	b := NewRegistry()
	a.Duplicates.Inc()

	fams, err := b.Prometheus().Gather()
	require.NoError(t, err)
	dup := family(t, fams, "marketflow_duplicates_dropped_total")
	assert.Equal(t, float64(0), dup.GetMetric()[0].GetCounter().GetValue())
}
