package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Sessions.WithLabelValues("opened").Inc()
	m.ItemsSubmitted.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["popis_audit_sessions_total"])
	assert.True(t, names["popis_audit_items_submitted_total"])
}

func TestNewWithoutRegistry(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.ItemsSubmitted.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.ItemsSubmitted))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ItemsSubmitted))
}

func TestObserveMerge(t *testing.T) {
	m := New(nil)
	m.ObserveMerge(time.Now().Add(-time.Second), 4, 1, 0)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.MergedLots))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergeFailures.WithLabelValues("item")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.MergeFailures.WithLabelValues("product")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MergeDuration))
}
