package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.NodeWrite("create")
		m.EdgeWrite("continuation")
		m.Search("hybrid", true, time.Millisecond)
		m.Backfill(1, 1, time.Second)
		m.Migration("applied")
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.NodeWrite("create")
	m.NodeWrite("create")
	m.NodeWrite("update")
	m.Search("keyword", true, 10*time.Millisecond)
	m.Backfill(3, 1, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodeWrites.WithLabelValues("create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeWrites.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchDegraded))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EmbeddingsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillFailures))
}
