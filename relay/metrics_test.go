package relay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_UpdatesMetrics(t *testing.T) {
	tmp := t.TempDir()
	ledger, err := OpenLedger(filepath.Join(tmp, "ledger.log"))
	require.NoError(t, err)
	require.NoError(t, ledger.Add("u1_t0"))

	metrics := NewMetrics()
	sink := &mockSink{}
	sink.FailNext(1)
	src := &staticSource{recs: []RawRecord{
		{FieldUserID: "u1", FieldTimestamp: "t0"},
		{FieldUserID: "u1", FieldTimestamp: "t1"},
		{FieldUserID: "u1", FieldTimestamp: "t2"},
	}}
	r, err := NewRunner(RunnerConfig{
		Source:     src,
		Ledger:     ledger,
		Normalizer: NewNormalizer(SourceMLPipeline, StageLabeled),
		Sink:       sink,
		Metrics:    metrics,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer r.Close()

	r.RunOnce(context.Background())
	r.RunOnce(context.Background())

	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.RecordsFetched))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RecordsNew))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.RecordsSkipped))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RowsRelayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BatchesFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.LedgerSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cycles.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cycles.WithLabelValues("empty")))
}

func TestMetrics_RegistryGathers(t *testing.T) {
	m := NewMetrics()
	m.RowsRelayed.Add(3)
	n, err := testutil.GatherAndCount(m.Registry(), "vitals_relay_rows_relayed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
