package relay

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	calls [][]bigquery.ValueSaver
	err   error
}

func (f *fakeInserter) Put(_ context.Context, src interface{}) error {
	f.calls = append(f.calls, src.([]bigquery.ValueSaver))
	return f.err
}

func testRows() []NormalizedRow {
	return []NormalizedRow{
		{Identity: "u1_t1", UserID: "u1", Timestamp: "t1", Temperature: 36.6, SpO2: 97, HeartRate: 70, Activity: "walking", Source: SourceMLPipeline, ProcessingStage: StageLabeled},
		{Identity: "u1_t2", UserID: "u1", Timestamp: "t2", Temperature: 36.7, SpO2: 98, HeartRate: 72, Activity: "walking", Source: SourceMLPipeline, ProcessingStage: StageLabeled},
	}
}

func TestBigQuerySink_SubmitIsOneCall(t *testing.T) {
	ins := &fakeInserter{}
	s := &BigQuerySink{table: "p.d.t", inserter: ins, logger: discardLogger()}

	require.NoError(t, s.Submit(context.Background(), testRows()))
	require.Len(t, ins.calls, 1)
	require.Len(t, ins.calls[0], 2)

	values, insertID, err := ins.calls[0][0].Save()
	require.NoError(t, err)
	assert.Equal(t, "u1_t1", insertID)
	assert.Equal(t, "u1", values["user_id"])
	assert.Equal(t, int64(97), values["spo2"])
	assert.Equal(t, SourceMLPipeline, values["source"])
	assert.Equal(t, StageLabeled, values["processing_stage"])
	assert.Len(t, values, len(Columns))
}

func TestBigQuerySink_RowErrorsFailTheBatch(t *testing.T) {
	ins := &fakeInserter{err: bigquery.PutMultiError{
		{InsertID: "u1_t2", RowIndex: 1, Errors: bigquery.MultiError{errors.New("no such field: spo3")}},
	}}
	s := &BigQuerySink{table: "p.d.t", inserter: ins, logger: discardLogger()}

	err := s.Submit(context.Background(), testRows())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 rows rejected")
}

func TestBigQuerySink_TransportErrorFailsTheBatch(t *testing.T) {
	ins := &fakeInserter{err: errors.New("connection reset")}
	s := &BigQuerySink{table: "p.d.t", inserter: ins, logger: discardLogger()}

	err := s.Submit(context.Background(), testRows())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestBigQuerySink_EmptyBatchIsNoCall(t *testing.T) {
	ins := &fakeInserter{}
	s := &BigQuerySink{table: "p.d.t", inserter: ins, logger: discardLogger()}
	require.NoError(t, s.Submit(context.Background(), nil))
	assert.Empty(t, ins.calls)
}

func TestNewSink_BadSetupIsInert(t *testing.T) {
	cases := []RelayConfig{
		{Kind: RelayKindBigQuery},
		{Kind: RelayKindBigQuery, BigQuery: BigQueryConfig{Project: "p", Dataset: "d", Table: "t", CredentialsFile: "/nonexistent/key.json"}},
		{Kind: RelayKindMQTT},
		{Kind: "carrier-pigeon"},
	}
	for _, cfg := range cases {
		s := NewSink(context.Background(), cfg, discardLogger())
		assert.True(t, IsInert(s), "kind %q", cfg.Kind)

		err := s.Submit(context.Background(), testRows())
		assert.ErrorIs(t, err, ErrSinkInert)
		assert.NoError(t, s.Close())
	}
}
