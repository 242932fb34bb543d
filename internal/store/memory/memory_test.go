package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/store"
)

func TestWriteAndGetBatchRequestByBatchID(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteBatchRequest(ctx, store.BatchRequestRow{BatchID: "b1", Status: store.BatchPending}))
	require.NoError(t, s.WriteBatchRequest(ctx, store.BatchRequestRow{BatchID: "b1", Status: store.BatchCompleted}))

	row, err := s.GetBatchRequest(ctx, store.PollInferenceQuery{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, store.BatchCompleted, row.Status, "GetBatchRequest must return the most recent row")
}

func TestGetBatchRequestByInferenceID(t *testing.T) {
	s := New()
	ctx := context.Background()
	infID := uuid.Must(uuid.NewV7())

	require.NoError(t, s.WriteBatchRequest(ctx, store.BatchRequestRow{BatchID: "b2", Status: store.BatchPending}))
	require.NoError(t, s.WriteBatchModelInferences(ctx, []store.BatchModelInferenceRow{
		{InferenceID: infID, BatchID: "b2"},
	}))

	row, err := s.GetBatchRequest(ctx, store.PollInferenceQuery{InferenceID: &infID})
	require.NoError(t, err)
	assert.Equal(t, "b2", row.BatchID)
}

func TestGetBatchRequestNotFound(t *testing.T) {
	s := New()
	_, err := s.GetBatchRequest(context.Background(), store.PollInferenceQuery{BatchID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetBatchInferencesPreservesRequestOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	id1, id2, id3 := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())

	require.NoError(t, s.WriteBatchModelInferences(ctx, []store.BatchModelInferenceRow{
		{InferenceID: id1, BatchID: "b3"},
		{InferenceID: id2, BatchID: "b3"},
		{InferenceID: id3, BatchID: "b3"},
	}))

	rows, err := s.GetBatchInferences(ctx, "b3", []uuid.UUID{id3, id1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, id3, rows[0].InferenceID)
	assert.Equal(t, id1, rows[1].InferenceID)
}

func TestWriteInferenceAndModelInferenceRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	infID := uuid.Must(uuid.NewV7())

	require.NoError(t, s.WriteInference(ctx, store.InferenceRow{ID: infID, FunctionName: "greet"}))
	require.NoError(t, s.WriteModelInference(ctx, store.ModelInferenceRow{InferenceID: infID, ModelName: "gpt-4o-mini"}))
	require.NoError(t, s.Flush(ctx))
}

func TestWriteFeedback(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WriteFeedback(ctx, store.FeedbackRow{
		TargetType: store.TargetInference,
		TargetID:   uuid.Must(uuid.NewV7()),
		MetricName: "helpfulness",
		Value:      []byte(`true`),
	}))
}
