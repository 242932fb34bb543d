package temporal

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/tensorzero/tensorzero-sub020/internal/batch"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
)

// TestPollBatchWorkflowSleepsUntilCompleted drives pollBatchWorkflow through
// a pending->completed transition using Temporal's workflow test environment,
// mocking the activity instead of a real cluster.
func TestPollBatchWorkflowSleepsUntilCompleted(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	p := New(nil, Options{TaskQueue: "batch-poll"})

	env.OnActivity(pollBatchActivityName, mock.Anything, mock.Anything).Return(
		&batch.PollBatchInferenceResponse{Status: batch.PollPending}, nil,
	).Once()
	env.OnActivity(pollBatchActivityName, mock.Anything, mock.Anything).Return(
		&batch.PollBatchInferenceResponse{Status: batch.PollCompleted}, nil,
	).Once()

	env.ExecuteWorkflow(p.pollBatchWorkflow, PollBatchInput{Query: store.PollInferenceQuery{BatchID: "batch-123"}})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var resp batch.PollBatchInferenceResponse
	require.NoError(t, env.GetWorkflowResult(&resp))
	require.Equal(t, batch.PollCompleted, resp.Status)
}
