package batch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/store/memory"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// fakeBatchProvider implements both provider.InferenceProvider and
// provider.BatchProvider for direct, synchronous-to-test batch polling: Poll
// reports done immediately after one call, echoing one canned response per
// submitted request.
type fakeBatchProvider struct {
	reqs []*types.ModelInferenceRequest
}

func (p *fakeBatchProvider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	return &types.ProviderInferenceResponse{Output: []types.ContentBlock{types.TextBlock{Text: "unused"}}}, nil
}

func (p *fakeBatchProvider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	return nil, "", nil
}

func (p *fakeBatchProvider) StartBatchInference(ctx context.Context, reqs []*types.ModelInferenceRequest) (string, error) {
	p.reqs = reqs
	return "batch-123", nil
}

func (p *fakeBatchProvider) PollBatchInference(ctx context.Context, batchID string) (bool, []provider.BatchResult, error) {
	results := make([]provider.BatchResult, len(p.reqs))
	for i := range p.reqs {
		results[i] = provider.BatchResult{Response: &types.ProviderInferenceResponse{
			Output: []types.ContentBlock{types.TextBlock{Text: "batched response"}},
			Usage:  types.Usage{InputTokens: intPtr(5), OutputTokens: intPtr(5)},
		}}
	}
	return true, results, nil
}

// unsupportedProvider implements only InferenceProvider; batch.Engine must
// reject it with KindBatchUnsupported.
type unsupportedProvider struct{}

func (unsupportedProvider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	return nil, nil
}
func (unsupportedProvider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	return nil, "", nil
}

func intPtr(v int) *int { return &v }

func batchTestConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"batch_model": {
				Routing:   []string{"p1"},
				Providers: map[string]config.ModelProvider{"p1": {Kind: "fake_batch", ModelName: "batchy", Credentials: config.Credential{Kind: config.CredentialNone}}},
			},
			"no_batch_model": {
				Routing:   []string{"p1"},
				Providers: map[string]config.ModelProvider{"p1": {Kind: "no_batch", ModelName: "plain", Credentials: config.Credential{Kind: config.CredentialNone}}},
			},
		},
		Functions: map[string]config.FunctionConfig{
			"basic_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "batch_model"},
				},
			},
			"no_batch_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "no_batch_model"},
				},
			},
		},
	}
}

func newBatchEngine(t *testing.T, fp *fakeBatchProvider) (*Engine, *memory.Store) {
	t.Helper()
	cfg := batchTestConfig()
	table, err := modeltable.Build(cfg, map[config.ProviderKind]modeltable.ProviderFactory{
		"fake_batch": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) { return fp, nil },
		"no_batch":   func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) { return unsupportedProvider{}, nil },
	})
	require.NoError(t, err)
	st := memory.New()
	return New(cfg, table, st), st
}

func twoItemRequest() ClientBatchInferenceRequest {
	return ClientBatchInferenceRequest{
		FunctionName: "basic_test",
		Inputs: []BatchInferenceItem{
			{Input: []types.InputMessage{{Role: types.RoleUser, Content: json.RawMessage(`"hello one"`)}}},
			{Input: []types.InputMessage{{Role: types.RoleUser, Content: json.RawMessage(`"hello two"`)}}},
		},
	}
}

func TestStartGroupsByModelProviderAndPersists(t *testing.T) {
	fp := &fakeBatchProvider{}
	eng, _ := newBatchEngine(t, fp)

	resp, err := eng.Start(context.Background(), twoItemRequest())
	require.NoError(t, err)
	assert.Len(t, resp.BatchIDs, 1)
	assert.Equal(t, "batch-123", resp.BatchIDs[0])
	require.Len(t, resp.InferenceIDs, 2)
	assert.Len(t, fp.reqs, 2)
}

func TestStartRejectsUnknownFunction(t *testing.T) {
	fp := &fakeBatchProvider{}
	eng, _ := newBatchEngine(t, fp)
	_, err := eng.Start(context.Background(), ClientBatchInferenceRequest{FunctionName: "nope", Inputs: []BatchInferenceItem{{Input: nil}}})
	require.Error(t, err)
}

func TestStartRejectsProviderWithoutBatchSupport(t *testing.T) {
	fp := &fakeBatchProvider{}
	eng, _ := newBatchEngine(t, fp)
	_, err := eng.Start(context.Background(), ClientBatchInferenceRequest{
		FunctionName: "no_batch_test",
		Inputs:       []BatchInferenceItem{{Input: []types.InputMessage{{Role: types.RoleUser, Content: json.RawMessage(`"hi"`)}}}},
	})
	require.Error(t, err)
}

// Poll: first call transitions Pending -> Completed (fakeBatchProvider
// reports done on the very first poll) and materializes per-inference rows.
func TestPollTransitionsToCompletedAndMaterializes(t *testing.T) {
	fp := &fakeBatchProvider{}
	eng, st := newBatchEngine(t, fp)

	started, err := eng.Start(context.Background(), twoItemRequest())
	require.NoError(t, err)
	batchID := started.BatchIDs[0]

	resp, err := eng.Poll(context.Background(), store.PollInferenceQuery{BatchID: batchID})
	require.NoError(t, err)
	assert.Equal(t, PollCompleted, resp.Status)
	require.Len(t, resp.Outputs, 2)
	for _, out := range resp.Outputs {
		assert.Equal(t, "chat", out.Type)
	}

	require.NoError(t, st.Flush(context.Background()))

	// A second poll must not re-poll the provider (monotonic status rule):
	// the batch request row is already Completed.
	resp2, err := eng.Poll(context.Background(), store.PollInferenceQuery{BatchID: batchID})
	require.NoError(t, err)
	assert.Equal(t, PollCompleted, resp2.Status)
}

func TestPollUnknownBatchErrors(t *testing.T) {
	fp := &fakeBatchProvider{}
	eng, _ := newBatchEngine(t, fp)
	_, err := eng.Poll(context.Background(), store.PollInferenceQuery{BatchID: "does-not-exist"})
	require.Error(t, err)
}
