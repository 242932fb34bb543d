package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/batch"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/dispatch"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/dummy"
	"github.com/tensorzero/tensorzero-sub020/internal/store/memory"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

var dummyFactories = map[config.ProviderKind]modeltable.ProviderFactory{
	config.ProviderDummy: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
		return dummy.New(pc.ModelName), nil
	},
}

func noneCred() config.Credential { return config.Credential{Kind: config.CredentialNone} }

// fakeBatchProvider implements provider.BatchProvider so the batch endpoints
// can be exercised without a real provider's async job semantics.
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
	return "batch-http-123", nil
}

func (p *fakeBatchProvider) PollBatchInference(ctx context.Context, batchID string) (bool, []provider.BatchResult, error) {
	results := make([]provider.BatchResult, len(p.reqs))
	for i := range p.reqs {
		one := 1
		results[i] = provider.BatchResult{Response: &types.ProviderInferenceResponse{
			Output: []types.ContentBlock{types.TextBlock{Text: "batched response"}},
			Usage:  types.Usage{InputTokens: &one, OutputTokens: &one},
		}}
	}
	return true, results, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"good_model": {
				Routing:   []string{"p1"},
				Providers: map[string]config.ModelProvider{"p1": {Kind: config.ProviderDummy, ModelName: "good", Credentials: noneCred()}},
			},
		},
		Functions: map[string]config.FunctionConfig{
			"basic_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "good_model"},
				},
			},
		},
		Metrics: map[string]config.MetricConfig{
			"task_success": {Type: config.MetricBoolean, Optimize: config.OptimizeMax, Level: config.LevelInference},
		},
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig()
	table, err := modeltable.Build(cfg, dummyFactories)
	require.NoError(t, err)
	st := memory.New()
	d, err := dispatch.New(dispatch.WithConfig(cfg), dispatch.WithModelTable(table), dispatch.WithStore(st))
	require.NoError(t, err)
	be := batch.New(cfg, table, st)
	s := New(cfg, d, be, st, nil)
	return s.Router()
}

func basicInputJSON() json.RawMessage {
	return json.RawMessage(`[{"role":"system","content":"You are AskJeeves."},{"role":"user","content":"Hello, world!"}]`)
}

func TestHandleInferenceNonStreaming(t *testing.T) {
	r := newTestServer(t)
	body, err := json.Marshal(map[string]any{
		"function_name": "basic_test",
		"input":         basicInputJSON(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dispatch.InferenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat", resp.Type)
	require.Len(t, resp.Content, 1)
	assert.Contains(t, resp.Content[0].Text, "Megumin")
}

func TestHandleInferenceUnknownFunctionIs404(t *testing.T) {
	r := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"function_name": "nope", "input": basicInputJSON()})
	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body2 map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body2))
	assert.Contains(t, body2["error"], "unknown_function")
}

func TestHandleInferenceStreamingSSEFraming(t *testing.T) {
	r := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"function_name": "basic_test",
		"input":         basicInputJSON(),
		"stream":        true,
	})
	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, dataLines)
	assert.Equal(t, "[DONE]", dataLines[len(dataLines)-1])
	for _, line := range dataLines[:len(dataLines)-1] {
		var chunk dispatch.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
	}
}

func TestHandleFeedbackMismatchIsBadRequest(t *testing.T) {
	r := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"metric_name": "task_success", "value": true})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBatchStartAndPoll(t *testing.T) {
	cfg := testConfig()
	cfg.Models["batch_model"] = config.ModelConfig{
		Routing:   []string{"p1"},
		Providers: map[string]config.ModelProvider{"p1": {Kind: "fake_batch", ModelName: "batchy", Credentials: noneCred()}},
	}
	cfg.Functions["batch_test"] = config.FunctionConfig{
		Kind: config.FunctionChat,
		Variants: map[string]config.VariantConfig{
			"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "batch_model"},
		},
	}
	factories := map[config.ProviderKind]modeltable.ProviderFactory{
		config.ProviderDummy: dummyFactories[config.ProviderDummy],
		"fake_batch": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return &fakeBatchProvider{}, nil
		},
	}
	table, err := modeltable.Build(cfg, factories)
	require.NoError(t, err)
	st := memory.New()
	d, err := dispatch.New(dispatch.WithConfig(cfg), dispatch.WithModelTable(table), dispatch.WithStore(st))
	require.NoError(t, err)
	be := batch.New(cfg, table, st)
	s := New(cfg, d, be, st, nil)
	r := s.Router()

	batchBody, _ := json.Marshal(map[string]any{
		"function_name": "batch_test",
		"inputs": []batch.BatchInferenceItem{
			{Input: []types.InputMessage{
				{Role: types.RoleSystem, Content: json.RawMessage(`"You are AskJeeves."`)},
				{Role: types.RoleUser, Content: json.RawMessage(`"Hello, world!"`)},
			}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/batch_inference", bytes.NewReader(batchBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var startResp batch.StartBatchInferenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &startResp))
	require.NotEmpty(t, startResp.BatchIDs)

	pollReq := httptest.NewRequest(http.MethodGet, "/batch_inference/"+startResp.BatchIDs[0], nil)
	pollW := httptest.NewRecorder()
	r.ServeHTTP(pollW, pollReq)
	assert.Equal(t, http.StatusOK, pollW.Code, pollW.Body.String())
}

func TestHandleListFunctions(t *testing.T) {
	r := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/functions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string][]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp["functions"], 1)
}
