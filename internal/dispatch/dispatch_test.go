package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/cache"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/dummy"
	"github.com/tensorzero/tensorzero-sub020/internal/store/memory"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

var dummyFactories = map[config.ProviderKind]modeltable.ProviderFactory{
	config.ProviderDummy: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
		return dummy.New(pc.ModelName), nil
	},
}

func noneCred() config.Credential { return config.Credential{Kind: config.CredentialNone} }

func testConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"good_model": {
				Routing:   []string{"p1"},
				Providers: map[string]config.ModelProvider{"p1": {Kind: config.ProviderDummy, ModelName: "good", Credentials: noneCred()}},
			},
			"fallback_model": {
				Routing: []string{"p_err", "p_good"},
				Providers: map[string]config.ModelProvider{
					"p_err":  {Kind: config.ProviderDummy, ModelName: "error", Credentials: noneCred()},
					"p_good": {Kind: config.ProviderDummy, ModelName: "good", Credentials: noneCred()},
				},
			},
			"err_in_stream_model": {
				Routing:   []string{"p1"},
				Providers: map[string]config.ModelProvider{"p1": {Kind: config.ProviderDummy, ModelName: "err_in_stream", Credentials: noneCred()}},
			},
		},
		Functions: map[string]config.FunctionConfig{
			"basic_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "good_model"},
				},
			},
			"fallback_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "fallback_model"},
				},
			},
			"json_fail": {
				Kind:         config.FunctionJSON,
				OutputSchema: json.RawMessage(`{"type":"object","required":["answer"],"properties":{"answer":{"type":"string"}}}`),
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "good_model"},
				},
			},
			"err_in_stream_test": {
				Kind: config.FunctionChat,
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: config.VariantChatCompletion, Weight: 1, Model: "err_in_stream_model"},
				},
			},
		},
		Metrics: map[string]config.MetricConfig{
			"task_success": {Type: config.MetricBoolean, Optimize: config.OptimizeMax, Level: config.LevelInference},
		},
	}
}

func newDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *memory.Store) {
	t.Helper()
	table, err := modeltable.Build(cfg, dummyFactories)
	require.NoError(t, err)
	st := memory.New()
	d, err := New(WithConfig(cfg), WithModelTable(table), WithStore(st))
	require.NoError(t, err)
	return d, st
}

func basicInput() []types.InputMessage {
	return []types.InputMessage{
		{Role: types.RoleSystem, Content: json.RawMessage(`"You are AskJeeves."`)},
		{Role: types.RoleUser, Content: json.RawMessage(`"Hello, world!"`)},
	}
}

// S1: basic chat against the dummy good provider.
func TestInferBasicChat(t *testing.T) {
	d, st := newDispatcher(t, testConfig())
	resp, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "basic_test", Input: basicInput()})
	require.NoError(t, err)
	assert.Equal(t, "chat", resp.Type)
	require.Len(t, resp.Content, 1)
	assert.Contains(t, resp.Content[0].Text, "Megumin")
	assert.Equal(t, 10, *resp.Usage.InputTokens)
	assert.Equal(t, 10, *resp.Usage.OutputTokens)

	d.Shutdown(time.Second)
	require.NoError(t, st.Flush(context.Background()))
}

// S2: dryrun returns an identical response but writes nothing.
func TestInferDryrunSkipsPersistence(t *testing.T) {
	d, st := newDispatcher(t, testConfig())
	resp, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "basic_test", Input: basicInput(), Dryrun: true})
	require.NoError(t, err)
	assert.Contains(t, resp.Content[0].Text, "Megumin")

	d.Shutdown(time.Second)
	count, _, err := st.CountInferences(context.Background(), "basic_test", "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// S3: model fallback — first provider errors, second succeeds.
func TestInferModelFallback(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	resp, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "fallback_test", Input: basicInput()})
	require.NoError(t, err)
	assert.Contains(t, resp.Content[0].Text, "Megumin")
}

// S4: json_fail — the dummy "good" provider returns plain prose that fails
// the function's output_schema; parsed must be nil but raw preserved.
func TestInferJSONOutputFailsSchema(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	resp, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "json_fail", Input: basicInput()})
	require.NoError(t, err)
	assert.Equal(t, "json", resp.Type)
	require.NotNil(t, resp.Output)
	assert.Nil(t, resp.Output.Parsed)
	assert.Contains(t, resp.Output.Raw, "Megumin")
}

func TestInferUnknownFunction(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	_, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "does-not-exist", Input: basicInput()})
	tzErr, ok := tzerr.As(err)
	require.True(t, ok)
	assert.Equal(t, tzerr.KindUnknownFunction, tzErr.Kind)
}

// S5: streaming delivers 16 text chunks then a terminal usage-only chunk.
func TestInferStreamBasic(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	result, err := d.InferStream(context.Background(), ClientInferenceParams{FunctionName: "basic_test", Input: basicInput(), Stream: true})
	require.NoError(t, err)

	var textChunks int
	var sawTerminalUsage bool
	for ev := range result.Events {
		require.Nil(t, ev.Err)
		if len(ev.Chunk.Content) > 0 {
			textChunks++
			assert.Nil(t, ev.Chunk.Usage, "usage must appear only on the terminal chunk")
		} else {
			require.NotNil(t, ev.Chunk.Usage)
			sawTerminalUsage = true
		}
	}
	assert.Equal(t, 16, textChunks)
	assert.True(t, sawTerminalUsage)
}

func TestInferCacheHitSecondCallSkipsProvider(t *testing.T) {
	cfg := testConfig()
	table, err := modeltable.Build(cfg, dummyFactories)
	require.NoError(t, err)
	st := memory.New()
	ch := cache.New(cache.NewMemoryBackend(), time.Hour, nil)
	d, err := New(WithConfig(cfg), WithModelTable(table), WithStore(st), WithCache(ch, cache.On))
	require.NoError(t, err)

	episodeID := uuid.Must(uuid.NewV7())
	first, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "basic_test", Input: basicInput(), EpisodeID: &episodeID})
	require.NoError(t, err)
	d.Shutdown(time.Second)

	second, err := d.Infer(context.Background(), ClientInferenceParams{FunctionName: "basic_test", Input: basicInput(), EpisodeID: &episodeID})
	require.NoError(t, err)
	assert.Equal(t, first.Content[0].Text, second.Content[0].Text)
}

// A mid-stream provider error must not poison the cache: a streaming request
// that surfaces an error event must skip the cache write, so a later
// identical request re-runs the provider (and sees the same error event and
// full chunk count) instead of replaying a truncated, usage-less entry.
func TestInferStreamErrorDoesNotPoisonCache(t *testing.T) {
	cfg := testConfig()
	table, err := modeltable.Build(cfg, dummyFactories)
	require.NoError(t, err)
	st := memory.New()
	ch := cache.New(cache.NewMemoryBackend(), time.Hour, nil)
	d, err := New(WithConfig(cfg), WithModelTable(table), WithStore(st), WithCache(ch, cache.On))
	require.NoError(t, err)

	episodeID := uuid.Must(uuid.NewV7())
	params := ClientInferenceParams{FunctionName: "err_in_stream_test", Input: basicInput(), EpisodeID: &episodeID, Stream: true}

	drain := func() (chunkCount, errCount int, sawTerminalUsage bool) {
		result, err := d.InferStream(context.Background(), params)
		require.NoError(t, err)
		for ev := range result.Events {
			if ev.Err != nil {
				errCount++
				continue
			}
			if len(ev.Chunk.Content) > 0 {
				chunkCount++
			} else {
				sawTerminalUsage = true
			}
		}
		return
	}

	firstChunks, firstErrs, firstTerminal := drain()
	d.Shutdown(time.Second)
	assert.Equal(t, 1, firstErrs)
	assert.True(t, firstTerminal)

	secondChunks, secondErrs, secondTerminal := drain()
	assert.Equal(t, firstErrs, secondErrs, "a poisoned cache would replay without the error event")
	assert.Equal(t, firstChunks, secondChunks, "a poisoned cache would replay only the chunks collected before the error")
	assert.True(t, secondTerminal, "a poisoned cache entry has no terminal usage chunk")
}

// S6: feedback.
func TestFeedbackBooleanInference(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	inferenceID := uuid.Must(uuid.NewV7())
	resp, err := d.Feedback(context.Background(), FeedbackRequest{
		InferenceID: &inferenceID, MetricName: "task_success", Value: json.RawMessage(`true`),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, resp.FeedbackID)

	_, err = d.Feedback(context.Background(), FeedbackRequest{
		InferenceID: &inferenceID, MetricName: "task_success", Value: json.RawMessage(`"true"`),
	})
	require.Error(t, err)
}

func TestFeedbackRequiresExactlyOneTarget(t *testing.T) {
	d, _ := newDispatcher(t, testConfig())
	_, err := d.Feedback(context.Background(), FeedbackRequest{MetricName: "task_success", Value: json.RawMessage(`true`)})
	require.Error(t, err)
}
