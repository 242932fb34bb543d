package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

func TestEffectiveModeCombinations(t *testing.T) {
	cases := []struct {
		mode   EnabledMode
		dryrun bool
		want   EnabledMode
	}{
		{On, true, ReadOnly},
		{On, false, On},
		{WriteOnly, true, Off},
		{WriteOnly, false, WriteOnly},
		{ReadOnly, true, ReadOnly},
		{ReadOnly, false, ReadOnly},
		{Off, true, Off},
		{Off, false, Off},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EffectiveMode(tc.mode, tc.dryrun), "mode=%s dryrun=%v", tc.mode, tc.dryrun)
	}
}

func TestShouldWriteToCacheNoTools(t *testing.T) {
	output := []types.ContentBlock{
		types.ToolCallBlock{ID: "1", Name: "get_weather", RawArguments: `{"city":"NYC"}`},
	}
	assert.True(t, ShouldWriteToCache(output, nil))
}

func TestShouldWriteToCacheNoToolsMalformedJSON(t *testing.T) {
	output := []types.ContentBlock{
		types.ToolCallBlock{ID: "1", Name: "get_weather", RawArguments: `not json`},
	}
	assert.False(t, ShouldWriteToCache(output, nil))
}

func TestShouldWriteToCacheWithToolConfigRequiresParsedArguments(t *testing.T) {
	fn := &config.FunctionConfig{Tools: []config.ToolDef{{Name: "get_weather"}}}
	valid := []types.ContentBlock{
		types.ToolCallBlock{ID: "1", Name: "get_weather", Arguments: []byte(`{"city":"NYC"}`)},
	}
	assert.True(t, ShouldWriteToCache(valid, fn))

	invalid := []types.ContentBlock{
		types.ToolCallBlock{ID: "1", Name: "get_weather", RawArguments: `{"city":"NYC"}`},
	}
	assert.False(t, ShouldWriteToCache(invalid, fn), "Arguments unset means validation failed")
}

func TestCacheRoundTripsNonStreaming(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute, nil)
	ctx := context.Background()
	resp := types.ProviderInferenceResponse{
		Output: []types.ContentBlock{types.TextBlock{Text: "hello"}},
		Usage:  types.Usage{InputTokens: intp(3), OutputTokens: intp(5)},
	}
	key := "k1"
	require.NoError(t, c.WriteNonStreaming(ctx, On, false, key, resp, nil))

	got, ok := c.LookupNonStreaming(ctx, On, false, key)
	require.True(t, ok)
	tb := got.Response.Output[0].(types.TextBlock)
	assert.Equal(t, "hello", tb.Text)
}

func TestCacheWriteSkippedWhenWriteOnlyUnderDryrun(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute, nil)
	ctx := context.Background()
	resp := types.ProviderInferenceResponse{Output: []types.ContentBlock{types.TextBlock{Text: "hello"}}}
	require.NoError(t, c.WriteNonStreaming(ctx, WriteOnly, true, "k2", resp, nil))

	_, ok := c.LookupNonStreaming(ctx, On, false, "k2")
	assert.False(t, ok)
}

func TestCacheReadOnlyNeverWrites(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute, nil)
	ctx := context.Background()
	resp := types.ProviderInferenceResponse{Output: []types.ContentBlock{types.TextBlock{Text: "hello"}}}
	require.NoError(t, c.WriteNonStreaming(ctx, ReadOnly, false, "k3", resp, nil))

	_, ok := c.LookupNonStreaming(ctx, On, false, "k3")
	assert.False(t, ok)
}

func TestCacheStreamingWriteAlwaysAttempted(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute, nil)
	ctx := context.Background()
	chunks := []types.ProviderInferenceResponseChunk{
		{Content: []types.ContentBlock{types.TextBlock{Text: "a"}}},
		{Content: []types.ContentBlock{types.TextBlock{Text: "b"}}, Usage: &types.Usage{InputTokens: intp(1), OutputTokens: intp(2)}},
	}
	require.NoError(t, c.WriteStreaming(ctx, On, false, "k4", chunks))

	got, ok := c.LookupStreaming(ctx, On, false, "k4")
	require.True(t, ok)
	require.Len(t, got.Chunks, 2)
	assert.Nil(t, got.Chunks[0].Usage)
	assert.NotNil(t, got.Chunks[1].Usage)
}

func intp(v int) *int { return &v }
