package dummy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// TestGoodModelInferMatchesFixture verifies the "good" dummy model returns
// the fixed Megumin sentence with 10/10 usage.
func TestGoodModelInferMatchesFixture(t *testing.T) {
	p := New("good")
	resp, err := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	text, ok := resp.Output[0].(types.TextBlock)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Megumin gleefully chanted")
	assert.Equal(t, 10, *resp.Usage.InputTokens)
	assert.Equal(t, 10, *resp.Usage.OutputTokens)
}

// TestStreamingMatchesFixture verifies the "good" dummy model streams 16
// chunks reassembling to the Wally sentence, with usage only on the final
// terminal chunk.
func TestStreamingMatchesFixture(t *testing.T) {
	p := New("good")
	stream, rawReq, err := p.InferStream(context.Background(), &types.ModelInferenceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "raw request", rawReq)
	defer stream.Close()

	var text string
	var chunkCount int
	var finalUsage *types.Usage
	for {
		chunk, err := stream.Next(context.Background())
		if err == provider.ErrStreamDone {
			break
		}
		require.NoError(t, err)
		chunkCount++
		for _, c := range chunk.Content {
			if tb, ok := c.(types.TextBlock); ok {
				text += tb.Text
			}
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		} else {
			assert.Nil(t, chunk.Usage, "usage must only be set on the terminal chunk")
		}
	}

	assert.Equal(t, "Wally, the golden retriever, wagged his tail excitedly as he devoured a slice of cheese pizza.", text)
	require.NotNil(t, finalUsage)
	assert.Equal(t, 10, *finalUsage.InputTokens)
	assert.Equal(t, 16, *finalUsage.OutputTokens)
	assert.Equal(t, 17, chunkCount) // 16 content chunks + 1 terminal usage chunk
}

func TestFlakyFailsOnEvenCalls(t *testing.T) {
	p := New("flaky_test_model_a")
	_, err1 := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	assert.NoError(t, err1)
	_, err2 := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	assert.Error(t, err2)
	_, err3 := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	assert.NoError(t, err3)
}

func TestErrorModelAlwaysFails(t *testing.T) {
	p := New("error")
	_, err := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	assert.Error(t, err)
}

// TestErrInStreamContinuesAfterError verifies the injected error at chunk
// index 3 replaces only that one chunk: the stream keeps delivering the
// remaining chunks plus the terminal usage chunk instead of ending.
func TestErrInStreamContinuesAfterError(t *testing.T) {
	p := New("err_in_stream")
	stream, _, err := p.InferStream(context.Background(), &types.ModelInferenceRequest{})
	require.NoError(t, err)
	defer stream.Close()

	var chunksBefore, chunksAfter, errCount int
	var sawTerminal bool
	for {
		chunk, err := stream.Next(context.Background())
		if err == provider.ErrStreamDone {
			break
		}
		if err != nil {
			errCount++
			continue
		}
		if chunk.Usage != nil {
			sawTerminal = true
			break
		}
		if errCount == 0 {
			chunksBefore++
		} else {
			chunksAfter++
		}
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, 3, chunksBefore)
	assert.Equal(t, len(streamingResponse)-4, chunksAfter) // index 3 itself is replaced by the error
	assert.True(t, sawTerminal)
}

func TestToolModelReturnsToolCall(t *testing.T) {
	p := New("tool")
	resp, err := p.Infer(context.Background(), &types.ModelInferenceRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	tc, ok := resp.Output[0].(types.ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "get_temperature", tc.Name)
	assert.Equal(t, types.FinishReasonToolCall, resp.FinishReason)
}
