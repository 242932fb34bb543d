// Package dummy implements a deterministic InferenceProvider fixture used by
// tests and by TensorZero's own documented "dummy" provider kind. Behavior is
// selected entirely by the configured model name, mirroring
// original_source/tensorzero-internal/src/inference/providers/dummy.rs: the
// exact same model-name vocabulary ("good", "slow", "error*", "flaky_*",
// "json", "tool", "reasoner", "err_in_stream") drives the exact same
// fixtures, so existing TensorZero configs and tests port unchanged.
package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

const rawRequest = "raw request"

// inferResponseText is DUMMY_INFER_RESPONSE_CONTENT.
const inferResponseText = "Megumin gleefully chanted her spell, unleashing a thunderous explosion that lit up the sky and left a massive crater in its wake."

// streamingResponse is DUMMY_STREAMING_RESPONSE: 16 chunks of one sentence.
var streamingResponse = []string{
	"Wally,", " the", " golden", " retriever,", " wagged", " his", " tail",
	" excitedly", " as", " he", " devoured", " a", " slice", " of", " cheese", " pizza.",
}

// streamingToolResponse is DUMMY_STREAMING_TOOL_RESPONSE.
var streamingToolResponse = []string{
	`{"location"`, `:"Brooklyn"`, `,"units"`, `:"celsius`, `"}`,
}

const jsonResponseRaw = `{"answer":"Hello"}`

// Provider is the dummy InferenceProvider. ModelName selects the fixture.
type Provider struct {
	ModelName string
}

// New constructs a dummy provider for the given configured model name.
func New(modelName string) *Provider {
	return &Provider{ModelName: modelName}
}

var (
	flakyMu       sync.Mutex
	flakyCounters = map[string]int{}
)

// flakyShouldFail increments the call counter for modelName and reports
// whether this call should fail (every even-numbered call).
func flakyShouldFail(modelName string) (shouldFail bool, callNumber int) {
	flakyMu.Lock()
	defer flakyMu.Unlock()
	flakyCounters[modelName]++
	n := flakyCounters[modelName]
	return n%2 == 0, n
}

func clientError(modelName, format string, args ...any) error {
	return fmt.Errorf("dummy provider (model %q): "+format, append([]any{modelName}, args...)...)
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	if p.ModelName == "slow" {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if strings.HasPrefix(p.ModelName, "flaky_") {
		if fail, n := flakyShouldFail(p.ModelName); fail {
			return nil, clientError(p.ModelName, "flaky model failed on call number %d", n)
		}
	}

	if strings.HasPrefix(p.ModelName, "error") {
		return nil, clientError(p.ModelName, "error sending request to dummy provider")
	}

	start := time.Now()

	var output []types.ContentBlock
	var rawResponse string
	usage := types.Usage{InputTokens: intp(10), OutputTokens: intp(10)}
	finish := types.FinishReasonStop

	switch p.ModelName {
	case "tool":
		output = []types.ContentBlock{types.ToolCallBlock{
			ID:           "0",
			Name:         "get_temperature",
			RawArguments: `{"location":"Brooklyn","units":"celsius"}`,
			Arguments:    json.RawMessage(`{"location":"Brooklyn","units":"celsius"}`),
		}}
		rawResponse = `{"tool_calls":[{"id":"0","name":"get_temperature","arguments":"{\"location\":\"Brooklyn\",\"units\":\"celsius\"}"}]}`
		finish = types.FinishReasonToolCall
	case "reasoner":
		output = []types.ContentBlock{
			types.ThoughtBlock{Text: "hmmm"},
			types.TextBlock{Text: inferResponseText},
		}
		rawResponse = inferResponseText
	case "json":
		output = []types.ContentBlock{types.TextBlock{Text: jsonResponseRaw}}
		rawResponse = jsonResponseRaw
	case "json_goodbye":
		output = []types.ContentBlock{types.TextBlock{Text: `{"answer":"Goodbye"}`}}
		rawResponse = `{"answer":"Goodbye"}`
	case "echo_request_messages":
		echoed, _ := json.Marshal(map[string]any{"system": req.System, "messages": req.Messages})
		output = []types.ContentBlock{types.TextBlock{Text: string(echoed)}}
		rawResponse = string(echoed)
	case "input_tokens_zero":
		usage = types.Usage{InputTokens: intp(0), OutputTokens: intp(10)}
		output = []types.ContentBlock{types.TextBlock{Text: inferResponseText}}
		rawResponse = inferResponseText
	case "output_tokens_zero":
		usage = types.Usage{InputTokens: intp(10), OutputTokens: intp(0)}
		output = []types.ContentBlock{types.TextBlock{Text: inferResponseText}}
		rawResponse = inferResponseText
	default:
		output = []types.ContentBlock{types.TextBlock{Text: inferResponseText}}
		rawResponse = inferResponseText
	}

	return &types.ProviderInferenceResponse{
		Output:       output,
		InputMessage: req.Messages,
		RawRequest:   rawRequest,
		RawResponse:  rawResponse,
		Usage:        usage,
		FinishReason: finish,
		Latency:      types.Latency{ResponseTime: time.Since(start).Milliseconds() + 100},
	}, nil
}

func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	if p.ModelName == "slow" {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if strings.HasPrefix(p.ModelName, "flaky_") {
		if fail, n := flakyShouldFail(p.ModelName); fail {
			return nil, "", clientError(p.ModelName, "flaky model failed on call number %d", n)
		}
	}
	if strings.HasPrefix(p.ModelName, "error") {
		return nil, "", clientError(p.ModelName, "error sending request to dummy provider")
	}

	chunks := streamingResponse
	isTool := false
	if p.ModelName == "tool" {
		chunks = streamingToolResponse
		isTool = true
	}

	s := &stream{
		chunks:      chunks,
		isTool:      isTool,
		errAtIndex:  -1,
		totalTokens: len(chunks),
	}
	if p.ModelName == "err_in_stream" {
		s.errAtIndex = 3
	}
	return s, rawRequest, nil
}

type stream struct {
	chunks      []string
	isTool      bool
	errAtIndex  int // index whose chunk is replaced by a one-shot error; the stream continues past it
	totalTokens int
	idx         int
	done        bool
}

func (s *stream) Next(ctx context.Context) (*types.ProviderInferenceResponseChunk, error) {
	if s.done {
		return nil, provider.ErrStreamDone
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if s.idx == s.errAtIndex {
		s.idx++
		return nil, fmt.Errorf("dummy error in stream")
	}

	if s.idx >= len(s.chunks) {
		s.done = true
		finish := types.FinishReasonStop
		if s.isTool {
			finish = types.FinishReasonToolCall
		}
		return &types.ProviderInferenceResponseChunk{
			Content:      nil,
			Usage:        &types.Usage{InputTokens: intp(10), OutputTokens: intp(s.totalTokens)},
			RawChunk:     "",
			ElapsedMs:    int64(50 + 10*len(s.chunks)),
			FinishReason: finish,
		}, nil
	}

	chunk := s.chunks[s.idx]
	var block types.ContentBlock
	if s.isTool {
		block = types.ToolCallBlock{ID: "0", Name: "get_temperature", RawArguments: chunk}
	} else {
		block = types.TextBlock{Text: chunk}
	}
	elapsed := int64(50 + 10*(s.idx+1))
	s.idx++
	return &types.ProviderInferenceResponseChunk{
		Content:   []types.ContentBlock{block},
		RawChunk:  chunk,
		ElapsedMs: elapsed,
	}, nil
}

func (s *stream) Close() error {
	s.done = true
	return nil
}

func intp(v int) *int { return &v }
