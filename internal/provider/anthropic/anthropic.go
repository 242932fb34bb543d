// Package anthropic implements provider.InferenceProvider on top of the
// Anthropic Claude Messages API, adapted from
// a MessagesClient seam (so tests can inject a fake) paired with a
// goroutine-plus-channel streaming adapter, translating between
// types.ModelInferenceRequest/types.ProviderInferenceResponseChunk and the
// Anthropic SDK's own request/event types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can inject a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements provider.InferenceProvider over the Anthropic Messages
// API.
type Provider struct {
	msg       MessagesClient
	modelName string
	maxTokens int
}

// New builds an Anthropic provider. maxTokens is the default completion cap
// used when a request does not specify MaxTokens.
func New(msg MessagesClient, modelName string, maxTokens int) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if modelName == "" {
		return nil, errors.New("anthropic: model name is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Provider{msg: msg, modelName: modelName, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP
// client, configured with apiKey.
func NewFromAPIKey(apiKey, modelName string, maxTokens int) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, modelName, maxTokens)
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	rawResp, _ := json.Marshal(msg)
	rawReq, _ := json.Marshal(params)

	output := translateContent(msg.Content)
	usage := types.Usage{
		InputTokens:  intp(int(msg.Usage.InputTokens)),
		OutputTokens: intp(int(msg.Usage.OutputTokens)),
	}
	return &types.ProviderInferenceResponse{
		Output:       output,
		InputMessage: req.Messages,
		RawRequest:   string(rawReq),
		RawResponse:  string(rawResp),
		Usage:        usage,
		FinishReason: translateStopReason(string(msg.StopReason)),
		Latency:      types.Latency{ResponseTime: time.Since(start).Milliseconds()},
	}, nil
}

func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, "", err
	}
	rawReq, _ := json.Marshal(params)
	s := p.msg.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, "", fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return newStreamAdapter(ctx, s), string(rawReq), nil
}

func (p *Provider) buildParams(req *types.ModelInferenceRequest) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := p.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(p.modelName),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if req.ToolConfig != nil && len(req.ToolConfig.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.ToolConfig.Tools))
		for _, td := range req.ToolConfig.Tools {
			var schema map[string]any
			_ = json.Unmarshal(td.Parameters, &schema)
			tools = append(tools, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
				Properties: schema["properties"],
			}, td.Name))
		}
		params.Tools = tools
		switch req.ToolConfig.ChoiceMode {
		case types.ToolChoiceNone:
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
		case types.ToolChoiceRequired:
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
		case types.ToolChoiceSpecific:
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: req.ToolConfig.ChoiceName}}
		}
	}
	return params, nil
}

func encodeMessages(msgs []types.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			continue // system is carried separately via req.System
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case types.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case types.ToolCallBlock:
				var args any
				_ = json.Unmarshal(v.Arguments, &args)
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, args, v.Name))
			case types.ToolResultBlock:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ID, v.Result, false))
			case types.ThoughtBlock:
				// Thinking blocks are not re-submitted verbatim for Anthropic.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case types.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func translateContent(blocks []sdk.ContentBlockUnion) []types.ContentBlock {
	out := make([]types.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, types.TextBlock{Text: b.Text})
		case "thinking":
			out = append(out, types.ThoughtBlock{Text: b.Thinking, Signature: b.Signature})
		case "tool_use":
			raw, _ := json.Marshal(b.Input)
			out = append(out, types.ToolCallBlock{ID: b.ID, Name: b.Name, RawArguments: string(raw), Arguments: raw})
		default:
			raw, _ := json.Marshal(b)
			out = append(out, types.UnknownBlock{Raw: raw})
		}
	}
	return out
}

func translateStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishReasonStop
	case "tool_use":
		return types.FinishReasonToolCall
	case "max_tokens":
		return types.FinishReasonLength
	default:
		return types.FinishReasonUnknown
	}
}

// streamAdapter adapts an Anthropic SSE stream to provider.ProviderStream,
// running the SDK's blocking iterator on a background goroutine and
// delivering translated chunks over a channel.
type streamAdapter struct {
	cancel context.CancelFunc
	chunks chan *types.ProviderInferenceResponseChunk

	mu      sync.Mutex
	err     error
	started time.Time
}

func newStreamAdapter(ctx context.Context, s *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamAdapter {
	cctx, cancel := context.WithCancel(ctx)
	a := &streamAdapter{cancel: cancel, chunks: make(chan *types.ProviderInferenceResponseChunk, 32), started: time.Now()}
	go a.run(cctx, s)
	return a
}

func (a *streamAdapter) run(ctx context.Context, s *ssestream.Stream[sdk.MessageStreamEventUnion]) {
	defer close(a.chunks)
	defer s.Close()

	var inputTokens, outputTokens int
	var toolID, toolName string
	var finish types.FinishReason = types.FinishReasonStop

	for s.Next() {
		select {
		case <-ctx.Done():
			a.setErr(ctx.Err())
			return
		default:
		}
		event := s.Current()
		switch event.Type {
		case "message_start":
			inputTokens = int(event.Message.Usage.InputTokens)
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolID = event.ContentBlock.ID
				toolName = event.ContentBlock.Name
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				a.emit(&types.ProviderInferenceResponseChunk{
					Content:   []types.ContentBlock{types.TextBlock{Text: event.Delta.Text}},
					ElapsedMs: time.Since(a.started).Milliseconds(),
				})
			case "input_json_delta":
				a.emit(&types.ProviderInferenceResponseChunk{
					Content:   []types.ContentBlock{types.ToolCallBlock{ID: toolID, Name: toolName, RawArguments: event.Delta.PartialJSON}},
					ElapsedMs: time.Since(a.started).Milliseconds(),
				})
			}
		case "message_delta":
			outputTokens = int(event.Usage.OutputTokens)
			if event.Delta.StopReason != "" {
				finish = translateStopReason(string(event.Delta.StopReason))
			}
		}
	}
	if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
		a.setErr(err)
		return
	}
	a.emit(&types.ProviderInferenceResponseChunk{
		Usage:        &types.Usage{InputTokens: intp(inputTokens), OutputTokens: intp(outputTokens)},
		FinishReason: finish,
		ElapsedMs:    time.Since(a.started).Milliseconds(),
	})
}

func (a *streamAdapter) emit(c *types.ProviderInferenceResponseChunk) {
	select {
	case a.chunks <- c:
	}
}

func (a *streamAdapter) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *streamAdapter) Next(ctx context.Context) (*types.ProviderInferenceResponseChunk, error) {
	select {
	case c, ok := <-a.chunks:
		if !ok {
			a.mu.Lock()
			err := a.err
			a.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, provider.ErrStreamDone
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *streamAdapter) Close() error {
	a.cancel()
	return nil
}

func intp(v int) *int { return &v }
