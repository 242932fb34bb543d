// Package bedrock implements provider.InferenceProvider over the AWS Bedrock
// Converse/ConverseStream API, adapted from
// features/model/bedrock/{client,stream}.go: the same RuntimeClient seam
// (matches *bedrockruntime.Client, satisfiable by a fake in tests), the same
// system/conversational message split, and the same text + tool_use content
// translation, generalized to TensorZero's types.ContentBlock vocabulary.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter; satisfied by *bedrockruntime.Client or a test fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Provider implements provider.InferenceProvider over Bedrock Converse.
type Provider struct {
	runtime   RuntimeClient
	modelID   string
	maxTokens int
}

// New builds a Bedrock provider. modelID is the Bedrock model/inference
// profile ARN or ID.
func New(runtime RuntimeClient, modelID string, maxTokens int) (*Provider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model id is required")
	}
	return &Provider{runtime: runtime, modelID: modelID, maxTokens: maxTokens}, nil
}

func (p *Provider) buildInput(req *types.ModelInferenceRequest) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	in := &bedrockruntime.ConverseInput{
		ModelId:  &p.modelID,
		Messages: msgs,
	}
	if req.System != "" {
		in.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	cfg := &brtypes.InferenceConfiguration{}
	maxTokens := p.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		cfg.MaxTokens = &v
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	in.InferenceConfig = cfg

	if req.ToolConfig != nil && len(req.ToolConfig.Tools) > 0 {
		toolSpecs := make([]brtypes.Tool, 0, len(req.ToolConfig.Tools))
		for _, td := range req.ToolConfig.Tools {
			var schema map[string]any
			_ = json.Unmarshal(td.Parameters, &schema)
			name, desc := td.Name, td.Description
			toolSpecs = append(toolSpecs, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        &name,
					Description: &desc,
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			})
		}
		in.ToolConfig = &brtypes.ToolConfiguration{Tools: toolSpecs}
		switch req.ToolConfig.ChoiceMode {
		case types.ToolChoiceRequired:
			in.ToolConfig.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case types.ToolChoiceSpecific:
			in.ToolConfig.ToolChoice = &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: &req.ToolConfig.ChoiceName},
			}
		}
	}
	return in, nil
}

func encodeMessages(msgs []types.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			continue
		}
		var blocks []brtypes.ContentBlock
		for _, part := range m.Parts {
			switch v := part.(type) {
			case types.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case types.ToolCallBlock:
				var args any
				_ = json.Unmarshal(v.Arguments, &args)
				name, id := v.Name, v.ID
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{Name: &name, ToolUseId: &id, Input: document.NewLazyDocument(args)},
				})
			case types.ToolResultBlock:
				id := v.ID
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: &id,
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Result}},
					},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case types.RoleUser:
			role = brtypes.ConversationRoleUser
		case types.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	in, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := p.runtime.Converse(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	rawReq, _ := json.Marshal(req)

	var output []types.ContentBlock
	if member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range member.Value.Content {
			output = append(output, translateBlock(block))
		}
	}
	var usage types.Usage
	if out.Usage != nil {
		usage = types.Usage{
			InputTokens:  intp(int(derefI32(out.Usage.InputTokens))),
			OutputTokens: intp(int(derefI32(out.Usage.OutputTokens))),
		}
	}
	return &types.ProviderInferenceResponse{
		Output:       output,
		InputMessage: req.Messages,
		RawRequest:   string(rawReq),
		RawResponse:  fmt.Sprintf("%+v", out),
		Usage:        usage,
		FinishReason: translateStopReason(string(out.StopReason)),
		Latency:      types.Latency{ResponseTime: time.Since(start).Milliseconds()},
	}, nil
}

func translateBlock(block brtypes.ContentBlock) types.ContentBlock {
	switch v := block.(type) {
	case *brtypes.ContentBlockMemberText:
		return types.TextBlock{Text: v.Value}
	case *brtypes.ContentBlockMemberToolUse:
		raw, _ := json.Marshal(v.Value.Input)
		return types.ToolCallBlock{
			ID:   derefStr(v.Value.ToolUseId), Name: derefStr(v.Value.Name),
			RawArguments: string(raw), Arguments: raw,
		}
	default:
		raw, _ := json.Marshal(block)
		return types.UnknownBlock{Raw: raw}
	}
}

func translateStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishReasonStop
	case "tool_use":
		return types.FinishReasonToolCall
	case "max_tokens":
		return types.FinishReasonLength
	case "content_filtered":
		return types.FinishReasonContentFilter
	default:
		return types.FinishReasonUnknown
	}
}

// InferStream implements streaming Converse calls via ConverseStream,
// draining the event stream on a background goroutine, matching the
// goroutine-plus-channel shape used across every streaming adapter in this
// package set.
func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	in, err := p.buildInput(req)
	if err != nil {
		return nil, "", err
	}
	rawReq, _ := json.Marshal(req)
	out, err := p.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId: in.ModelId, Messages: in.Messages, System: in.System,
		InferenceConfig: in.InferenceConfig, ToolConfig: in.ToolConfig,
	})
	if err != nil {
		return nil, "", fmt.Errorf("bedrock: converse stream: %w", err)
	}
	return newStreamAdapter(ctx, out), string(rawReq), nil
}

type streamAdapter struct {
	cancel context.CancelFunc
	chunks chan *types.ProviderInferenceResponseChunk
	err    error
}

func newStreamAdapter(ctx context.Context, out *bedrockruntime.ConverseStreamOutput) *streamAdapter {
	cctx, cancel := context.WithCancel(ctx)
	a := &streamAdapter{cancel: cancel, chunks: make(chan *types.ProviderInferenceResponseChunk, 32)}
	go a.run(cctx, out)
	return a
}

func (a *streamAdapter) run(ctx context.Context, out *bedrockruntime.ConverseStreamOutput) {
	defer close(a.chunks)
	stream := out.GetStream()
	defer stream.Close()

	toolID, toolName := "", ""
	var inputTokens, outputTokens int
	finish := types.FinishReasonStop

	for event := range stream.Events() {
		select {
		case <-ctx.Done():
			a.err = ctx.Err()
			return
		default:
		}
		switch e := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				toolID = derefStr(tu.Value.ToolUseId)
				toolName = derefStr(tu.Value.Name)
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				a.chunks <- &types.ProviderInferenceResponseChunk{Content: []types.ContentBlock{types.TextBlock{Text: d.Value}}}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				a.chunks <- &types.ProviderInferenceResponseChunk{Content: []types.ContentBlock{
					types.ToolCallBlock{ID: toolID, Name: toolName, RawArguments: derefStr(d.Value.Input)},
				}}
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if e.Value.Usage != nil {
				inputTokens = int(derefI32(e.Value.Usage.InputTokens))
				outputTokens = int(derefI32(e.Value.Usage.OutputTokens))
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			finish = translateStopReason(string(e.Value.StopReason))
		}
	}
	if err := stream.Err(); err != nil {
		a.err = err
		return
	}
	a.chunks <- &types.ProviderInferenceResponseChunk{
		Usage:        &types.Usage{InputTokens: intp(inputTokens), OutputTokens: intp(outputTokens)},
		FinishReason: finish,
	}
}

func (a *streamAdapter) Next(ctx context.Context) (*types.ProviderInferenceResponseChunk, error) {
	select {
	case c, ok := <-a.chunks:
		if !ok {
			if a.err != nil {
				return nil, a.err
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

func derefI32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
