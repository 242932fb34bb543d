// Package openaicompat implements provider.InferenceProvider against any
// OpenAI-compatible Chat Completions endpoint: OpenAI itself, Azure OpenAI,
// Fireworks, Together, Mistral, vLLM, Ollama, SGLang, xAI, and Hyperbolic all
// speak this same wire shape modulo a handful of quirks, captured here in a
// Quirks table rather than one adapter per vendor. Grounded on
// a Complete/translateResponse pattern built on github.com/openai/openai-go,
// shared across every OpenAI-wire-compatible vendor via per-vendor Quirks.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Quirks captures the handful of ways an OpenAI-compatible backend deviates
// from vanilla OpenAI Chat Completions.
type Quirks struct {
	// JSONModeRequiresSchema is true for SGLang: json_mode:"on" is rejected
	// unless an output schema is also supplied as a response_format.
	JSONModeRequiresSchema bool
	// NoStrictTools is true for providers whose function-calling
	// implementation does not understand the "strict" field (most
	// self-hosted OpenAI-compatible servers).
	NoStrictTools bool
}

// ChatClient captures the subset of the OpenAI SDK used by the adapter, so
// tests can inject a fake chat-completions client.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Provider implements provider.InferenceProvider over any OpenAI-compatible
// Chat Completions endpoint.
type Provider struct {
	chat      ChatClient
	modelName string
	quirks    Quirks
}

// New builds a Provider from an injected ChatClient (real or fake).
func New(chat ChatClient, modelName string, quirks Quirks) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openaicompat: chat client is required")
	}
	if modelName == "" {
		return nil, errors.New("openaicompat: model name is required")
	}
	return &Provider{chat: chat, modelName: modelName, quirks: quirks}, nil
}

// NewFromBaseURL constructs a Provider pointed at baseURL (empty means the
// default OpenAI endpoint) using apiKey for bearer auth.
func NewFromBaseURL(apiKey, baseURL, modelName string, quirks Quirks) (*Provider, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return New(&client.Chat.Completions, modelName, quirks)
}

func (p *Provider) buildParams(req *types.ModelInferenceRequest) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 && req.System == "" {
		return openai.ChatCompletionNewParams{}, errors.New("openaicompat: messages are required")
	}
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		text := flattenText(m)
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, openai.UserMessage(text))
		case types.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.modelName),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}

	if req.JSONMode == types.JSONModeOn || req.JSONMode == types.JSONModeStrict {
		if p.quirks.JSONModeRequiresSchema && len(req.OutputSchema) == 0 {
			return params, errors.New("openaicompat: this backend requires an output schema when json_mode is enabled")
		}
		if len(req.OutputSchema) > 0 {
			var schema any
			_ = json.Unmarshal(req.OutputSchema, &schema)
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   "output",
						Schema: schema,
						Strict: openai.Bool(req.JSONMode == types.JSONModeStrict),
					},
				},
			}
		} else {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}

	if req.ToolConfig != nil && len(req.ToolConfig.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(req.ToolConfig.Tools))
		for _, td := range req.ToolConfig.Tools {
			var schema map[string]any
			_ = json.Unmarshal(td.Parameters, &schema)
			fn := shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: openai.String(td.Description),
				Parameters:  shared.FunctionParameters(schema),
			}
			if td.Strict && !p.quirks.NoStrictTools {
				fn.Strict = openai.Bool(true)
			}
			tools = append(tools, openai.ChatCompletionFunctionTool(fn))
		}
		params.Tools = tools
		switch req.ToolConfig.ChoiceMode {
		case types.ToolChoiceNone:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
		case types.ToolChoiceRequired:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
		case types.ToolChoiceSpecific:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolConfig.ChoiceName},
				},
			}
		}
	}

	return params, nil
}

func flattenText(m types.Message) string {
	var out string
	for _, part := range m.Parts {
		if tb, ok := part.(types.TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	rawReq, _ := json.Marshal(params)
	rawResp, _ := json.Marshal(resp)

	var output []types.ContentBlock
	finish := types.FinishReasonUnknown
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			output = append(output, types.TextBlock{Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			var args json.RawMessage
			if tc.Function.Arguments != "" {
				args = json.RawMessage(tc.Function.Arguments)
			}
			output = append(output, types.ToolCallBlock{
				ID: tc.ID, Name: tc.Function.Name,
				RawArguments: tc.Function.Arguments, Arguments: args,
			})
		}
		finish = translateFinishReason(string(choice.FinishReason))
	}

	return &types.ProviderInferenceResponse{
		Output:       output,
		InputMessage: req.Messages,
		RawRequest:   string(rawReq),
		RawResponse:  string(rawResp),
		Usage: types.Usage{
			InputTokens:  intp(int(resp.Usage.PromptTokens)),
			OutputTokens: intp(int(resp.Usage.CompletionTokens)),
		},
		FinishReason: finish,
		Latency:      types.Latency{ResponseTime: time.Since(start).Milliseconds()},
	}, nil
}

func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, "", err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	rawReq, _ := json.Marshal(params)
	s := p.chat.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		return nil, "", fmt.Errorf("openaicompat: chat completion stream: %w", err)
	}
	return newStreamAdapter(ctx, s), string(rawReq), nil
}

func translateFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop":
		return types.FinishReasonStop
	case "tool_calls", "function_call":
		return types.FinishReasonToolCall
	case "length":
		return types.FinishReasonLength
	case "content_filter":
		return types.FinishReasonContentFilter
	default:
		return types.FinishReasonUnknown
	}
}

func intp(v int) *int { return &v }
