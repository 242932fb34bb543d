package types

import "encoding/json"

// JSONMode controls how a provider adapter should coerce the model into
// producing JSON output.
type JSONMode string

const (
	JSONModeOff    JSONMode = "off"
	JSONModeOn     JSONMode = "on"
	JSONModeStrict JSONMode = "strict"
)

// FunctionType identifies the kind of function a request targets.
type FunctionType string

const (
	FunctionTypeChat FunctionType = "chat"
	FunctionTypeJSON FunctionType = "json"
	FunctionTypeTool FunctionType = "tool"
)

// FinishReason normalizes provider-specific stop reasons.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonToolCall      FinishReason = "tool_call"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

// ToolDefinition describes one tool exposed to the model for a request.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// ToolChoiceMode controls how a request constrains tool use.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolConfig bundles the tool definitions and choice policy resolved for a
// request by the function/variant selector.
type ToolConfig struct {
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ChoiceMode ToolChoiceMode   `json:"choice_mode,omitempty"`
	ChoiceName string           `json:"choice_name,omitempty"`
	// ParallelToolCalls, when false, asks the provider to stop after a single
	// tool call rather than requesting several calls in one turn.
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
}

// Usage reports token consumption for a model call.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

// ModelInferenceRequest is the internal, provider-agnostic request built by
// the dispatch engine after variant selection and template rendering.
// inference_id is intentionally excluded from the cache fingerprint (see
// internal/cache); everything else participates.
type ModelInferenceRequest struct {
	InferenceID string `json:"-"`

	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`

	ToolConfig *ToolConfig `json:"tool_config,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`

	Stream bool `json:"stream"`

	JSONMode     JSONMode        `json:"json_mode,omitempty"`
	FunctionType FunctionType    `json:"function_type"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	ExtraBody    map[string]json.RawMessage `json:"extra_body,omitempty"`
	ExtraHeaders map[string]string          `json:"extra_headers,omitempty"`
}

// ProviderInferenceResponse is the normalized response returned by every
// InferenceProvider.Infer implementation.
type ProviderInferenceResponse struct {
	Output       []ContentBlock
	InputMessage []Message // echo of the messages sent, for persistence
	RawRequest   string
	RawResponse  string
	Usage        Usage
	FinishReason FinishReason
	Latency      Latency
}

type providerInferenceResponseWire struct {
	Output       json.RawMessage `json:"output"`
	InputMessage []Message       `json:"input_message"`
	RawRequest   string          `json:"raw_request"`
	RawResponse  string          `json:"raw_response"`
	Usage        Usage           `json:"usage"`
	FinishReason FinishReason    `json:"finish_reason"`
	Latency      Latency         `json:"latency"`
}

// MarshalJSON/UnmarshalJSON round-trip Output's discriminated content-block
// union; see EncodeContentBlocks. Persisted via the cache and observability
// store, both of which need this response back in its exact concrete shape.
func (r ProviderInferenceResponse) MarshalJSON() ([]byte, error) {
	output, err := EncodeContentBlocks(r.Output)
	if err != nil {
		return nil, err
	}
	return json.Marshal(providerInferenceResponseWire{
		Output: output, InputMessage: r.InputMessage, RawRequest: r.RawRequest,
		RawResponse: r.RawResponse, Usage: r.Usage, FinishReason: r.FinishReason, Latency: r.Latency,
	})
}

func (r *ProviderInferenceResponse) UnmarshalJSON(raw []byte) error {
	var wire providerInferenceResponseWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	output, err := DecodeContentBlocks(wire.Output)
	if err != nil {
		return err
	}
	r.Output = output
	r.InputMessage = wire.InputMessage
	r.RawRequest = wire.RawRequest
	r.RawResponse = wire.RawResponse
	r.Usage = wire.Usage
	r.FinishReason = wire.FinishReason
	r.Latency = wire.Latency
	return nil
}

// Latency records the timing characteristics of a non-streaming or streaming
// provider call.
type Latency struct {
	// ResponseTime is the total wall-clock time for a non-streaming call.
	ResponseTime int64 // milliseconds
	// TimeToFirstToken is set for streaming calls only.
	TimeToFirstToken *int64 // milliseconds
}

// ProviderInferenceResponseChunk is a single streaming event from a provider.
type ProviderInferenceResponseChunk struct {
	Content      []ContentBlock
	Usage        *Usage // only ever set on the terminal chunk, see internal/cache
	RawChunk     string
	ElapsedMs    int64
	FinishReason FinishReason
}

type providerInferenceResponseChunkWire struct {
	Content      json.RawMessage `json:"content"`
	Usage        *Usage          `json:"usage,omitempty"`
	RawChunk     string          `json:"raw_chunk"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
}

func (c ProviderInferenceResponseChunk) MarshalJSON() ([]byte, error) {
	content, err := EncodeContentBlocks(c.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(providerInferenceResponseChunkWire{
		Content: content, Usage: c.Usage, RawChunk: c.RawChunk, ElapsedMs: c.ElapsedMs, FinishReason: c.FinishReason,
	})
}

func (c *ProviderInferenceResponseChunk) UnmarshalJSON(raw []byte) error {
	var wire providerInferenceResponseChunkWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	content, err := DecodeContentBlocks(wire.Content)
	if err != nil {
		return err
	}
	c.Content = content
	c.Usage = wire.Usage
	c.RawChunk = wire.RawChunk
	c.ElapsedMs = wire.ElapsedMs
	c.FinishReason = wire.FinishReason
	return nil
}
