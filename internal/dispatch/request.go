package dispatch

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// InferenceParamsOverride carries per-request parameter overrides that take
// precedence over whatever a variant would otherwise supply.
type InferenceParamsOverride struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
}

// ClientInferenceParams is the decoded body of POST /inference.
type ClientInferenceParams struct {
	FunctionName string                `json:"function_name"`
	Input        []types.InputMessage  `json:"input"`
	EpisodeID    *uuid.UUID            `json:"episode_id,omitempty"`
	VariantName  string                `json:"variant_name,omitempty"`
	Dryrun       bool                  `json:"dryrun,omitempty"`
	Stream       bool                  `json:"stream,omitempty"`
	Tags         map[string]string     `json:"tags,omitempty"`

	Params InferenceParamsOverride `json:"params,omitempty"`

	// ExtraBody/ExtraHeaders are copied onto the model request unchanged.
	// They are not resolved against the model table, and no provider adapter
	// applies them; the relay provider rejects a request that sets either.
	ExtraBody          map[string]json.RawMessage `json:"extra_body,omitempty"`
	ExtraHeaders       map[string]string          `json:"extra_headers,omitempty"`
	DynamicCredentials map[string]string          `json:"credentials,omitempty"`
}

// InferenceResponse is the client-visible result of a non-streaming or
// cached-hit inference.
type InferenceResponse struct {
	InferenceID uuid.UUID `json:"inference_id"`
	EpisodeID   uuid.UUID `json:"episode_id"`
	VariantName string    `json:"variant_name"`

	// Type is "chat" or "json"; exactly one of Content/Output is set.
	Type    string                           `json:"type"`
	Content []types.ContentBlockChatOutput   `json:"content,omitempty"`
	Output  *types.JSONInferenceOutput       `json:"output,omitempty"`

	Usage types.Usage `json:"usage"`
}

// FeedbackRequest is the decoded body of POST /feedback. Exactly one of
// InferenceID/EpisodeID must be set.
type FeedbackRequest struct {
	InferenceID *uuid.UUID      `json:"inference_id,omitempty"`
	EpisodeID   *uuid.UUID      `json:"episode_id,omitempty"`
	MetricName  string          `json:"metric_name"`
	Value       json.RawMessage `json:"value"`
	Dryrun      bool            `json:"dryrun,omitempty"`
}

// FeedbackResponse is returned on a successful feedback write.
type FeedbackResponse struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
}
