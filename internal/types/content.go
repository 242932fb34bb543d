// Package types defines the provider-agnostic content, message, and
// model-request/response types shared by the dispatch engine, the provider
// protocol layer, and the cache and observability stores. Content blocks are
// modeled as a closed sum type rather than flattened strings so that tool
// calls, tool results, and reasoning survive a round trip through every
// provider adapter unchanged.
package types

import "encoding/json"

// ContentBlock is a marker interface implemented by every content-block
// variant a message or a model response can carry.
type ContentBlock interface {
	isContentBlock()
}

type (
	// TextBlock is plain assistant- or user-visible text.
	TextBlock struct {
		Text string `json:"text"`
	}

	// ToolCallBlock declares a tool invocation requested by the model.
	ToolCallBlock struct {
		// ID is the provider-issued identifier for this call, used to
		// correlate a later ToolResultBlock.
		ID string `json:"id"`
		// Name is the tool identifier as configured for the function.
		Name string `json:"name"`
		// RawArguments is the provider's raw (possibly malformed) JSON
		// arguments text.
		RawArguments string `json:"raw_arguments"`
		// Arguments is the parsed arguments object. Nil when RawArguments
		// failed to parse as JSON or failed the tool's input schema.
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// ToolResultBlock carries the result of a prior tool call, supplied by
	// the caller in a subsequent turn.
	ToolResultBlock struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Result string `json:"result"`
	}

	// ThoughtBlock carries provider-issued reasoning/thinking content.
	ThoughtBlock struct {
		Text      string `json:"text,omitempty"`
		Signature string `json:"signature,omitempty"`
	}

	// FileBlock carries an image or document attachment. Kind distinguishes
	// "image" from "document"; exactly one of Data or URI should be set.
	FileBlock struct {
		Kind     string `json:"kind"`
		MimeType string `json:"mime_type"`
		Data     []byte `json:"data,omitempty"`
		URI      string `json:"uri,omitempty"`
	}

	// UnknownBlock preserves an unrecognized provider content block verbatim
	// so that round-tripping a response through the cache never silently
	// drops data.
	UnknownBlock struct {
		Raw json.RawMessage `json:"raw"`
	}
)

func (TextBlock) isContentBlock()       {}
func (ToolCallBlock) isContentBlock()   {}
func (ToolResultBlock) isContentBlock() {}
func (ThoughtBlock) isContentBlock()    {}
func (FileBlock) isContentBlock()       {}
func (UnknownBlock) isContentBlock()    {}

// blockEnvelope is the on-the-wire discriminated-union shape used to
// serialize a ContentBlock so that it can be decoded back into its concrete
// type later (by the cache and observability store, both of which persist
// []ContentBlock and must reconstruct it exactly).
type blockEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeContentBlocks serializes a slice of ContentBlock into a
// self-describing JSON array that DecodeContentBlocks can invert.
func EncodeContentBlocks(blocks []ContentBlock) ([]byte, error) {
	envelopes := make([]blockEnvelope, len(blocks))
	for i, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		envelopes[i] = blockEnvelope{Type: blockType(b), Data: data}
	}
	return json.Marshal(envelopes)
}

// DecodeContentBlocks inverts EncodeContentBlocks.
func DecodeContentBlocks(raw []byte) ([]ContentBlock, error) {
	var envelopes []blockEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, len(envelopes))
	for i, e := range envelopes {
		b, err := decodeBlock(e.Type, e.Data)
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return blocks, nil
}

func blockType(b ContentBlock) string {
	switch b.(type) {
	case TextBlock:
		return "text"
	case ToolCallBlock:
		return "tool_call"
	case ToolResultBlock:
		return "tool_result"
	case ThoughtBlock:
		return "thought"
	case FileBlock:
		return "file"
	default:
		return "unknown"
	}
}

func decodeBlock(kind string, data json.RawMessage) (ContentBlock, error) {
	switch kind {
	case "text":
		var b TextBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case "tool_call":
		var b ToolCallBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case "tool_result":
		var b ToolResultBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case "thought":
		var b ThoughtBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case "file":
		var b FileBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case "unknown":
		var b UnknownBlock
		err := json.Unmarshal(data, &b)
		return b, err
	default:
		return UnknownBlock{Raw: data}, nil
	}
}

// Role identifies the speaker of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// InputMessage is a single message supplied by the client as part of a
// request. Content is either a plain string (valid when the function
// declares no schema for the role) or a JSON value conforming to the
// function's schema for that role.
type InputMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Message is an internal, fully-typed message used once content has been
// resolved into content blocks (after template rendering or provider
// response translation). It marshals Parts through the same discriminated
// envelope as EncodeContentBlocks, so a Message round-trips through JSON
// (and therefore through the cache and observability store) without losing
// its concrete block types.
type Message struct {
	Role  Role           `json:"role"`
	Parts []ContentBlock `json:"parts"`
}

type messageWire struct {
	Role  Role              `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, len(m.Parts))
	for i, b := range m.Parts {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		env, err := json.Marshal(blockEnvelope{Type: blockType(b), Data: data})
		if err != nil {
			return nil, err
		}
		parts[i] = env
	}
	return json.Marshal(messageWire{Role: m.Role, Parts: parts})
}

func (m *Message) UnmarshalJSON(raw []byte) error {
	var wire messageWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	parts := make([]ContentBlock, len(wire.Parts))
	for i, p := range wire.Parts {
		var env blockEnvelope
		if err := json.Unmarshal(p, &env); err != nil {
			return err
		}
		b, err := decodeBlock(env.Type, env.Data)
		if err != nil {
			return err
		}
		parts[i] = b
	}
	m.Role = wire.Role
	m.Parts = parts
	return nil
}

// ContentBlockChatOutput is the client-visible rendering of a single content
// block in a Chat function's response.
type ContentBlockChatOutput struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	RawArguments string          `json:"raw_arguments,omitempty"`
}

// JSONInferenceOutput is the client-visible output of a Json function.
type JSONInferenceOutput struct {
	Raw    string          `json:"raw"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
}
