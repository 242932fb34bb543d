package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Backend is the pluggable cache operation pair: lookup and write.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Lookup returns the cached payload for key, or ok=false on a miss or an
	// entry older than maxAge (zero means no age limit).
	Lookup(ctx context.Context, key string, maxAge time.Duration) (data []byte, ok bool, err error)
	// Write stores data under key. Implementations that cannot persist (the
	// disabled backend) treat Write as a no-op success.
	Write(ctx context.Context, key string, data []byte) error
}

// Data is what gets cached for a non-streaming inference.
type Data struct {
	Response types.ProviderInferenceResponse `json:"response"`
}

// StreamingData is what gets cached for a streaming inference. Usage is
// carried on the last chunk only, mirroring the live-stream invariant so a
// cached replay is indistinguishable from the original stream.
type StreamingData struct {
	Chunks []types.ProviderInferenceResponseChunk `json:"chunks"`
}

// EnabledMode is the closed set of cache modes a request can select.
type EnabledMode string

const (
	On        EnabledMode = "on"
	Off       EnabledMode = "off"
	ReadOnly  EnabledMode = "read_only"
	WriteOnly EnabledMode = "write_only"
)

// EffectiveMode combines a requested mode with dryrun: a dry run can never
// cause a write, but may still read.
//
//	(On, dryrun)       -> ReadOnly
//	(WriteOnly, dryrun) -> Off
//	(ReadOnly, *)       -> ReadOnly
//	(Off, *)            -> Off
func EffectiveMode(mode EnabledMode, dryrun bool) EnabledMode {
	switch mode {
	case On:
		if dryrun {
			return ReadOnly
		}
		return On
	case WriteOnly:
		if dryrun {
			return Off
		}
		return WriteOnly
	case ReadOnly:
		return ReadOnly
	default:
		return Off
	}
}

func (m EnabledMode) canRead() bool  { return m == On || m == ReadOnly }
func (m EnabledMode) canWrite() bool { return m == On || m == WriteOnly }

// Cache wraps a Backend with the mode/dryrun/validation policy, so callers
// in internal/dispatch never touch EnabledMode math or JSON encoding
// directly.
type Cache struct {
	backend Backend
	maxAge  time.Duration
	logger  func(msg string, keyvals ...any)
}

// New constructs a Cache. logger may be nil; when set it is called with a
// WARN-level message whenever a write is skipped for failing validation.
func New(backend Backend, maxAge time.Duration, logger func(msg string, keyvals ...any)) *Cache {
	return &Cache{backend: backend, maxAge: maxAge, logger: logger}
}

// LookupNonStreaming looks up a non-streaming cache entry.
func (c *Cache) LookupNonStreaming(ctx context.Context, mode EnabledMode, dryrun bool, key string) (*Data, bool) {
	if !EffectiveMode(mode, dryrun).canRead() {
		return nil, false
	}
	raw, ok, err := c.backend.Lookup(ctx, key, c.maxAge)
	if err != nil || !ok {
		return nil, false
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false
	}
	return &data, true
}

// LookupStreaming looks up a streaming cache entry.
func (c *Cache) LookupStreaming(ctx context.Context, mode EnabledMode, dryrun bool, key string) (*StreamingData, bool) {
	if !EffectiveMode(mode, dryrun).canRead() {
		return nil, false
	}
	raw, ok, err := c.backend.Lookup(ctx, key, c.maxAge)
	if err != nil || !ok {
		return nil, false
	}
	var data StreamingData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false
	}
	return &data, true
}

// WriteNonStreaming writes a non-streaming entry, honoring mode/dryrun and
// ShouldWriteToCache's validation gate. When toolConfig is nil or declares no
// tools, every tool-call block only needs raw_arguments to parse as JSON.
func (c *Cache) WriteNonStreaming(ctx context.Context, mode EnabledMode, dryrun bool, key string, resp types.ProviderInferenceResponse, toolConfig *config.FunctionConfig) error {
	if !EffectiveMode(mode, dryrun).canWrite() {
		return nil
	}
	if !ShouldWriteToCache(resp.Output, toolConfig) {
		if c.logger != nil {
			c.logger("Skipping cache write", "reason", "tool call output failed validation")
		}
		return nil
	}
	raw, err := json.Marshal(Data{Response: resp})
	if err != nil {
		return err
	}
	return c.backend.Write(ctx, key, raw)
}

// WriteStreaming writes a streaming entry. Streaming writes are always
// attempted: chunks are not re-parsed at write time.
func (c *Cache) WriteStreaming(ctx context.Context, mode EnabledMode, dryrun bool, key string, chunks []types.ProviderInferenceResponseChunk) error {
	if !EffectiveMode(mode, dryrun).canWrite() {
		return nil
	}
	raw, err := json.Marshal(StreamingData{Chunks: chunks})
	if err != nil {
		return err
	}
	return c.backend.Write(ctx, key, raw)
}

// ShouldWriteToCache is the validation gate for non-streaming writes: when
// the function declares tools, every ToolCallBlock must carry parsed
// Arguments; otherwise each tool call's RawArguments must at least parse as
// JSON.
func ShouldWriteToCache(output []types.ContentBlock, fn *config.FunctionConfig) bool {
	hasTools := fn != nil && len(fn.Tools) > 0
	for _, block := range output {
		call, ok := block.(types.ToolCallBlock)
		if !ok {
			continue
		}
		if hasTools {
			if len(call.Arguments) == 0 {
				return false
			}
			continue
		}
		var v any
		if json.Unmarshal([]byte(call.RawArguments), &v) != nil {
			return false
		}
	}
	return true
}
