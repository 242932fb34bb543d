// Package provider defines the contract every model provider adapter
// implements, normalizing OpenAI, Anthropic, Bedrock, Vertex, and
// OpenAI-compatible self-hosted backends (plus the deterministic dummy
// fixture and the gateway-to-gateway relay) behind one shape the dispatch
// engine and model table can drive uniformly.
package provider

import (
	"context"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// InferenceProvider is implemented by every provider adapter. A single
// adapter value is constructed once per configured model provider and
// reused across requests; implementations must be safe for concurrent use.
type InferenceProvider interface {
	// Infer performs one non-streaming call.
	Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error)

	// InferStream starts a streaming call and returns a ProviderStream that
	// yields one chunk per Next call. The raw request string sent to the
	// provider is returned alongside the stream since it is only known once
	// the request has actually been serialized.
	InferStream(ctx context.Context, req *types.ModelInferenceRequest) (ProviderStream, string, error)
}

// ProviderStream yields the chunks of one streaming inference call. Next
// returns ErrStreamDone once the terminal chunk has been consumed; callers
// must call Close exactly once.
type ProviderStream interface {
	Next(ctx context.Context) (*types.ProviderInferenceResponseChunk, error)
	Close() error
}

// ErrStreamDone is returned by ProviderStream.Next once the stream has been
// fully consumed.
var ErrStreamDone = streamDoneError{}

type streamDoneError struct{}

func (streamDoneError) Error() string { return "provider: stream done" }

// BatchProvider is the optional asynchronous batch-inference capability of a
// provider adapter. None of the adapters in this module implements it.
// internal/batch type-asserts for this interface and rejects a provider that
// does not implement it with tzerr.KindBatchUnsupported.
type BatchProvider interface {
	// StartBatchInference submits reqs as one provider-side batch job and
	// returns an opaque batch identifier.
	StartBatchInference(ctx context.Context, reqs []*types.ModelInferenceRequest) (batchID string, err error)

	// PollBatchInference reports whether batchID has finished, and if so,
	// the per-request responses in the same order as StartBatchInference's
	// reqs. A non-nil error at index i means that request failed; callers
	// distinguish per-row failure from a wholesale poll failure by checking
	// done && err == nil first.
	PollBatchInference(ctx context.Context, batchID string) (done bool, responses []BatchResult, err error)
}

// BatchResult is one row of a polled batch job's results.
type BatchResult struct {
	Response *types.ProviderInferenceResponse
	Err      error
}
