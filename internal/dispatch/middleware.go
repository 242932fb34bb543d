package dispatch

import (
	"context"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ProviderCallHandler is one attempt at routing a built request through a
// model's provider list (failover across providers inside the model is
// internal to modeltable.Table; this handler sees only the outcome).
// dynCreds is the client-supplied dynamic credential map for this request.
type ProviderCallHandler func(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string) (resp *types.ProviderInferenceResponse, providerName string, err error)

// ProviderCallMiddleware wraps a ProviderCallHandler to add cross-cutting
// behavior (logging, metrics, rate limiting) around every model-table call.
// Middleware are applied in registration order: the first one registered is
// outermost, forming an onion around the base model-table invocation.
// Grounded on features/model/gateway/server.go's Server/UnaryMiddleware,
// generalized from "wrap one provider client" to "wrap one model-table
// lookup", since dispatch routes by model name rather than holding a single
// provider handle.
type ProviderCallMiddleware func(next ProviderCallHandler) ProviderCallHandler

// StreamCallHandler is the streaming counterpart of ProviderCallHandler.
type StreamCallHandler func(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string) (stream provider.ProviderStream, rawRequest, providerName string, err error)

// StreamCallMiddleware is StreamCallHandler's middleware, composed the same
// way as ProviderCallMiddleware.
type StreamCallMiddleware func(next StreamCallHandler) StreamCallHandler

func composeUnary(base ProviderCallHandler, mw []ProviderCallMiddleware) ProviderCallHandler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func composeStream(base StreamCallHandler, mw []StreamCallMiddleware) StreamCallHandler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
