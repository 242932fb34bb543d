// Package vertex implements provider.InferenceProvider for GCP Vertex AI's
// OpenAI-compatible "Chat Completions" surface (Model Garden endpoints
// expose the same wire shape as OpenAI). The adapter is a thin wrapper
// around internal/provider/openaicompat plus a token-exchange credential
// step, grounded on the same base-URL-parameterization idea used across the
// OpenAI-compatible family in features/model/openai/client.go (NewFromAPIKey
// constructing a client pointed at a configurable endpoint).
package vertex

import (
	"context"
	"fmt"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/openaicompat"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// TokenSource exchanges a GCP service-account credential for a short-lived
// bearer token. Implementations typically wrap golang.org/x/oauth2/google.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Provider wraps an openaicompat.Provider, refreshing its bearer token from
// TokenSource before each call.
type Provider struct {
	tokens  TokenSource
	project string
	region  string
	model   string
}

// New builds a Vertex provider. baseURL is derived from project/region at
// call time: https://{region}-aiplatform.googleapis.com/.../openapi.
func New(tokens TokenSource, project, region, modelName string) (*Provider, error) {
	if tokens == nil {
		return nil, fmt.Errorf("vertex: token source is required")
	}
	if project == "" || region == "" {
		return nil, fmt.Errorf("vertex: project and region are required")
	}
	return &Provider{tokens: tokens, project: project, region: region, model: modelName}, nil
}

func (p *Provider) baseURL() string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/endpoints/openapi", p.region, p.project, p.region)
}

func (p *Provider) delegate(ctx context.Context) (*openaicompat.Provider, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("vertex: token exchange: %w", err)
	}
	return openaicompat.NewFromBaseURL(token, p.baseURL(), p.model, openaicompat.Quirks{})
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	d, err := p.delegate(ctx)
	if err != nil {
		return nil, err
	}
	return d.Infer(ctx, req)
}

func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	d, err := p.delegate(ctx)
	if err != nil {
		return nil, "", err
	}
	return d.InferStream(ctx, req)
}
