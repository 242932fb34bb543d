package modeltable

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

type fakeProvider struct {
	fail bool
	text string
}

// credentialEchoProvider's Infer returns its own constructor-time credential
// as text, so a test can assert which credential a factory call resolved.
type credentialEchoProvider struct {
	credential string
}

func (f *credentialEchoProvider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	return &types.ProviderInferenceResponse{Output: []types.ContentBlock{types.TextBlock{Text: f.credential}}}, nil
}

func (f *credentialEchoProvider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeProvider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	if f.fail {
		return nil, errors.New("fake provider failure")
	}
	return &types.ProviderInferenceResponse{Output: []types.ContentBlock{types.TextBlock{Text: f.text}}}, nil
}

func (f *fakeProvider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	return nil, "", errors.New("not implemented")
}

func TestInferWithModelFailsOverToNextProvider(t *testing.T) {
	cfg := &config.Config{Models: map[string]config.ModelConfig{
		"m1": {
			Routing: []string{"a", "b"},
			Providers: map[string]config.ModelProvider{
				"a": {Kind: "fake", Credentials: config.Credential{Kind: config.CredentialNone}},
				"b": {Kind: "fake", Credentials: config.Credential{Kind: config.CredentialNone}},
			},
		},
	}}
	factories := map[config.ProviderKind]ProviderFactory{
		"fake": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return &fakeProvider{}, nil
		},
	}
	table, err := Build(cfg, factories)
	require.NoError(t, err)
	table.models["m1"].routing[0].p = &fakeProvider{fail: true}
	table.models["m1"].routing[1].p = &fakeProvider{text: "ok from b"}

	resp, providerName, err := table.InferWithModel(context.Background(), "m1", &types.ModelInferenceRequest{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", providerName)
	tb := resp.Output[0].(types.TextBlock)
	assert.Equal(t, "ok from b", tb.Text)
}

func TestInferWithModelExhaustsAllProviders(t *testing.T) {
	cfg := &config.Config{Models: map[string]config.ModelConfig{
		"m1": {
			Routing:   []string{"a"},
			Providers: map[string]config.ModelProvider{"a": {Kind: "fake", Credentials: config.Credential{Kind: config.CredentialNone}}},
		},
	}}
	factories := map[config.ProviderKind]ProviderFactory{
		"fake": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return &fakeProvider{fail: true}, nil
		},
	}
	table, err := Build(cfg, factories)
	require.NoError(t, err)

	_, _, err = table.InferWithModel(context.Background(), "m1", &types.ModelInferenceRequest{}, nil, nil)
	require.Error(t, err)
	tzErr, ok := tzerr.As(err)
	require.True(t, ok)
	assert.Equal(t, tzerr.KindModelProvidersExhausted, tzErr.Kind)
}

// Dynamic credentials are not resolved at Build time (a provider built with
// one would bake in an empty credential forever); they must be re-resolved
// per request against the caller-supplied map.
func TestInferWithModelResolvesDynamicCredentialPerRequest(t *testing.T) {
	cfg := &config.Config{Models: map[string]config.ModelConfig{
		"m1": {
			Routing: []string{"a"},
			Providers: map[string]config.ModelProvider{
				"a": {Kind: "echo", Credentials: config.Credential{Kind: config.CredentialDynamic, DynamicName: "my_key"}},
			},
		},
	}}
	factories := map[config.ProviderKind]ProviderFactory{
		"echo": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return &credentialEchoProvider{credential: credential}, nil
		},
	}
	table, err := Build(cfg, factories)
	require.NoError(t, err)

	resp, _, err := table.InferWithModel(context.Background(), "m1", &types.ModelInferenceRequest{}, map[string]string{"my_key": "sk-first"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-first", resp.Output[0].(types.TextBlock).Text)

	resp, _, err = table.InferWithModel(context.Background(), "m1", &types.ModelInferenceRequest{}, map[string]string{"my_key": "sk-second"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-second", resp.Output[0].(types.TextBlock).Text)
}

// WithFallback logs a warning whenever it falls back to its fallback
// credential source.
func TestWithFallbackCredentialLogsWarningOnFallback(t *testing.T) {
	cfg := &config.Config{Models: map[string]config.ModelConfig{
		"m1": {
			Routing: []string{"a"},
			Providers: map[string]config.ModelProvider{
				"a": {Kind: "echo", Credentials: config.Credential{
					Kind: config.CredentialWithFallback,
					Default: &config.Credential{
						Kind: config.CredentialDynamic, DynamicName: "missing_key",
					},
					Fallback: &config.Credential{
						Kind: config.CredentialStatic, Static: "sk-fallback",
					},
				}},
			},
		},
	}}
	factories := map[config.ProviderKind]ProviderFactory{
		"echo": func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return &credentialEchoProvider{credential: credential}, nil
		},
	}
	table, err := Build(cfg, factories)
	require.NoError(t, err)

	var warnedMsg string
	warn := func(msg string, keyvals ...any) { warnedMsg = msg }
	resp, _, err := table.InferWithModel(context.Background(), "m1", &types.ModelInferenceRequest{}, nil, warn)
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", resp.Output[0].(types.TextBlock).Text)
	assert.NotEmpty(t, warnedMsg)
}

func TestInferWithModelUnknownModel(t *testing.T) {
	table, err := Build(&config.Config{Models: map[string]config.ModelConfig{}}, nil)
	require.NoError(t, err)
	_, _, err = table.InferWithModel(context.Background(), "nope", &types.ModelInferenceRequest{}, nil, nil)
	require.Error(t, err)
	tzErr, ok := tzerr.As(err)
	require.True(t, ok)
	assert.Equal(t, tzerr.KindUnknownModel, tzErr.Kind)
}
