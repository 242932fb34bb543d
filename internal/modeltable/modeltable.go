// Package modeltable resolves a configured model name to an ordered list of
// providers, resolves each provider's credentials (statically at Build time,
// or per-request when a credential is Dynamic), and executes
// Infer/InferStream with adaptive rate limiting and failover to the next
// provider in the routing order when one fails. Infer calls run under a
// per-provider timeout; InferStream calls have no timeout.
// Grounded on features/model/anthropic.NewFromAPIKey's credential-
// resolution-at-construction-time pattern and features/model/middleware/
// ratelimit.go's AdaptiveRateLimiter (see ratelimit.go in this package).
package modeltable

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ProviderFactory constructs an InferenceProvider from a resolved provider
// config and credential. Registered per config.ProviderKind by callers
// (typically cmd/gateway) so this package never imports concrete provider
// SDKs directly, keeping modeltable testable with fakes.
type ProviderFactory func(cfg config.ModelProvider, credential string) (provider.InferenceProvider, error)

// entry is one resolved (provider, limiter, timeout) tuple for a model's
// routing list. pc, factory, and cred are retained alongside the
// already-constructed p so that a provider whose credential resolves
// per-request (needsDynamic) can be rebuilt with a freshly resolved
// credential on every call instead of reusing the Build-time instance.
type entry struct {
	name         string
	p            provider.InferenceProvider
	pc           config.ModelProvider
	factory      ProviderFactory
	needsDynamic bool
	limiter      *adaptiveRateLimiter
	timeout      time.Duration
}

// providerFor returns the InferenceProvider entry should use for one call,
// resolving a fresh credential against dynCreds and rebuilding the provider
// when the entry's credential kind requires per-request resolution.
func (e entry) providerFor(dynCreds map[string]string, warn func(msg string, keyvals ...any)) (provider.InferenceProvider, error) {
	if !e.needsDynamic {
		return e.p, nil
	}
	cred, err := resolveCredential(e.pc.Credentials, dynCreds, warn)
	if err != nil {
		return nil, fmt.Errorf("resolve dynamic credential for provider %q: %w", e.name, err)
	}
	return e.factory(e.pc, cred)
}

// Model is one configured model: its routing-ordered provider entries.
type Model struct {
	routing []entry
}

// Table is the constructed, immutable model routing table.
type Table struct {
	models map[string]*Model
}

// Build constructs a Table from cfg, instantiating a provider for every
// (model, provider) pair via the registered factories. Dynamic credentials
// are not resolved here — only at request time, since they come from the
// per-request dynamic credential map.
func Build(cfg *config.Config, factories map[config.ProviderKind]ProviderFactory) (*Table, error) {
	t := &Table{models: make(map[string]*Model, len(cfg.Models))}
	for name, mc := range cfg.Models {
		m := &Model{}
		for _, providerName := range mc.Routing {
			pc := mc.Providers[providerName]
			factory, ok := factories[pc.Kind]
			if !ok {
				return nil, fmt.Errorf("modeltable: no provider factory registered for kind %q", pc.Kind)
			}
			cred, err := resolveStaticCredential(pc.Credentials)
			if err != nil {
				return nil, fmt.Errorf("modeltable: model %q provider %q: %w", name, providerName, err)
			}
			inst, err := factory(pc, cred)
			if err != nil {
				return nil, fmt.Errorf("modeltable: model %q provider %q: %w", name, providerName, err)
			}
			timeout := time.Duration(pc.TimeoutMs) * time.Millisecond
			if timeout <= 0 {
				timeout = 60 * time.Second
			}
			m.routing = append(m.routing, entry{
				name:         providerName,
				p:            inst,
				pc:           pc,
				factory:      factory,
				needsDynamic: credentialNeedsDynamic(pc.Credentials),
				limiter:      newAdaptiveRateLimiter(0, 0),
				timeout:      timeout,
			})
		}
		t.models[name] = m
	}
	return t, nil
}

// resolveStaticCredential resolves every Credential kind except Dynamic,
// which must be resolved per-request against the caller-supplied dynamic
// credential map (see resolveCredential). A credential whose kind (or any
// WithFallback leaf) is Dynamic resolves to "" here; Build flags such
// entries via credentialNeedsDynamic so the table rebuilds their provider
// per request instead of running it with this placeholder forever.
func resolveStaticCredential(cr config.Credential) (string, error) {
	return resolveCredential(cr, nil, nil)
}

// credentialNeedsDynamic reports whether cr (including any WithFallback
// leaf) contains a Dynamic credential, meaning it must be re-resolved
// against a request-scoped dynamic-credential map rather than once at
// Build time.
func credentialNeedsDynamic(cr config.Credential) bool {
	switch cr.Kind {
	case config.CredentialDynamic:
		return true
	case config.CredentialWithFallback:
		return credentialNeedsDynamic(*cr.Default) || credentialNeedsDynamic(*cr.Fallback)
	default:
		return false
	}
}

// resolveCredential resolves cr to a secret value. For CredentialDynamic, it
// looks cr.DynamicName up in dynCreds (a nil/missing map resolves to "").
// For CredentialWithFallback, it tries Default first and falls back to
// Fallback when Default resolves to "" or errors, logging a warning via warn
// (if non-nil) when it does so.
func resolveCredential(cr config.Credential, dynCreds map[string]string, warn func(msg string, keyvals ...any)) (string, error) {
	switch cr.Kind {
	case config.CredentialStatic:
		if cr.Static != "" {
			return cr.Static, nil
		}
		if cr.EnvVar != "" {
			return os.Getenv(cr.EnvVar), nil
		}
		return "", nil
	case config.CredentialFileContents:
		data, err := os.ReadFile(cr.FilePath)
		if err != nil {
			return "", fmt.Errorf("read credential file %q: %w", cr.FilePath, err)
		}
		return string(data), nil
	case config.CredentialNone:
		return "", nil
	case config.CredentialDynamic:
		return dynCreds[cr.DynamicName], nil
	case config.CredentialWithFallback:
		v, err := resolveCredential(*cr.Default, dynCreds, warn)
		if err == nil && v != "" {
			return v, nil
		}
		if warn != nil {
			warn("credential fell back to fallback source", "default_kind", cr.Default.Kind)
		}
		return resolveCredential(*cr.Fallback, dynCreds, warn)
	default:
		return "", fmt.Errorf("unknown credential kind %q", cr.Kind)
	}
}

// InferWithModel runs Infer against modelName's providers in routing order,
// stopping at the first success. dynCreds is the per-request dynamic
// credential map (may be nil); warn receives a message whenever a
// WithFallback credential falls back to its fallback source (may be nil).
// Every provider failure is recorded; if all fail, the aggregated error is
// tzerr.ModelProvidersExhausted.
func (t *Table) InferWithModel(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string, warn func(msg string, keyvals ...any)) (*types.ProviderInferenceResponse, string, error) {
	m, ok := t.models[modelName]
	if !ok {
		return nil, "", tzerr.New(tzerr.KindUnknownModel, "unknown model %q", modelName)
	}
	errs := make(map[string]error, len(m.routing))
	for _, e := range m.routing {
		resp, err := callWithTimeout(ctx, e, req, dynCreds, warn)
		if err == nil {
			return resp, e.name, nil
		}
		errs[e.name] = err
	}
	return nil, "", tzerr.ModelProvidersExhausted(modelName, errs)
}

func callWithTimeout(ctx context.Context, e entry, req *types.ModelInferenceRequest, dynCreds map[string]string, warn func(msg string, keyvals ...any)) (*types.ProviderInferenceResponse, error) {
	if err := e.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	p, err := e.providerFor(dynCreds, warn)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := p.Infer(cctx, req)
	if err != nil && cctx.Err() != nil {
		err = tzerr.New(tzerr.KindInferenceTimeout, "provider %q timed out after %s", e.name, e.timeout)
	}
	e.limiter.observe(err)
	return resp, err
}

// ProviderFor returns the constructed InferenceProvider for one exact
// (modelName, providerName) pair, bypassing routing/failover. The batch
// engine groups requests by (model, provider) before submission, so it
// addresses one provider directly rather than going through
// InferWithModel's failover loop.
func (t *Table) ProviderFor(modelName, providerName string) (provider.InferenceProvider, bool) {
	m, ok := t.models[modelName]
	if !ok {
		return nil, false
	}
	for _, e := range m.routing {
		if e.name == providerName {
			return e.p, true
		}
	}
	return nil, false
}

// InferStreamWithModel is InferWithModel's streaming counterpart: failover
// happens before the first chunk is read (a mid-stream failure is reported
// to the caller as a stream error, not retried against the next provider —
// retrying would require buffering and re-emitting every chunk already sent
// to the client). dynCreds and warn carry the same per-request dynamic
// credential resolution as InferWithModel.
func (t *Table) InferStreamWithModel(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string, warn func(msg string, keyvals ...any)) (provider.ProviderStream, string, string, error) {
	m, ok := t.models[modelName]
	if !ok {
		return nil, "", "", tzerr.New(tzerr.KindUnknownModel, "unknown model %q", modelName)
	}
	errs := make(map[string]error, len(m.routing))
	for _, e := range m.routing {
		if err := e.limiter.wait(ctx, req); err != nil {
			errs[e.name] = err
			continue
		}
		p, err := e.providerFor(dynCreds, warn)
		if err != nil {
			errs[e.name] = err
			continue
		}
		stream, rawReq, err := p.InferStream(ctx, req)
		if err != nil {
			e.limiter.observe(err)
			errs[e.name] = err
			continue
		}
		return stream, rawReq, e.name, nil
	}
	return nil, "", "", tzerr.ModelProvidersExhausted(modelName, errs)
}
