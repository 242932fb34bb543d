// Package dispatch is the end-to-end inference/feedback orchestration layer:
// it wires the function/variant selector, the model table, the response
// cache, and the observability store together behind two entry points,
// Infer and InferStream, plus Feedback. Its shape — a base handler wrapped
// by ordered middleware — is grounded on features/model/gateway/server.go's
// Server.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/cache"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/function"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Dispatcher is the constructed, request-serving orchestration engine.
type Dispatcher struct {
	cfg       *config.Config
	models    *modeltable.Table
	cache     *cache.Cache
	cacheMode cache.EnabledMode
	store     store.Store
	spawner   *Spawner
	logger    func(msg string, keyvals ...any)

	unary  ProviderCallHandler
	stream StreamCallHandler
}

// Option configures a Dispatcher during construction.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	cfg       *config.Config
	models    *modeltable.Table
	cache     *cache.Cache
	cacheMode cache.EnabledMode
	store     store.Store
	logger    func(msg string, keyvals ...any)
	unaryMW   []ProviderCallMiddleware
	streamMW  []StreamCallMiddleware
}

// WithConfig sets the process-wide config. Required.
func WithConfig(cfg *config.Config) Option { return func(c *dispatcherConfig) { c.cfg = cfg } }

// WithModelTable sets the constructed model routing table. Required.
func WithModelTable(t *modeltable.Table) Option { return func(c *dispatcherConfig) { c.models = t } }

// WithCache sets the cache and its configured enabled mode. If never called,
// New defaults to a disabled cache (mode Off).
func WithCache(ch *cache.Cache, mode cache.EnabledMode) Option {
	return func(c *dispatcherConfig) { c.cache = ch; c.cacheMode = mode }
}

// WithStore sets the observability store. Required.
func WithStore(s store.Store) Option { return func(c *dispatcherConfig) { c.store = s } }

// WithLogger sets the structured logger used for WARN/ERROR side-channel
// logging (cache-skip, observability-write failure). May be left nil.
func WithLogger(fn func(msg string, keyvals ...any)) Option {
	return func(c *dispatcherConfig) { c.logger = fn }
}

// WithUnaryMiddleware appends ProviderCallMiddleware to the non-streaming
// chain, in registration order (first registered is outermost).
func WithUnaryMiddleware(mw ...ProviderCallMiddleware) Option {
	return func(c *dispatcherConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStreamMiddleware appends StreamCallMiddleware to the streaming chain.
func WithStreamMiddleware(mw ...StreamCallMiddleware) Option {
	return func(c *dispatcherConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// New constructs a Dispatcher from opts. Config, a model table, and a store
// are required.
func New(opts ...Option) (*Dispatcher, error) {
	var dc dispatcherConfig
	for _, o := range opts {
		o(&dc)
	}
	if dc.cfg == nil {
		return nil, fmt.Errorf("dispatch: config is required")
	}
	if dc.models == nil {
		return nil, fmt.Errorf("dispatch: model table is required")
	}
	if dc.store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if dc.cache == nil {
		dc.cache = cache.New(cache.DisabledBackend{}, 0, dc.logger)
		dc.cacheMode = cache.Off
	}

	d := &Dispatcher{
		cfg: dc.cfg, models: dc.models, cache: dc.cache, cacheMode: dc.cacheMode,
		store: dc.store, spawner: NewSpawner(dc.logger), logger: dc.logger,
	}
	baseUnary := func(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string) (*types.ProviderInferenceResponse, string, error) {
		return d.models.InferWithModel(ctx, modelName, req, dynCreds, d.warnCredentialFallback)
	}
	baseStream := func(ctx context.Context, modelName string, req *types.ModelInferenceRequest, dynCreds map[string]string) (provider.ProviderStream, string, string, error) {
		return d.models.InferStreamWithModel(ctx, modelName, req, dynCreds, d.warnCredentialFallback)
	}
	d.unary = composeUnary(baseUnary, dc.unaryMW)
	d.stream = composeStream(baseStream, dc.streamMW)
	return d, nil
}

// warnCredentialFallback logs (via d.logger, if set) whenever a
// WithFallback credential falls back to its fallback source.
func (d *Dispatcher) warnCredentialFallback(msg string, keyvals ...any) {
	if d.logger != nil {
		d.logger(msg, keyvals...)
	}
}

// Shutdown blocks, up to grace, for outstanding persistence/cache-write
// tasks spawned by already-returned requests to complete.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.spawner.Shutdown(grace)
}

// attemptResult is the outcome of one variant attempt: either a live
// provider call or a cache hit.
type attemptResult struct {
	variantName  string
	modelName    string
	providerName string
	resp         *types.ProviderInferenceResponse
	cached       bool
	req          *types.ModelInferenceRequest
	processingMs int64
}

// Infer runs the full non-streaming inference path: variant selection,
// cache lookup, provider dispatch with failover, output validation, and
// persistence.
func (d *Dispatcher) Infer(ctx context.Context, params ClientInferenceParams) (*InferenceResponse, error) {
	fn, ok := d.cfg.Functions[params.FunctionName]
	if !ok {
		return nil, tzerr.New(tzerr.KindUnknownFunction, "unknown function %q", params.FunctionName)
	}
	episodeID, err := resolveEpisodeID(params.EpisodeID)
	if err != nil {
		return nil, err
	}
	if err := validateInput(d.cfg, params.FunctionName, params.Input); err != nil {
		return nil, err
	}
	variantName, err := function.SelectVariant(fn, params.FunctionName, episodeID, params.VariantName)
	if err != nil {
		return nil, err
	}

	inferenceID, err := uuid.NewV7()
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindSerialization, err, "mint inference id")
	}

	start := time.Now()
	variantErrs := map[string]error{}
	var picker *function.FailoverPicker
	for {
		res, attemptErr := d.attempt(ctx, fn, params, variantName, inferenceID)
		if attemptErr == nil {
			res.processingMs = time.Since(start).Milliseconds()
			return d.finish(params, fn, episodeID, inferenceID, res)
		}
		if params.VariantName != "" {
			return nil, attemptErr
		}
		variantErrs[variantName] = attemptErr
		if picker == nil {
			picker = function.NewFailoverPicker(fn, variantName)
		}
		next, hasNext := picker.Next()
		if !hasNext {
			return nil, tzerr.AllVariantsFailed(params.FunctionName, variantErrs)
		}
		variantName = next
	}
}

// attempt renders templates, builds the internal request, consults the
// cache, and — on a miss — routes through the model table for one variant.
func (d *Dispatcher) attempt(ctx context.Context, fn config.FunctionConfig, params ClientInferenceParams, variantName string, inferenceID uuid.UUID) (*attemptResult, error) {
	variant, ok := fn.Variants[variantName]
	if !ok {
		return nil, tzerr.New(tzerr.KindUnknownVariant, "function has no variant %q", variantName)
	}

	system, messages, err := function.RenderMessages(variant, params.Input)
	if err != nil {
		return nil, err
	}
	req := buildModelRequest(inferenceID.String(), system, messages, fn, variant, params, false)

	modelCfg, ok := d.cfg.Models[variant.Model]
	if !ok || len(modelCfg.Routing) == 0 {
		return nil, tzerr.New(tzerr.KindUnknownModel, "model %q has no providers", variant.Model)
	}

	// The cache is consulted before routing, using the model's first
	// routing entry as the representative provider for the lookup key; a
	// genuine hit therefore requires the primary provider to be the one
	// that last wrote this entry (see DESIGN.md's dispatch engine section).
	representative := modelCfg.Routing[0]
	lookupKey, err := cache.Key(variant.Model, representative, req)
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindSerialization, err, "compute cache key")
	}
	if data, hit := d.cache.LookupNonStreaming(ctx, d.cacheMode, params.Dryrun, lookupKey); hit {
		return &attemptResult{
			variantName: variantName, modelName: variant.Model, providerName: representative,
			resp: &data.Response, cached: true, req: req,
		}, nil
	}

	resp, providerName, err := d.unary(ctx, variant.Model, req, params.DynamicCredentials)
	if err != nil {
		return nil, err
	}
	return &attemptResult{
		variantName: variantName, modelName: variant.Model, providerName: providerName,
		resp: resp, cached: false, req: req,
	}, nil
}

// finish turns a successful attempt into the client response, spawning the
// trailing persistence and (on a miss) cache-write tasks.
func (d *Dispatcher) finish(params ClientInferenceParams, fn config.FunctionConfig, episodeID, inferenceID uuid.UUID, res *attemptResult) (*InferenceResponse, error) {
	resp := res.resp
	clientResp := &InferenceResponse{
		InferenceID: inferenceID,
		EpisodeID:   episodeID,
		VariantName: res.variantName,
		Usage:       resp.Usage,
	}

	var outputJSON []byte
	if fn.Kind == config.FunctionJSON {
		raw := extractRawText(resp.Output)
		out := &types.JSONInferenceOutput{Raw: raw}
		if parsed, perr := parseJSONOutput(d.cfg, params.FunctionName, raw); perr == nil {
			out.Parsed = parsed
		}
		clientResp.Type = "json"
		clientResp.Output = out
		outputJSON, _ = json.Marshal(out)
	} else {
		clientResp.Type = "chat"
		clientResp.Content = toChatOutput(resp.Output)
		outputJSON, _ = json.Marshal(clientResp.Content)
	}

	if !params.Dryrun {
		inputJSON, _ := json.Marshal(params.Input)
		inferenceRow := store.InferenceRow{
			ID: inferenceID, EpisodeID: episodeID, FunctionName: params.FunctionName, VariantName: res.variantName,
			Input: inputJSON, Output: outputJSON, Cached: res.cached, ProcessingMs: res.processingMs,
			Timestamp: time.Now(),
		}
		responseMs := resp.Latency.ResponseTime
		if res.cached {
			responseMs = 0
		}
		modelRow := store.ModelInferenceRow{
			ID: mustV7(), InferenceID: inferenceID, ModelName: res.modelName, ProviderName: res.providerName,
			RawRequest: resp.RawRequest, RawResponse: resp.RawResponse,
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			ResponseMs: responseMs, TTFTMs: resp.Latency.TimeToFirstToken, Cached: res.cached,
			Timestamp: time.Now(),
		}
		d.spawner.Go(func(ctx context.Context) {
			if err := d.store.WriteInference(ctx, inferenceRow); err != nil && d.logger != nil {
				d.logger("observability write failed", "err", err, "inference_id", inferenceID)
			}
			if err := d.store.WriteModelInference(ctx, modelRow); err != nil && d.logger != nil {
				d.logger("observability write failed", "err", err, "inference_id", inferenceID)
			}
		})
	}

	if !res.cached {
		writeKey, werr := cache.Key(res.modelName, res.providerName, res.req)
		if werr == nil {
			fnCopy, respCopy := fn, *resp
			d.spawner.Go(func(ctx context.Context) {
				if err := d.cache.WriteNonStreaming(ctx, d.cacheMode, params.Dryrun, writeKey, respCopy, &fnCopy); err != nil && d.logger != nil {
					d.logger("cache write failed", "err", err)
				}
			})
		}
	}

	return clientResp, nil
}

// Feedback validates and persists a client-submitted feedback record. Unlike
// inference persistence, a feedback write is the request's entire purpose,
// so it is awaited rather than spawned fire-and-forget; a store failure is
// surfaced to the client as an observability error.
func (d *Dispatcher) Feedback(ctx context.Context, req FeedbackRequest) (*FeedbackResponse, error) {
	var targetType store.FeedbackTargetType
	var targetID uuid.UUID
	switch {
	case req.InferenceID != nil && req.EpisodeID != nil:
		return nil, tzerr.New(tzerr.KindInvalidRequest, "feedback must target exactly one of inference_id or episode_id")
	case req.InferenceID != nil:
		targetType, targetID = store.TargetInference, *req.InferenceID
	case req.EpisodeID != nil:
		targetType, targetID = store.TargetEpisode, *req.EpisodeID
	default:
		return nil, tzerr.New(tzerr.KindInvalidRequest, "feedback requires inference_id or episode_id")
	}

	if err := store.ValidateFeedback(d.cfg.Metrics, req.MetricName, targetType, req.Value); err != nil {
		return nil, err
	}

	feedbackID, err := uuid.NewV7()
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindSerialization, err, "mint feedback id")
	}
	if !req.Dryrun {
		row := store.FeedbackRow{
			ID: feedbackID, TargetType: targetType, TargetID: targetID,
			MetricName: req.MetricName, Value: req.Value, Timestamp: time.Now(),
		}
		if err := d.store.WriteFeedback(ctx, row); err != nil {
			if d.logger != nil {
				d.logger("observability write failed", "err", err)
			}
			return nil, tzerr.Wrap(tzerr.KindObservability, err, "write feedback")
		}
	}
	return &FeedbackResponse{FeedbackID: feedbackID}, nil
}

func mustV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the runtime's random source is broken,
		// which is unrecoverable; a zero UUID would silently corrupt the
		// store's primary key instead.
		panic(fmt.Sprintf("dispatch: mint uuid v7: %v", err))
	}
	return id
}

func resolveEpisodeID(client *uuid.UUID) (uuid.UUID, error) {
	if client != nil {
		return *client, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, tzerr.Wrap(tzerr.KindSerialization, err, "mint episode id")
	}
	return id, nil
}

func validateInput(cfg *config.Config, functionName string, input []types.InputMessage) error {
	for _, msg := range input {
		if err := function.ValidateRole(cfg, functionName, msg.Role, msg.Content); err != nil {
			return err
		}
	}
	return nil
}

func functionTypeOf(k config.FunctionKind) types.FunctionType {
	switch k {
	case config.FunctionJSON:
		return types.FunctionTypeJSON
	case config.FunctionTool:
		return types.FunctionTypeTool
	default:
		return types.FunctionTypeChat
	}
}

func buildToolConfig(fn config.FunctionConfig) *types.ToolConfig {
	tools := make([]types.ToolDefinition, len(fn.Tools))
	for i, t := range fn.Tools {
		tools[i] = types.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters, Strict: t.Strict}
	}
	return &types.ToolConfig{Tools: tools, ChoiceMode: types.ToolChoiceAuto, ParallelToolCalls: fn.ParallelToolCalls}
}

func buildModelRequest(inferenceID, system string, messages []types.Message, fn config.FunctionConfig, variant config.VariantConfig, params ClientInferenceParams, stream bool) *types.ModelInferenceRequest {
	req := &types.ModelInferenceRequest{
		InferenceID:      inferenceID,
		Messages:         messages,
		System:           system,
		Stream:           stream,
		FunctionType:     functionTypeOf(fn.Kind),
		Temperature:      params.Params.Temperature,
		TopP:             params.Params.TopP,
		PresencePenalty:  params.Params.PresencePenalty,
		FrequencyPenalty: params.Params.FrequencyPenalty,
		MaxTokens:        params.Params.MaxTokens,
		Seed:             params.Params.Seed,
		StopSequences:    params.Params.StopSequences,
		ExtraBody:        params.ExtraBody,
		ExtraHeaders:     params.ExtraHeaders,
	}
	_ = variant // variant-level param overrides are a function of VariantConfig fields not yet in scope beyond templates/model
	if fn.Kind == config.FunctionJSON {
		req.JSONMode = types.JSONModeOn
		req.OutputSchema = fn.OutputSchema
	}
	if fn.Kind == config.FunctionTool && len(fn.Tools) > 0 {
		req.ToolConfig = buildToolConfig(fn)
	}
	return req
}

// parseJSONOutput parses raw as JSON and validates it against functionName's
// compiled output_schema, returning the raw text re-wrapped as
// json.RawMessage on success. A parse or validation failure is reported to
// the caller (who stores output.parsed = nil, raw preserved) rather than
// aborting the response.
func parseJSONOutput(cfg *config.Config, functionName, raw string) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	if err := function.ValidateOutput(cfg, functionName, v); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// extractRawText concatenates every TextBlock in blocks, which is where a
// Json function's provider output lands before schema validation.
func extractRawText(blocks []types.ContentBlock) string {
	var out []byte
	for _, b := range blocks {
		if t, ok := b.(types.TextBlock); ok {
			out = append(out, t.Text...)
		}
	}
	return string(out)
}

// toChatOutput renders internal content blocks into the client-visible Chat
// output shape.
func toChatOutput(blocks []types.ContentBlock) []types.ContentBlockChatOutput {
	out := make([]types.ContentBlockChatOutput, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case types.TextBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "text", Text: v.Text})
		case types.ToolCallBlock:
			out = append(out, types.ContentBlockChatOutput{
				Type: "tool_call", ID: v.ID, Name: v.Name, Arguments: v.Arguments, RawArguments: v.RawArguments,
			})
		case types.ToolResultBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "tool_result", ID: v.ID, Name: v.Name, Text: v.Result})
		case types.ThoughtBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "thought", Text: v.Text})
		case types.FileBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "file"})
		default:
			out = append(out, types.ContentBlockChatOutput{Type: "unknown"})
		}
	}
	return out
}
