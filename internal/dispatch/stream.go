package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/cache"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/function"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// StreamChunk is the client-visible per-chunk payload for native streaming.
type StreamChunk struct {
	InferenceID uuid.UUID                     `json:"inference_id"`
	EpisodeID   uuid.UUID                     `json:"episode_id"`
	Content     []types.ContentBlockChatOutput `json:"content"`
	Usage       *types.Usage                  `json:"usage,omitempty"`
}

// StreamEvent is one item delivered to the client's SSE sender: either a
// chunk or a non-terminating error. Spec.md §9 leaves open whether a
// mid-stream provider error should surface as an error frame (chosen here)
// or end the stream; see DESIGN.md.
type StreamEvent struct {
	Chunk *StreamChunk
	Err   error
}

// StreamResult is returned by InferStream. Events yields one StreamEvent per
// provider chunk and is closed once the stream has ended and its trailing
// persistence/cache-write tasks have been handed to the spawner (they may
// still be running when Events closes). Framing ("data: " prefixes, the
// terminal "[DONE]") is the HTTP layer's concern, not this channel's.
type StreamResult struct {
	InferenceID uuid.UUID
	EpisodeID   uuid.UUID
	VariantName string
	Events      <-chan StreamEvent
}

// InferStream runs the streaming inference path up through variant
// selection and the first provider/cache decision; chunk delivery and the
// trailing persistence/cache-write run in a background goroutine (the
// single consumer of the provider stream) started before InferStream
// returns.
func (d *Dispatcher) InferStream(ctx context.Context, params ClientInferenceParams) (*StreamResult, error) {
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

	variantErrs := map[string]error{}
	var picker *function.FailoverPicker
	for {
		start, startErr := d.startStreamAttempt(ctx, fn, params, variantName, inferenceID)
		if startErr == nil {
			events := make(chan StreamEvent, 16)
			result := &StreamResult{InferenceID: inferenceID, EpisodeID: episodeID, VariantName: variantName, Events: events}
			if start.cachedData != nil {
				go d.replayCached(params, fn, inferenceID, episodeID, variantName, start.cachedData, events)
			} else {
				go d.consumeStream(ctx, params, fn, start.req, inferenceID, episodeID, variantName, start.modelName, start.providerName, start.pstream, events)
			}
			return result, nil
		}
		if params.VariantName != "" {
			return nil, startErr
		}
		variantErrs[variantName] = startErr
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

// streamStart is the outcome of establishing one variant's stream: either a
// cache hit to replay, or a live provider stream to consume.
type streamStart struct {
	req          *types.ModelInferenceRequest
	modelName    string
	providerName string
	pstream      provider.ProviderStream
	cachedData   *cache.StreamingData
}

func (d *Dispatcher) startStreamAttempt(ctx context.Context, fn config.FunctionConfig, params ClientInferenceParams, variantName string, inferenceID uuid.UUID) (*streamStart, error) {
	variant, ok := fn.Variants[variantName]
	if !ok {
		return nil, tzerr.New(tzerr.KindUnknownVariant, "function has no variant %q", variantName)
	}
	system, messages, err := function.RenderMessages(variant, params.Input)
	if err != nil {
		return nil, err
	}
	req := buildModelRequest(inferenceID.String(), system, messages, fn, variant, params, true)

	modelCfg, ok := d.cfg.Models[variant.Model]
	if !ok || len(modelCfg.Routing) == 0 {
		return nil, tzerr.New(tzerr.KindUnknownModel, "model %q has no providers", variant.Model)
	}
	representative := modelCfg.Routing[0]
	key, err := cache.Key(variant.Model, representative, req)
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindSerialization, err, "compute cache key")
	}
	if data, hit := d.cache.LookupStreaming(ctx, d.cacheMode, params.Dryrun, key); hit {
		return &streamStart{req: req, modelName: variant.Model, providerName: representative, cachedData: data}, nil
	}

	pstream, _, providerName, err := d.stream(ctx, variant.Model, req, params.DynamicCredentials)
	if err != nil {
		return nil, err
	}
	return &streamStart{req: req, modelName: variant.Model, providerName: providerName, pstream: pstream}, nil
}

// replayCached replays a cached streaming entry to the client and persists
// it (if not a dry run) without attempting another cache write.
func (d *Dispatcher) replayCached(params ClientInferenceParams, fn config.FunctionConfig, inferenceID, episodeID uuid.UUID, variantName string, data *cache.StreamingData, events chan<- StreamEvent) {
	defer close(events)
	for _, chunk := range data.Chunks {
		events <- StreamEvent{Chunk: &StreamChunk{
			InferenceID: inferenceID, EpisodeID: episodeID,
			Content: toChatOutput(chunk.Content), Usage: chunk.Usage,
		}}
	}
	d.persistStream(params, fn, inferenceID, episodeID, variantName, "", "", data.Chunks, true, 0)
}

// consumeStream is the single background consumer of a live provider
// stream: it forwards chunks to events as they arrive while also
// accumulating them for the trailing persistence + cache-write performed
// once the stream ends.
func (d *Dispatcher) consumeStream(ctx context.Context, params ClientInferenceParams, fn config.FunctionConfig, req *types.ModelInferenceRequest, inferenceID, episodeID uuid.UUID, variantName, modelName, providerName string, pstream provider.ProviderStream, events chan<- StreamEvent) {
	defer close(events)
	defer pstream.Close()

	start := time.Now()
	var chunks []types.ProviderInferenceResponseChunk
	truncated := false
	sawErr := false
	for {
		chunk, err := pstream.Next(ctx)
		if err != nil {
			if err == provider.ErrStreamDone {
				break
			}
			if ctx.Err() != nil {
				truncated = true
				break
			}
			sawErr = true
			events <- StreamEvent{Err: err}
			continue
		}
		chunks = append(chunks, *chunk)
		events <- StreamEvent{Chunk: &StreamChunk{
			InferenceID: inferenceID, EpisodeID: episodeID,
			Content: toChatOutput(chunk.Content), Usage: chunk.Usage,
		}}
	}

	processingMs := time.Since(start).Milliseconds()
	d.persistStream(params, fn, inferenceID, episodeID, variantName, modelName, providerName, chunks, false, processingMs)

	// A mid-stream provider error must not poison the cache with a partial,
	// usage-less response; only a clean, untruncated stream is cached.
	if !truncated && !sawErr && len(chunks) > 0 {
		key, err := cache.Key(modelName, providerName, req)
		if err == nil {
			d.spawner.Go(func(ctx context.Context) {
				if werr := d.cache.WriteStreaming(ctx, d.cacheMode, params.Dryrun, key, chunks); werr != nil && d.logger != nil {
					d.logger("cache write failed", "err", werr)
				}
			})
		}
	}
}

// persistStream spawns the trailing Inference + ModelInference row writes
// for a finished (possibly truncated) stream.
func (d *Dispatcher) persistStream(params ClientInferenceParams, fn config.FunctionConfig, inferenceID, episodeID uuid.UUID, variantName, modelName, providerName string, chunks []types.ProviderInferenceResponseChunk, cached bool, processingMs int64) {
	if params.Dryrun {
		return
	}

	var raw []byte
	var allBlocks []types.ContentBlockChatOutput
	var usage types.Usage
	for _, c := range chunks {
		for _, b := range c.Content {
			if t, ok := b.(types.TextBlock); ok {
				raw = append(raw, t.Text...)
			}
		}
		allBlocks = append(allBlocks, toChatOutput(c.Content)...)
		if c.Usage != nil {
			usage = *c.Usage
		}
	}

	var outputJSON []byte
	if fn.Kind == config.FunctionJSON {
		out := types.JSONInferenceOutput{Raw: string(raw)}
		if parsed, err := parseJSONOutput(d.cfg, params.FunctionName, out.Raw); err == nil {
			out.Parsed = parsed
		}
		outputJSON, _ = json.Marshal(out)
	} else {
		outputJSON, _ = json.Marshal(allBlocks)
	}

	inputJSON, _ := json.Marshal(params.Input)
	inferenceRow := store.InferenceRow{
		ID: inferenceID, EpisodeID: episodeID, FunctionName: params.FunctionName, VariantName: variantName,
		Input: inputJSON, Output: outputJSON, Cached: cached, ProcessingMs: processingMs, Timestamp: time.Now(),
	}
	responseMs := processingMs
	if cached {
		responseMs = 0
	}
	modelRow := store.ModelInferenceRow{
		ID: mustV7(), InferenceID: inferenceID, ModelName: modelName, ProviderName: providerName,
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
		ResponseMs: responseMs, Cached: cached, Timestamp: time.Now(),
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
