// Package batch implements submitting a group of inferences to a provider's
// asynchronous batch API and polling it to completion. The direct Engine
// here is the in-process, synchronously-polled default. internal/batch/
// temporal adapts a Temporal worker pattern into a durable long-poll option
// for the same Start/Poll contract.
package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/function"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// BatchInferenceItem is one request folded into a batch submission; all
// items in one ClientBatchInferenceRequest share a function and (optionally
// pinned) variant but may resolve to different episodes.
type BatchInferenceItem struct {
	Input     []types.InputMessage `json:"input"`
	EpisodeID *uuid.UUID           `json:"episode_id,omitempty"`
	Tags      map[string]string    `json:"tags,omitempty"`
}

// ClientBatchInferenceRequest is the decoded body of POST /batch_inference.
type ClientBatchInferenceRequest struct {
	FunctionName string                `json:"function_name"`
	VariantName  string                `json:"variant_name,omitempty"`
	Inputs       []BatchInferenceItem  `json:"inputs"`
}

// StartBatchInferenceResponse reports the batch_id(s) a submission was split
// into (one per distinct (model, provider) group) and the per-item inference
// IDs in input order.
type StartBatchInferenceResponse struct {
	BatchIDs     []string    `json:"batch_ids"`
	InferenceIDs []uuid.UUID `json:"inference_ids"`
	EpisodeIDs   []uuid.UUID `json:"episode_ids"`
}

// PollStatus mirrors store.BatchStatus for the client-visible poll response.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollFailed    PollStatus = "failed"
	PollCompleted PollStatus = "completed"
)

// InferenceOutput is one completed batch item's response, re-using the same
// chat/json discriminated shape dispatch.InferenceResponse uses.
type InferenceOutput struct {
	InferenceID uuid.UUID                      `json:"inference_id"`
	Type        string                         `json:"type"`
	Content     []types.ContentBlockChatOutput `json:"content,omitempty"`
	Output      *types.JSONInferenceOutput     `json:"output,omitempty"`
	Usage       types.Usage                    `json:"usage"`
}

// PollBatchInferenceResponse is the decoded response of a poll request.
type PollBatchInferenceResponse struct {
	Status  PollStatus        `json:"status"`
	Outputs []InferenceOutput `json:"outputs,omitempty"`
	Errors  []string          `json:"errors,omitempty"`
}

// Engine implements the start/poll flow directly: Start groups
// items by (model, provider) and submits one provider batch job per group;
// Poll resolves one batch_id (or inference_id) and, while the batch is still
// Pending, calls through to the provider's PollBatchInference exactly once
// per call, persisting the observed status before returning.
type Engine struct {
	cfg    *config.Config
	models *modeltable.Table
	store  store.Store
}

// New constructs a batch Engine.
func New(cfg *config.Config, models *modeltable.Table, st store.Store) *Engine {
	return &Engine{cfg: cfg, models: models, store: st}
}

type pendingItem struct {
	inferenceID  uuid.UUID
	episodeID    uuid.UUID
	variantName  string
	modelName    string
	providerName string
	req          *types.ModelInferenceRequest
}

// Start groups items by (model, provider) and submits one provider batch
// job per group.
func (e *Engine) Start(ctx context.Context, req ClientBatchInferenceRequest) (*StartBatchInferenceResponse, error) {
	fn, ok := e.cfg.Functions[req.FunctionName]
	if !ok {
		return nil, tzerr.New(tzerr.KindUnknownFunction, "unknown function %q", req.FunctionName)
	}
	if len(req.Inputs) == 0 {
		return nil, tzerr.New(tzerr.KindInvalidRequest, "batch_inference requires at least one input")
	}

	items := make([]pendingItem, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		var episodeID uuid.UUID
		if in.EpisodeID != nil {
			episodeID = *in.EpisodeID
		} else {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, tzerr.Wrap(tzerr.KindSerialization, err, "mint episode id")
			}
			episodeID = id
		}
		for _, msg := range in.Input {
			if err := function.ValidateRole(e.cfg, req.FunctionName, msg.Role, msg.Content); err != nil {
				return nil, err
			}
		}
		variantName, err := function.SelectVariant(fn, req.FunctionName, episodeID, req.VariantName)
		if err != nil {
			return nil, err
		}
		variant := fn.Variants[variantName]
		modelCfg, ok := e.cfg.Models[variant.Model]
		if !ok || len(modelCfg.Routing) == 0 {
			return nil, tzerr.New(tzerr.KindUnknownModel, "model %q has no providers", variant.Model)
		}
		providerName := modelCfg.Routing[0]

		system, messages, err := function.RenderMessages(variant, in.Input)
		if err != nil {
			return nil, err
		}
		inferenceID, err := uuid.NewV7()
		if err != nil {
			return nil, tzerr.Wrap(tzerr.KindSerialization, err, "mint inference id")
		}
		modelReq := buildRequest(inferenceID.String(), system, messages, fn)
		items = append(items, pendingItem{
			inferenceID: inferenceID, episodeID: episodeID, variantName: variantName,
			modelName: variant.Model, providerName: providerName, req: modelReq,
		})
	}

	groups := groupByModelProvider(items)
	resp := &StartBatchInferenceResponse{}
	for _, it := range items {
		resp.InferenceIDs = append(resp.InferenceIDs, it.inferenceID)
		resp.EpisodeIDs = append(resp.EpisodeIDs, it.episodeID)
	}

	for key, group := range groups {
		bp, err := e.batchProviderFor(key.model, key.provider)
		if err != nil {
			return nil, err
		}
		reqs := make([]*types.ModelInferenceRequest, len(group))
		for i, it := range group {
			reqs[i] = it.req
		}
		batchID, err := bp.StartBatchInference(ctx, reqs)
		if err != nil {
			return nil, tzerr.Wrap(tzerr.KindProviderServerError, err, "start batch inference on model %q provider %q", key.model, key.provider)
		}

		if err := e.store.WriteBatchRequest(ctx, store.BatchRequestRow{
			ID: mustV7(), BatchID: batchID, ModelName: key.model, ProviderName: key.provider,
			FunctionName: req.FunctionName, Status: store.BatchPending, Timestamp: time.Now(),
		}); err != nil {
			return nil, tzerr.Wrap(tzerr.KindObservability, err, "persist batch request")
		}
		rows := make([]store.BatchModelInferenceRow, len(group))
		for i, it := range group {
			rows[i] = store.BatchModelInferenceRow{
				InferenceID: it.inferenceID, BatchID: batchID, ModelName: it.modelName,
				ProviderName: it.providerName, FunctionName: req.FunctionName, VariantName: it.variantName,
				EpisodeID: it.episodeID, RawRequest: "",
			}
		}
		if err := e.store.WriteBatchModelInferences(ctx, rows); err != nil {
			return nil, tzerr.Wrap(tzerr.KindObservability, err, "persist batch model inferences")
		}
		resp.BatchIDs = append(resp.BatchIDs, batchID)
	}
	return resp, nil
}

// Poll resolves the most recent BatchRequest, short-circuiting if already
// Completed/Failed (the monotonic status rule — a finished batch is never
// re-polled), otherwise calling the provider exactly once and persisting
// the newly observed status.
func (e *Engine) Poll(ctx context.Context, query store.PollInferenceQuery) (*PollBatchInferenceResponse, error) {
	batchRow, err := e.store.GetBatchRequest(ctx, query)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, tzerr.New(tzerr.KindInvalidRequest, "no batch found for query")
		}
		return nil, tzerr.Wrap(tzerr.KindObservability, err, "get batch request")
	}

	functionName := batchRow.FunctionName
	fn := e.cfg.Functions[functionName]

	switch batchRow.Status {
	case store.BatchCompleted:
		return e.completedResponse(ctx, *batchRow, query, functionName, fn)
	case store.BatchFailed:
		return &PollBatchInferenceResponse{Status: PollFailed}, nil
	}

	bp, err := e.batchProviderFor(batchRow.ModelName, batchRow.ProviderName)
	if err != nil {
		return nil, err
	}
	done, results, err := bp.PollBatchInference(ctx, batchRow.BatchID)
	if err != nil {
		_ = e.store.WriteBatchRequest(ctx, store.BatchRequestRow{
			ID: mustV7(), BatchID: batchRow.BatchID, ModelName: batchRow.ModelName,
			ProviderName: batchRow.ProviderName, FunctionName: functionName, Status: store.BatchFailed, Timestamp: time.Now(),
		})
		return nil, tzerr.Wrap(tzerr.KindProviderServerError, err, "poll batch inference")
	}
	if !done {
		if werr := e.store.WriteBatchRequest(ctx, store.BatchRequestRow{
			ID: mustV7(), BatchID: batchRow.BatchID, ModelName: batchRow.ModelName,
			ProviderName: batchRow.ProviderName, FunctionName: functionName, Status: store.BatchPending, Timestamp: time.Now(),
		}); werr != nil {
			return nil, tzerr.Wrap(tzerr.KindObservability, werr, "persist batch request")
		}
		return &PollBatchInferenceResponse{Status: PollPending}, nil
	}

	rows, err := e.store.GetBatchInferences(ctx, batchRow.BatchID, nil)
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindObservability, err, "get batch inferences")
	}
	if err := e.materializeCompleted(ctx, fn, rows, results); err != nil {
		return nil, err
	}
	if err := e.store.WriteBatchRequest(ctx, store.BatchRequestRow{
		ID: mustV7(), BatchID: batchRow.BatchID, ModelName: batchRow.ModelName,
		ProviderName: batchRow.ProviderName, FunctionName: functionName, Status: store.BatchCompleted, Timestamp: time.Now(),
	}); err != nil {
		return nil, tzerr.Wrap(tzerr.KindObservability, err, "persist batch request")
	}
	return e.completedResponse(ctx, store.BatchRequestRow{BatchID: batchRow.BatchID, FunctionName: functionName, Status: store.BatchCompleted}, query, functionName, fn)
}

// materializeCompleted writes the per-inference Inference/ModelInference
// rows once a batch transitions to Completed.
func (e *Engine) materializeCompleted(ctx context.Context, fn config.FunctionConfig, rows []store.BatchModelInferenceRow, results []provider.BatchResult) error {
	for i, row := range rows {
		if i >= len(results) || results[i].Err != nil || results[i].Response == nil {
			continue
		}
		resp := results[i].Response
		outputJSON, output := renderOutput(e.cfg, fn, row.FunctionName, resp.Output)
		if err := e.store.WriteInference(ctx, store.InferenceRow{
			ID: row.InferenceID, EpisodeID: row.EpisodeID, FunctionName: row.FunctionName,
			VariantName: row.VariantName, Output: outputJSON, Timestamp: time.Now(),
		}); err != nil {
			return tzerr.Wrap(tzerr.KindObservability, err, "write inference row")
		}
		if err := e.store.WriteModelInference(ctx, store.ModelInferenceRow{
			ID: mustV7(), InferenceID: row.InferenceID, ModelName: row.ModelName, ProviderName: row.ProviderName,
			RawRequest: resp.RawRequest, RawResponse: resp.RawResponse,
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			ResponseMs: resp.Latency.ResponseTime, Timestamp: time.Now(),
		}); err != nil {
			return tzerr.Wrap(tzerr.KindObservability, err, "write model inference row")
		}
		_ = output
	}
	return nil
}

func (e *Engine) completedResponse(ctx context.Context, batch store.BatchRequestRow, query store.PollInferenceQuery, functionName string, fn config.FunctionConfig) (*PollBatchInferenceResponse, error) {
	responses, err := e.store.GetCompletedBatchInferenceResponse(ctx, batch, query, fn)
	if err != nil {
		return nil, tzerr.Wrap(tzerr.KindObservability, err, "reconstruct completed batch responses")
	}
	out := &PollBatchInferenceResponse{Status: PollCompleted}
	for _, resp := range responses {
		_, output := renderOutputStruct(e.cfg, fn, functionName, resp)
		out.Outputs = append(out.Outputs, output)
	}
	return out, nil
}

func (e *Engine) batchProviderFor(modelName, providerName string) (provider.BatchProvider, error) {
	p, ok := e.models.ProviderFor(modelName, providerName)
	if !ok {
		return nil, tzerr.New(tzerr.KindUnknownModel, "model %q has no provider %q", modelName, providerName)
	}
	bp, ok := p.(provider.BatchProvider)
	if !ok {
		return nil, tzerr.New(tzerr.KindBatchUnsupported, "provider %q for model %q does not support batch inference", providerName, modelName)
	}
	return bp, nil
}

type groupKey struct{ model, provider string }

func groupByModelProvider(items []pendingItem) map[groupKey][]pendingItem {
	groups := make(map[groupKey][]pendingItem)
	for _, it := range items {
		key := groupKey{it.modelName, it.providerName}
		groups[key] = append(groups[key], it)
	}
	return groups
}

func buildRequest(inferenceID, system string, messages []types.Message, fn config.FunctionConfig) *types.ModelInferenceRequest {
	req := &types.ModelInferenceRequest{
		InferenceID: inferenceID, Messages: messages, System: system,
		FunctionType: functionTypeOf(fn.Kind),
	}
	if fn.Kind == config.FunctionJSON {
		req.JSONMode = types.JSONModeOn
		req.OutputSchema = fn.OutputSchema
	}
	return req
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

func renderOutput(cfg *config.Config, fn config.FunctionConfig, functionName string, blocks []types.ContentBlock) (json.RawMessage, InferenceOutput) {
	out := InferenceOutput{}
	if fn.Kind == config.FunctionJSON {
		raw := extractRawText(blocks)
		jout := &types.JSONInferenceOutput{Raw: raw}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			if err := function.ValidateOutput(cfg, functionName, v); err == nil {
				jout.Parsed = json.RawMessage(raw)
			}
		}
		out.Type = "json"
		out.Output = jout
		b, _ := json.Marshal(jout)
		return b, out
	}
	out.Type = "chat"
	out.Content = toChatOutput(blocks)
	b, _ := json.Marshal(out.Content)
	return b, out
}

func renderOutputStruct(cfg *config.Config, fn config.FunctionConfig, functionName string, resp types.ProviderInferenceResponse) (json.RawMessage, InferenceOutput) {
	b, out := renderOutput(cfg, fn, functionName, resp.Output)
	out.Usage = resp.Usage
	return b, out
}

func extractRawText(blocks []types.ContentBlock) string {
	var b []byte
	for _, blk := range blocks {
		if t, ok := blk.(types.TextBlock); ok {
			b = append(b, t.Text...)
		}
	}
	return string(b)
}

func toChatOutput(blocks []types.ContentBlock) []types.ContentBlockChatOutput {
	out := make([]types.ContentBlockChatOutput, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case types.TextBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "text", Text: v.Text})
		case types.ToolCallBlock:
			out = append(out, types.ContentBlockChatOutput{Type: "tool_call", ID: v.ID, Name: v.Name, Arguments: v.Arguments, RawArguments: v.RawArguments})
		default:
			out = append(out, types.ContentBlockChatOutput{Type: "unknown"})
		}
	}
	return out
}

func mustV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		panic("batch: mint uuid v7: " + err.Error())
	}
	return id
}
