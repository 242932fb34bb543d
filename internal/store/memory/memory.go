// Package memory is an in-process Store implementation, adapted from
// registry/store/memory's map-plus-mutex shape, used by tests and the
// Dummy-provider end-to-end scenarios.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Store is an in-memory implementation of store.Store. Safe for concurrent
// use.
type Store struct {
	mu sync.RWMutex

	inferences      map[uuid.UUID]store.InferenceRow
	modelInferences map[uuid.UUID][]store.ModelInferenceRow
	feedback        []store.FeedbackRow

	batchRequests    map[string][]store.BatchRequestRow // batch_id -> history, latest last
	batchModelRows   map[string][]store.BatchModelInferenceRow
	inferenceToBatch map[uuid.UUID]string
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		inferences:       make(map[uuid.UUID]store.InferenceRow),
		modelInferences:  make(map[uuid.UUID][]store.ModelInferenceRow),
		batchRequests:    make(map[string][]store.BatchRequestRow),
		batchModelRows:   make(map[string][]store.BatchModelInferenceRow),
		inferenceToBatch: make(map[uuid.UUID]string),
	}
}

func (s *Store) WriteInference(ctx context.Context, row store.InferenceRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferences[row.ID] = row
	return nil
}

func (s *Store) WriteModelInference(ctx context.Context, row store.ModelInferenceRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelInferences[row.InferenceID] = append(s.modelInferences[row.InferenceID], row)
	return nil
}

func (s *Store) WriteBatchRequest(ctx context.Context, row store.BatchRequestRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchRequests[row.BatchID] = append(s.batchRequests[row.BatchID], row)
	return nil
}

func (s *Store) WriteBatchModelInferences(ctx context.Context, rows []store.BatchModelInferenceRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		batchID := r.BatchID
		s.batchModelRows[batchID] = append(s.batchModelRows[batchID], r)
		s.inferenceToBatch[r.InferenceID] = batchID
	}
	return nil
}

func (s *Store) WriteFeedback(ctx context.Context, row store.FeedbackRow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, row)
	return nil
}

func (s *Store) GetBatchRequest(ctx context.Context, query store.PollInferenceQuery) (*store.BatchRequestRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batchID := query.BatchID
	if batchID == "" && query.InferenceID != nil {
		var ok bool
		batchID, ok = s.inferenceToBatch[*query.InferenceID]
		if !ok {
			return nil, store.ErrNotFound
		}
	}
	history := s.batchRequests[batchID]
	if len(history) == 0 {
		return nil, store.ErrNotFound
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// GetBatchInferences returns the rows for batchID matching inferenceIDs, in
// the input order of inferenceIDs. An empty/nil inferenceIDs returns every
// row recorded for the batch (used when materializing a just-completed
// batch, before the caller knows which inference IDs exist).
func (s *Store) GetBatchInferences(ctx context.Context, batchID string, inferenceIDs []uuid.UUID) ([]store.BatchModelInferenceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(inferenceIDs) == 0 {
		return append([]store.BatchModelInferenceRow(nil), s.batchModelRows[batchID]...), nil
	}

	byInference := make(map[uuid.UUID]store.BatchModelInferenceRow, len(s.batchModelRows[batchID]))
	for _, r := range s.batchModelRows[batchID] {
		byInference[r.InferenceID] = r
	}
	out := make([]store.BatchModelInferenceRow, 0, len(inferenceIDs))
	for _, id := range inferenceIDs {
		if r, ok := byInference[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetCompletedBatchInferenceResponse reconstructs ProviderInferenceResponse
// values for every completed batch row, parsing Json-function output and
// validating it against the function's output_schema.
func (s *Store) GetCompletedBatchInferenceResponse(ctx context.Context, batch store.BatchRequestRow, query store.PollInferenceQuery, fn config.FunctionConfig) ([]types.ProviderInferenceResponse, error) {
	s.mu.RLock()
	rows := append([]store.BatchModelInferenceRow(nil), s.batchModelRows[batch.BatchID]...)
	modelInfs := make(map[uuid.UUID]store.ModelInferenceRow, len(rows))
	for _, r := range rows {
		mis := s.modelInferences[r.InferenceID]
		if len(mis) > 0 {
			modelInfs[r.InferenceID] = mis[len(mis)-1]
		}
	}
	s.mu.RUnlock()

	var responses []types.ProviderInferenceResponse
	for _, r := range rows {
		mi, ok := modelInfs[r.InferenceID]
		if !ok {
			continue
		}
		resp := types.ProviderInferenceResponse{
			RawRequest:  mi.RawRequest,
			RawResponse: mi.RawResponse,
			Usage:       types.Usage{InputTokens: mi.InputTokens, OutputTokens: mi.OutputTokens},
		}
		if fn.Kind == config.FunctionJSON && len(fn.OutputSchema) > 0 {
			var parsed any
			if err := json.Unmarshal([]byte(mi.RawResponse), &parsed); err != nil {
				continue
			}
			validator, err := types.CompileSchema("output", fn.OutputSchema)
			if err != nil {
				continue
			}
			if messages := validator.Validate(parsed); len(messages) > 0 {
				continue
			}
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// CountInferences implements store.Store.CountInferences by scanning the
// in-memory inference map; fine at test/dummy-provider scale, not meant to
// stand in for the postgres backend's indexed aggregate query.
func (s *Store) CountInferences(ctx context.Context, functionName, variantName string, groupByVariant bool) (int64, []store.VariantCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !groupByVariant {
		var total int64
		for _, row := range s.inferences {
			if row.FunctionName != functionName {
				continue
			}
			if variantName != "" && row.VariantName != variantName {
				continue
			}
			total++
		}
		return total, nil, nil
	}

	counts := make(map[string]int64)
	var total int64
	for _, row := range s.inferences {
		if row.FunctionName != functionName {
			continue
		}
		counts[row.VariantName]++
		total++
	}
	byVariant := make([]store.VariantCount, 0, len(counts))
	for name, n := range counts {
		byVariant = append(byVariant, store.VariantCount{VariantName: name, Count: n})
	}
	return total, byVariant, nil
}

// CountFeedback implements store.Store.CountFeedback. Inference-level
// feedback is counted against the inference rows' function_name; episode-
// level feedback has no function_name to join against and is excluded (an
// episode can span multiple functions), matching the count semantics of
// GET /functions/{name}/feedback/{metric}/count being function-scoped.
func (s *Store) CountFeedback(ctx context.Context, functionName, metricName string, threshold *float64) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seenInferences := make(map[uuid.UUID]struct{})
	var feedbackCount int64
	for _, fb := range s.feedback {
		if fb.MetricName != metricName || fb.TargetType != store.TargetInference {
			continue
		}
		row, ok := s.inferences[fb.TargetID]
		if !ok || row.FunctionName != functionName {
			continue
		}
		if threshold != nil {
			var v float64
			if err := json.Unmarshal(fb.Value, &v); err != nil || v < *threshold {
				continue
			}
		}
		feedbackCount++
		seenInferences[fb.TargetID] = struct{}{}
	}
	return int64(len(seenInferences)), feedbackCount, nil
}

// Throughput implements store.Store.Throughput by bucketing inference
// timestamps into fixed-width windows, most-recent first, capped at
// maxPeriods.
func (s *Store) Throughput(ctx context.Context, functionName, timeWindow string, maxPeriods int) ([]store.ThroughputBucket, error) {
	width := bucketWidth(timeWindow)

	s.mu.RLock()
	counts := make(map[time.Time]map[string]int64)
	for _, row := range s.inferences {
		if row.FunctionName != functionName {
			continue
		}
		bucket := row.Timestamp.Truncate(width)
		if counts[bucket] == nil {
			counts[bucket] = make(map[string]int64)
		}
		counts[bucket][row.VariantName]++
	}
	s.mu.RUnlock()

	buckets := make([]time.Time, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].After(buckets[j]) })
	if maxPeriods > 0 && len(buckets) > maxPeriods {
		buckets = buckets[:maxPeriods]
	}

	var out []store.ThroughputBucket
	for _, b := range buckets {
		for variant, n := range counts[b] {
			out = append(out, store.ThroughputBucket{PeriodStart: b, VariantName: variant, Count: n})
		}
	}
	return out, nil
}

func bucketWidth(timeWindow string) time.Duration {
	switch timeWindow {
	case "minute":
		return time.Minute
	case "day":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// ListFunctionCounts implements store.Store.ListFunctionCounts.
func (s *Store) ListFunctionCounts(ctx context.Context) ([]store.FunctionCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, row := range s.inferences {
		counts[row.FunctionName]++
	}
	out := make([]store.FunctionCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, store.FunctionCount{FunctionName: name, Count: n})
	}
	return out, nil
}

func (s *Store) Flush(ctx context.Context) error {
	return nil
}
