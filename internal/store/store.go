// Package store defines the backend-agnostic observability store. The
// interface shape (small CRUD-ish surface + ErrNotFound sentinel + swappable
// backends) is grounded on registry/store.Store; Inference/ModelInference/
// Feedback/BatchRequest are new row types this domain needs that the
// registry's toolset store has no equivalent of.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ErrNotFound is returned when a query matches no row.
var ErrNotFound = errors.New("store: not found")

// InferenceRow is one client-facing inference record.
type InferenceRow struct {
	ID           uuid.UUID       `json:"id"`
	EpisodeID    uuid.UUID       `json:"episode_id"`
	FunctionName string          `json:"function_name"`
	VariantName  string          `json:"variant_name"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output"`
	Cached       bool            `json:"cached"`
	ProcessingMs int64           `json:"processing_time_ms"`
	DryRun       bool            `json:"dryrun"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ModelInferenceRow is one provider-level call record, always attached to an
// InferenceRow via InferenceID.
type ModelInferenceRow struct {
	ID           uuid.UUID `json:"id"`
	InferenceID  uuid.UUID `json:"inference_id"`
	ModelName    string    `json:"model_name"`
	ProviderName string    `json:"provider_name"`
	RawRequest   string    `json:"raw_request"`
	RawResponse  string    `json:"raw_response"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	ResponseMs   int64     `json:"response_time_ms"`
	TTFTMs       *int64    `json:"ttft_ms,omitempty"`
	Cached       bool      `json:"cached"`
	Timestamp    time.Time `json:"timestamp"`
}

// FeedbackTargetType distinguishes an inference-level from an episode-level
// feedback target.
type FeedbackTargetType string

const (
	TargetInference FeedbackTargetType = "inference"
	TargetEpisode    FeedbackTargetType = "episode"
)

// FeedbackRow is one client-submitted feedback record: a named metric value,
// a comment, or a demonstration.
type FeedbackRow struct {
	ID         uuid.UUID          `json:"id"`
	TargetType FeedbackTargetType `json:"target_type"`
	TargetID   uuid.UUID          `json:"target_id"`
	MetricName string             `json:"metric_name"`
	Value      json.RawMessage    `json:"value"`
	Timestamp  time.Time          `json:"timestamp"`
}

// BatchStatus is the closed status enum for a BatchRequestRow. Monotonic:
// once Completed or Failed, a batch is never re-polled.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// BatchRequestRow tracks one provider-side batch job.
type BatchRequestRow struct {
	ID           uuid.UUID   `json:"id"`
	BatchID      string      `json:"batch_id"`
	ModelName    string      `json:"model_name"`
	ProviderName string      `json:"provider_name"`
	FunctionName string      `json:"function_name"`
	Status       BatchStatus `json:"status"`
	RawRequest   string      `json:"raw_request,omitempty"`
	RawResponse  string      `json:"raw_response,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// BatchModelInferenceRow is one request folded into a batch, before the
// batch completes.
type BatchModelInferenceRow struct {
	InferenceID  uuid.UUID `json:"inference_id"`
	BatchID      string    `json:"batch_id"`
	ModelName    string    `json:"model_name"`
	ProviderName string    `json:"provider_name"`
	FunctionName string    `json:"function_name"`
	VariantName  string    `json:"variant_name"`
	EpisodeID    uuid.UUID `json:"episode_id"`
	RawRequest   string    `json:"raw_request"`
}

// PollInferenceQuery selects a batch to poll or a BatchRequestRow to fetch.
type PollInferenceQuery struct {
	BatchID     string
	InferenceID *uuid.UUID
}

// VariantCount is one variant's inference count, as returned by
// CountInferences when grouping by variant.
type VariantCount struct {
	VariantName string `json:"variant_name"`
	Count       int64  `json:"count"`
}

// ThroughputBucket is one time-bucketed, variant-grouped inference count, as
// returned by Throughput.
type ThroughputBucket struct {
	PeriodStart time.Time `json:"period_start"`
	VariantName string    `json:"variant_name"`
	Count       int64     `json:"count"`
}

// FunctionCount is one function's total inference count, as returned by
// ListFunctionCounts.
type FunctionCount struct {
	FunctionName string `json:"function_name"`
	Count        int64  `json:"count"`
}

// Store is the backend-agnostic persistence port used by the dispatch and
// batch engines. Implementations must be safe for concurrent use.
type Store interface {
	WriteInference(ctx context.Context, row InferenceRow) error
	WriteModelInference(ctx context.Context, row ModelInferenceRow) error
	WriteBatchRequest(ctx context.Context, row BatchRequestRow) error
	WriteBatchModelInferences(ctx context.Context, rows []BatchModelInferenceRow) error
	WriteFeedback(ctx context.Context, row FeedbackRow) error

	GetBatchRequest(ctx context.Context, query PollInferenceQuery) (*BatchRequestRow, error)
	// GetBatchInferences returns batchID's rows matching inferenceIDs, in
	// inferenceIDs' order; an empty/nil inferenceIDs returns every row
	// recorded for the batch.
	GetBatchInferences(ctx context.Context, batchID string, inferenceIDs []uuid.UUID) ([]BatchModelInferenceRow, error)
	GetCompletedBatchInferenceResponse(ctx context.Context, batch BatchRequestRow, query PollInferenceQuery, fn config.FunctionConfig) ([]types.ProviderInferenceResponse, error)

	// CountInferences implements GET /functions/{name}/count. When
	// variantName is empty and groupByVariant is false, total returns the
	// function's overall inference count and byVariant is nil; when
	// groupByVariant is true, byVariant holds one VariantCount per variant
	// and total is their sum. variantName (if set) filters the ungrouped
	// count to one variant; the grouped computation ignores it and covers
	// every variant.
	CountInferences(ctx context.Context, functionName, variantName string, groupByVariant bool) (total int64, byVariant []VariantCount, err error)

	// CountFeedback implements GET /functions/{name}/feedback/{metric}/count:
	// inferenceCount is the number of distinct inferences that received
	// feedback for metricName; feedbackCount is the number of feedback rows.
	// For a float metric, threshold (if non-nil) restricts both counts to
	// feedback rows whose value is >= threshold.
	CountFeedback(ctx context.Context, functionName, metricName string, threshold *float64) (inferenceCount, feedbackCount int64, err error)

	// Throughput implements GET /functions/{name}/throughput: inference
	// counts bucketed by timeWindow ("minute"/"hour"/"day"), grouped by
	// variant, for at most maxPeriods most recent buckets.
	Throughput(ctx context.Context, functionName, timeWindow string, maxPeriods int) ([]ThroughputBucket, error)

	// ListFunctionCounts implements GET /functions: every function name that
	// has recorded at least one inference, with its total count.
	ListFunctionCounts(ctx context.Context) ([]FunctionCount, error)

	// Flush blocks until every write accepted before the call has been
	// durably applied. Tests use this instead of sleeping.
	Flush(ctx context.Context) error
}

// ValidateFeedback enforces the feedback-target/type/level rejection rules:
// a KindInvalidInput error whenever the target type
// doesn't match the metric's declared level, the value doesn't match the
// metric's declared type, or "demonstration" is used at episode level.
func ValidateFeedback(metrics map[string]config.MetricConfig, metricName string, targetType FeedbackTargetType, value json.RawMessage) error {
	if metricName == "demonstration" {
		if targetType == TargetEpisode {
			return tzerr.New(tzerr.KindInvalidInput, "demonstration feedback is not valid at episode level")
		}
		return nil
	}
	if metricName == "comment" {
		return validateStringValue(value)
	}

	metric, ok := metrics[metricName]
	if !ok {
		return tzerr.New(tzerr.KindUnknownMetric, "unknown metric %q", metricName)
	}
	wantTarget := TargetInference
	if metric.Level == config.LevelEpisode {
		wantTarget = TargetEpisode
	}
	if targetType != wantTarget {
		return tzerr.New(tzerr.KindInvalidInput, "metric %q is declared at level %q, got target type %q", metricName, metric.Level, targetType)
	}
	switch metric.Type {
	case config.MetricBoolean:
		return validateBoolValue(value)
	case config.MetricFloat:
		return validateFloatValue(value)
	default:
		return tzerr.New(tzerr.KindInvalidInput, "metric %q has unsupported type %q", metricName, metric.Type)
	}
}

func validateStringValue(value json.RawMessage) error {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return tzerr.Wrap(tzerr.KindInvalidInput, err, "comment feedback value must be a string")
	}
	return nil
}

func validateBoolValue(value json.RawMessage) error {
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return tzerr.Wrap(tzerr.KindInvalidInput, err, "feedback value must be a boolean")
	}
	return nil
}

func validateFloatValue(value json.RawMessage) error {
	var f float64
	if err := json.Unmarshal(value, &f); err != nil {
		return tzerr.Wrap(tzerr.KindInvalidInput, err, "feedback value must be a float")
	}
	return nil
}
