// Package postgres is a Store backend over jackc/pgx/v5 (see DESIGN.md for
// why Postgres stands in for the production ClickHouse deployment here).
// Table shapes mirror store.InferenceRow/ModelInferenceRow/FeedbackRow/
// BatchRequestRow/BatchModelInferenceRow directly.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Store implements store.Store over a Postgres connection pool. When
// TENSORZERO_CLICKHOUSE_BATCH_WRITES is set truthy, inference/model-inference
// writes are queued and flushed by a background worker in batches instead of
// one statement per call — a queue-behind-a-worker-loop, Flush-drains-it
// idiom shared with the Temporal workflow workers elsewhere in this module.
type Store struct {
	pool *pgxpool.Pool

	batchWrites bool
	queue       chan queuedInference
	flushSignal chan chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
}

type queuedInference struct {
	inference store.InferenceRow
	models    []store.ModelInferenceRow
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Open connects to connURL, runs migrations, and returns a ready Store.
func Open(ctx context.Context, connURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{
		pool:        pool,
		batchWrites: batchWritesEnabled(),
		queue:       make(chan queuedInference, 256),
		flushSignal: make(chan chan struct{}),
		done:        make(chan struct{}),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	if s.batchWrites {
		go s.runBatchWorker()
	}
	return s, nil
}

func batchWritesEnabled() bool {
	v, ok := os.LookupEnv("TENSORZERO_CLICKHOUSE_BATCH_WRITES")
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tz_inference (
			id TEXT PRIMARY KEY,
			episode_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			variant_name TEXT NOT NULL,
			input JSONB NOT NULL,
			output JSONB NOT NULL,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			processing_time_ms BIGINT NOT NULL,
			dryrun BOOLEAN NOT NULL DEFAULT FALSE,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_tz_inference_function ON tz_inference (function_name, variant_name);
		CREATE TABLE IF NOT EXISTS tz_model_inference (
			id TEXT PRIMARY KEY,
			inference_id TEXT NOT NULL REFERENCES tz_inference(id),
			model_name TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			raw_request TEXT NOT NULL,
			raw_response TEXT NOT NULL,
			input_tokens INT,
			output_tokens INT,
			response_time_ms BIGINT NOT NULL,
			ttft_ms BIGINT,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_tz_model_inference_inference_id ON tz_model_inference (inference_id);
		CREATE TABLE IF NOT EXISTS tz_feedback (
			id TEXT PRIMARY KEY,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			value JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS tz_batch_request (
			row_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			function_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			raw_request TEXT,
			raw_response TEXT,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_tz_batch_request_batch_id ON tz_batch_request (batch_id, ts);
		CREATE TABLE IF NOT EXISTS tz_batch_model_inference (
			inference_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			function_name TEXT NOT NULL,
			variant_name TEXT NOT NULL,
			episode_id TEXT NOT NULL,
			raw_request TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tz_batch_model_inference_batch_id ON tz_batch_model_inference (batch_id);
	`)
	return err
}

func (s *Store) WriteInference(ctx context.Context, row store.InferenceRow) error {
	if s.batchWrites {
		s.queue <- queuedInference{inference: row}
		return nil
	}
	return s.writeInference(ctx, row)
}

func (s *Store) writeInference(ctx context.Context, row store.InferenceRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tz_inference (id, episode_id, function_name, variant_name, input, output, cached, processing_time_ms, dryrun, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET output = EXCLUDED.output, cached = EXCLUDED.cached`,
		row.ID.String(), row.EpisodeID.String(), row.FunctionName, row.VariantName,
		row.Input, row.Output, row.Cached, row.ProcessingMs, row.DryRun, timestampOrNow(row.Timestamp))
	return err
}

func (s *Store) WriteModelInference(ctx context.Context, row store.ModelInferenceRow) error {
	if s.batchWrites {
		s.queue <- queuedInference{models: []store.ModelInferenceRow{row}}
		return nil
	}
	return s.writeModelInference(ctx, row)
}

func (s *Store) writeModelInference(ctx context.Context, row store.ModelInferenceRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tz_model_inference (id, inference_id, model_name, provider_name, raw_request, raw_response, input_tokens, output_tokens, response_time_ms, ttft_ms, cached, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		row.ID.String(), row.InferenceID.String(), row.ModelName, row.ProviderName,
		row.RawRequest, row.RawResponse, row.InputTokens, row.OutputTokens, row.ResponseMs, row.TTFTMs, row.Cached, timestampOrNow(row.Timestamp))
	return err
}

func (s *Store) WriteBatchRequest(ctx context.Context, row store.BatchRequestRow) error {
	rowID := row.ID
	if rowID == uuid.Nil {
		rowID = uuid.Must(uuid.NewV7())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tz_batch_request (row_id, batch_id, model_name, provider_name, function_name, status, raw_request, raw_response, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rowID.String(), row.BatchID, row.ModelName, row.ProviderName, row.FunctionName, string(row.Status), row.RawRequest, row.RawResponse, timestampOrNow(row.Timestamp))
	return err
}

func (s *Store) WriteBatchModelInferences(ctx context.Context, rows []store.BatchModelInferenceRow) error {
	batch := &pgxBatch{}
	for _, r := range rows {
		batch.queue(`
			INSERT INTO tz_batch_model_inference (inference_id, batch_id, model_name, provider_name, function_name, variant_name, episode_id, raw_request)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (inference_id) DO NOTHING`,
			r.InferenceID.String(), r.BatchID, r.ModelName, r.ProviderName, r.FunctionName, r.VariantName, r.EpisodeID.String(), r.RawRequest)
	}
	return batch.send(ctx, s.pool)
}

func (s *Store) WriteFeedback(ctx context.Context, row store.FeedbackRow) error {
	id := row.ID
	if id == uuid.Nil {
		id = uuid.Must(uuid.NewV7())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tz_feedback (id, target_type, target_id, metric_name, value, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id.String(), string(row.TargetType), row.TargetID.String(), row.MetricName, row.Value, timestampOrNow(row.Timestamp))
	return err
}

func (s *Store) GetBatchRequest(ctx context.Context, query store.PollInferenceQuery) (*store.BatchRequestRow, error) {
	var batchID string
	if query.BatchID != "" {
		batchID = query.BatchID
	} else if query.InferenceID != nil {
		err := s.pool.QueryRow(ctx, `SELECT batch_id FROM tz_batch_model_inference WHERE inference_id = $1`, query.InferenceID.String()).Scan(&batchID)
		if err != nil {
			return nil, store.ErrNotFound
		}
	} else {
		return nil, store.ErrNotFound
	}

	var row store.BatchRequestRow
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id, model_name, provider_name, function_name, status, raw_request, raw_response, ts
		FROM tz_batch_request WHERE batch_id = $1 ORDER BY ts DESC LIMIT 1`, batchID).
		Scan(&row.BatchID, &row.ModelName, &row.ProviderName, &row.FunctionName, &status, &row.RawRequest, &row.RawResponse, &row.Timestamp)
	if err != nil {
		return nil, store.ErrNotFound
	}
	row.Status = store.BatchStatus(status)
	return &row, nil
}

// GetBatchInferences returns batchID's rows matching inferenceIDs, in
// inferenceIDs' order. An empty/nil inferenceIDs returns every row recorded
// for the batch (the batch engine's completion-materialization path, which
// does not yet know the batch's inference IDs when it asks).
func (s *Store) GetBatchInferences(ctx context.Context, batchID string, inferenceIDs []uuid.UUID) ([]store.BatchModelInferenceRow, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(inferenceIDs) == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT inference_id, batch_id, model_name, provider_name, function_name, variant_name, episode_id, raw_request
			FROM tz_batch_model_inference WHERE batch_id = $1`, batchID)
	} else {
		ids := make([]string, len(inferenceIDs))
		for i, id := range inferenceIDs {
			ids[i] = id.String()
		}
		rows, err = s.pool.Query(ctx, `
			SELECT inference_id, batch_id, model_name, provider_name, function_name, variant_name, episode_id, raw_request
			FROM tz_batch_model_inference WHERE batch_id = $1 AND inference_id = ANY($2)`, batchID, ids)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]store.BatchModelInferenceRow)
	var all []store.BatchModelInferenceRow
	for rows.Next() {
		var r store.BatchModelInferenceRow
		var infID, epID string
		if err := rows.Scan(&infID, &r.BatchID, &r.ModelName, &r.ProviderName, &r.FunctionName, &r.VariantName, &epID, &r.RawRequest); err != nil {
			return nil, err
		}
		r.InferenceID = uuid.MustParse(infID)
		r.EpisodeID = uuid.MustParse(epID)
		byID[infID] = r
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(inferenceIDs) == 0 {
		return all, nil
	}

	out := make([]store.BatchModelInferenceRow, 0, len(inferenceIDs))
	for _, id := range inferenceIDs {
		if r, ok := byID[id.String()]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetCompletedBatchInferenceResponse reconstructs ProviderInferenceResponse
// values from the persisted tz_model_inference rows for batch, validating
// Json-function output against the function's output_schema.
func (s *Store) GetCompletedBatchInferenceResponse(ctx context.Context, batch store.BatchRequestRow, query store.PollInferenceQuery, fn config.FunctionConfig) ([]types.ProviderInferenceResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mi.raw_request, mi.raw_response, mi.input_tokens, mi.output_tokens
		FROM tz_model_inference mi
		JOIN tz_batch_model_inference b ON b.inference_id = mi.inference_id
		WHERE b.batch_id = $1`, batch.BatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var validator types.Validator
	if fn.Kind == config.FunctionJSON && len(fn.OutputSchema) > 0 {
		validator, _ = types.CompileSchema("output", fn.OutputSchema)
	}

	var out []types.ProviderInferenceResponse
	for rows.Next() {
		var resp types.ProviderInferenceResponse
		if err := rows.Scan(&resp.RawRequest, &resp.RawResponse, &resp.Usage.InputTokens, &resp.Usage.OutputTokens); err != nil {
			return nil, err
		}
		if validator != nil {
			var parsed any
			if json.Unmarshal([]byte(resp.RawResponse), &parsed) != nil {
				continue
			}
			if messages := validator.Validate(parsed); len(messages) > 0 {
				continue
			}
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// CountInferences implements store.Store.CountInferences with a plain
// COUNT/GROUP BY, letting idx_tz_inference_function (see migrate) carry the
// filter.
func (s *Store) CountInferences(ctx context.Context, functionName, variantName string, groupByVariant bool) (int64, []store.VariantCount, error) {
	if !groupByVariant {
		var total int64
		var err error
		if variantName != "" {
			err = s.pool.QueryRow(ctx, `SELECT count(*) FROM tz_inference WHERE function_name = $1 AND variant_name = $2`, functionName, variantName).Scan(&total)
		} else {
			err = s.pool.QueryRow(ctx, `SELECT count(*) FROM tz_inference WHERE function_name = $1`, functionName).Scan(&total)
		}
		if err != nil {
			return 0, nil, err
		}
		return total, nil, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT variant_name, count(*) FROM tz_inference WHERE function_name = $1 GROUP BY variant_name`, functionName)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var total int64
	var byVariant []store.VariantCount
	for rows.Next() {
		var vc store.VariantCount
		if err := rows.Scan(&vc.VariantName, &vc.Count); err != nil {
			return 0, nil, err
		}
		total += vc.Count
		byVariant = append(byVariant, vc)
	}
	return total, byVariant, rows.Err()
}

// CountFeedback implements store.Store.CountFeedback, joining inference-level
// feedback back to tz_inference for the function_name filter; a threshold
// filters on the JSONB value cast to double precision.
func (s *Store) CountFeedback(ctx context.Context, functionName, metricName string, threshold *float64) (int64, int64, error) {
	query := `
		SELECT count(DISTINCT f.target_id), count(*)
		FROM tz_feedback f
		JOIN tz_inference i ON i.id = f.target_id
		WHERE f.target_type = 'inference' AND f.metric_name = $1 AND i.function_name = $2`
	args := []any{metricName, functionName}
	if threshold != nil {
		query += ` AND (f.value #>> '{}')::double precision >= $3`
		args = append(args, *threshold)
	}
	var inferenceCount, feedbackCount int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&inferenceCount, &feedbackCount); err != nil {
		return 0, 0, err
	}
	return inferenceCount, feedbackCount, nil
}

// Throughput implements store.Store.Throughput via date_trunc bucketing.
func (s *Store) Throughput(ctx context.Context, functionName, timeWindow string, maxPeriods int) ([]store.ThroughputBucket, error) {
	unit := throughputUnit(timeWindow)
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, variant_name, count(*) FROM (
			SELECT date_trunc($1, ts) AS bucket, variant_name
			FROM tz_inference WHERE function_name = $2
		) t
		GROUP BY bucket, variant_name
		ORDER BY bucket DESC
		LIMIT $3`, unit, functionName, maxPeriods*8)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[time.Time]struct{})
	var out []store.ThroughputBucket
	for rows.Next() {
		var b store.ThroughputBucket
		if err := rows.Scan(&b.PeriodStart, &b.VariantName, &b.Count); err != nil {
			return nil, err
		}
		if _, ok := seen[b.PeriodStart]; !ok {
			if maxPeriods > 0 && len(seen) >= maxPeriods {
				continue
			}
			seen[b.PeriodStart] = struct{}{}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func throughputUnit(timeWindow string) string {
	switch timeWindow {
	case "minute":
		return "minute"
	case "day":
		return "day"
	default:
		return "hour"
	}
}

// ListFunctionCounts implements store.Store.ListFunctionCounts.
func (s *Store) ListFunctionCounts(ctx context.Context) ([]store.FunctionCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT function_name, count(*) FROM tz_inference GROUP BY function_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.FunctionCount
	for rows.Next() {
		var fc store.FunctionCount
		if err := rows.Scan(&fc.FunctionName, &fc.Count); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// Flush waits for the batch worker to drain the current queue. A no-op when
// batched writes are disabled, since every write is already synchronous.
func (s *Store) Flush(ctx context.Context) error {
	if !s.batchWrites {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.flushSignal <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the batch worker, if running, and closes the pool.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.pool.Close()
}

// runBatchWorker drains s.queue in batches on a ticker, the same
// "queue behind a worker loop with a Flush/drain signal" shape as the
// teacher's per-queue Temporal worker bundles
// (runtime/agent/engine/temporal/engine.go's workerBundle.start/stop), here
// adapted to batch SQL writes instead of dispatching Temporal activities.
func (s *Store) runBatchWorker() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var pending []queuedInference

	drain := func() {
		ctx := context.Background()
		for _, q := range pending {
			if q.inference.ID != uuid.Nil {
				_ = s.writeInference(ctx, q.inference)
			}
			for _, m := range q.models {
				_ = s.writeModelInference(ctx, m)
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-s.done:
			drain()
			return
		case q := <-s.queue:
			pending = append(pending, q)
		case <-ticker.C:
			drain()
		case ack := <-s.flushSignal:
			for len(s.queue) > 0 {
				pending = append(pending, <-s.queue)
			}
			drain()
			close(ack)
		}
	}
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// pgxBatch is a tiny helper around pgx's batching so WriteBatchModelInferences
// can send every row in one round trip.
type pgxBatch struct {
	batch pgx.Batch
	n     int
}

func (b *pgxBatch) queue(sql string, args ...any) {
	b.batch.Queue(sql, args...)
	b.n++
}

func (b *pgxBatch) send(ctx context.Context, pool *pgxpool.Pool) error {
	if b.n == 0 {
		return nil
	}
	br := pool.SendBatch(ctx, &b.batch)
	defer br.Close()
	for i := 0; i < b.n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
