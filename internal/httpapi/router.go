// Package httpapi exposes inference, feedback, batch, and function-analytics
// endpoints over internal/dispatch and internal/batch using
// github.com/go-chi/chi/v5.
package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/batch"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/dispatch"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/telemetry"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
)

// Server holds the dependencies every handler needs.
type Server struct {
	cfg     *config.Config
	dispatch *dispatch.Dispatcher
	batch   *batch.Engine
	store   store.Store
	logger  telemetry.Logger
}

// New constructs a Server.
func New(cfg *config.Config, dispatcher *dispatch.Dispatcher, batchEngine *batch.Engine, st store.Store, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{cfg: cfg, dispatch: dispatcher, batch: batchEngine, store: st, logger: logger}
}

// Router builds the chi.Router exposing every gateway endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/inference", s.handleInference)
	r.Post("/feedback", s.handleFeedback)
	r.Post("/batch_inference", s.handleStartBatch)
	r.Get("/batch_inference/{batch_id}", s.handlePollBatchByID)
	r.Get("/batch_inference/inference/{inference_id}", s.handlePollBatchByInference)
	r.Get("/functions/{name}/count", s.handleFunctionCount)
	r.Get("/functions/{name}/feedback/{metric}/count", s.handleFeedbackCount)
	r.Get("/functions/{name}/throughput", s.handleThroughput)
	r.Get("/functions", s.handleListFunctions)
	return r
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	tzerr.LogAndRespond(r.Context(), w, s.logger.Error, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleInference implements POST /inference: non-streaming responses are a
// single JSON body; params.stream=true switches to SSE framing.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var params dispatch.ClientInferenceParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "decode inference request"))
		return
	}

	if !params.Stream {
		resp, err := s.dispatch.Infer(r.Context(), params)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	result, err := s.dispatch.InferStream(r.Context(), params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.streamSSE(w, r, result)
}

// streamSSE writes dispatch.StreamResult.Events as SSE: one
// "data: <json>\n\n" per chunk, non-terminating "data:
// {"error": "..."}\n\n" frames, and a terminal "data: [DONE]\n\n".
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, result *dispatch.StreamResult) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-result.Events:
			if !ok {
				fmt.Fprint(bw, "data: [DONE]\n\n")
				bw.Flush()
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if ev.Err != nil {
				tzErr, _ := tzerr.As(ev.Err)
				msg := ev.Err.Error()
				if tzErr != nil {
					msg = tzErr.Error()
				}
				payload, _ := json.Marshal(map[string]string{"error": msg})
				fmt.Fprintf(bw, "data: %s\n\n", payload)
			} else {
				payload, _ := json.Marshal(ev.Chunk)
				fmt.Fprintf(bw, "data: %s\n\n", payload)
			}
			bw.Flush()
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// handleFeedback implements POST /feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req dispatch.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "decode feedback request"))
		return
	}
	resp, err := s.dispatch.Feedback(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartBatch implements POST /batch_inference.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.ClientBatchInferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "decode batch inference request"))
		return
	}
	resp, err := s.batch.Start(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePollBatchByID implements GET /batch_inference/{batch_id}.
func (s *Server) handlePollBatchByID(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	s.pollBatch(w, r, store.PollInferenceQuery{BatchID: batchID})
}

// handlePollBatchByInference implements GET
// /batch_inference/inference/{inference_id}.
func (s *Server) handlePollBatchByInference(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "inference_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "invalid inference_id %q", raw))
		return
	}
	s.pollBatch(w, r, store.PollInferenceQuery{InferenceID: &id})
}

func (s *Server) pollBatch(w http.ResponseWriter, r *http.Request, query store.PollInferenceQuery) {
	resp, err := s.batch.Poll(r.Context(), query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFunctionCount implements GET /functions/{name}/count.
func (s *Server) handleFunctionCount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	variant := r.URL.Query().Get("variant_name")
	groupByVariant := r.URL.Query().Get("group_by") == "variant"

	total, byVariant, err := s.store.CountInferences(r.Context(), name, variant, groupByVariant)
	if err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindObservability, err, "count inferences"))
		return
	}
	resp := map[string]any{"count": total}
	if groupByVariant {
		resp["by_variant"] = byVariant
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFeedbackCount implements GET /functions/{name}/feedback/{metric}/count.
func (s *Server) handleFeedbackCount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	metric := chi.URLParam(r, "metric")

	var threshold *float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "invalid threshold %q", raw))
			return
		}
		threshold = &v
	}

	inferenceCount, feedbackCount, err := s.store.CountFeedback(r.Context(), name, metric, threshold)
	if err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindObservability, err, "count feedback"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"inference_count": inferenceCount,
		"feedback_count":  feedbackCount,
	})
}

// handleThroughput implements GET /functions/{name}/throughput.
func (s *Server) handleThroughput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	timeWindow := r.URL.Query().Get("time_window")
	if timeWindow == "" {
		timeWindow = "hour"
	}
	maxPeriods := 24
	if raw := r.URL.Query().Get("max_periods"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, r, tzerr.Wrap(tzerr.KindInvalidRequest, err, "invalid max_periods %q", raw))
			return
		}
		maxPeriods = n
	}

	buckets, err := s.store.Throughput(r.Context(), name, timeWindow, maxPeriods)
	if err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindObservability, err, "compute throughput"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"throughput": buckets})
}

// handleListFunctions implements GET /functions: every configured function
// name, annotated with its recorded inference count (0 when never called).
func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ListFunctionCounts(r.Context())
	if err != nil {
		s.respondError(w, r, tzerr.Wrap(tzerr.KindObservability, err, "list function counts"))
		return
	}
	byName := make(map[string]int64, len(counts))
	for _, c := range counts {
		byName[c.FunctionName] = c.Count
	}

	out := make([]store.FunctionCount, 0, len(s.cfg.Functions))
	for name := range s.cfg.Functions {
		out = append(out, store.FunctionCount{FunctionName: name, Count: byName[name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": out})
}
