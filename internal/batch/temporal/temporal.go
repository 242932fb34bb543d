// Package temporal adapts the direct batch.Engine into a durable, long-poll
// option: a workflow that sleeps and retries PollBatchInference through to
// Completed/Failed instead of requiring the client to re-issue HTTP polls.
// Grounded on runtime/agent/engine/temporal/engine.go's lazy-client,
// worker-per-queue, OTEL-interceptor adapter shape; the planner/tool/signal
// surface that file exists for (ExecutePlannerActivity, PauseRequests,
// data converters for agent run state) has no equivalent here, so this is a
// fresh, narrowly-scoped adapter rather than a reuse of that package's
// engine.Engine interface.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/tensorzero/tensorzero-sub020/internal/batch"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/telemetry"
)

// PollBatchWorkflowName is the Temporal workflow type registered for durable
// batch polling.
const PollBatchWorkflowName = "tensorzero.PollBatch"

// pollBatchActivityName is the Temporal activity type that wraps
// batch.Engine.Poll for a single attempt.
const pollBatchActivityName = "tensorzero.pollBatchOnce"

// Options configures the Temporal-backed Poller. Either Client or
// ClientOptions must be set; the adapter lazily dials on first use when only
// ClientOptions is given, mirroring runtime/agent/engine/temporal's pattern.
type Options struct {
	Client        client.Client
	ClientOptions *client.Options
	TaskQueue     string

	// PollInterval is how long the workflow sleeps between poll attempts.
	// Defaults to 30s.
	PollInterval time.Duration

	DisableTracing bool
	Logger         telemetry.Logger
}

// Poller runs PollBatchWorkflow to completion on a Temporal cluster, calling
// back into a batch.Engine for each individual poll attempt. One Poller owns
// one worker for Options.TaskQueue.
type Poller struct {
	opts   Options
	engine *batch.Engine

	mu     sync.Mutex
	client client.Client
	wrk    worker.Worker
	logger telemetry.Logger
}

// New constructs a Poller. The underlying client/worker are created lazily on
// first Start call so tests and callers that never invoke Temporal pay no
// connection cost.
func New(engine *batch.Engine, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Poller{opts: opts, engine: engine, logger: logger}
}

// PollBatchInput is the workflow's input: enough to re-resolve the batch on
// every attempt via batch.Engine.Poll.
type PollBatchInput struct {
	Query store.PollInferenceQuery
}

// Start launches a durable PollBatchWorkflow for one (batch_id, function)
// pair, keyed by batch_id so that re-submitting the same batch_id while its
// workflow is still running attaches to that run instead of starting a
// second one. No workflow-ID reuse policy is set, so a batch_id whose
// workflow has already closed starts a new run.
func (p *Poller) Start(ctx context.Context, input PollBatchInput) (client.WorkflowRun, error) {
	c, err := p.clientOf()
	if err != nil {
		return nil, err
	}
	if err := p.ensureWorker(); err != nil {
		return nil, err
	}
	workflowID := "pollbatch-" + input.Query.BatchID
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: p.opts.TaskQueue,
	}, PollBatchWorkflowName, input)
}

// Result blocks until workflowID's run finishes and decodes its
// *batch.PollBatchInferenceResponse result.
func (p *Poller) Result(ctx context.Context, workflowID string) (*batch.PollBatchInferenceResponse, error) {
	c, err := p.clientOf()
	if err != nil {
		return nil, err
	}
	run := c.GetWorkflow(ctx, workflowID, "")
	var resp batch.PollBatchInferenceResponse
	if err := run.Get(ctx, &resp); err != nil {
		return nil, fmt.Errorf("temporal: await PollBatchWorkflow %s: %w", workflowID, err)
	}
	return &resp, nil
}

func (p *Poller) clientOf() (client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientLocked()
}

// clientLocked dials (or reuses) the Temporal client. Callers must hold p.mu.
func (p *Poller) clientLocked() (client.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	if p.opts.Client != nil {
		p.client = p.opts.Client
		return p.client, nil
	}
	if p.opts.ClientOptions == nil {
		return nil, fmt.Errorf("temporal: Options.Client or Options.ClientOptions must be set")
	}
	co := *p.opts.ClientOptions
	if !p.opts.DisableTracing {
		interceptors, err := tracingInterceptors()
		if err != nil {
			return nil, err
		}
		co.Interceptors = append(co.Interceptors, interceptors...)
	}
	c, err := client.Dial(co)
	if err != nil {
		return nil, fmt.Errorf("temporal: dial client: %w", err)
	}
	p.client = c
	return c, nil
}

func tracingInterceptors() ([]interceptor.ClientInterceptor, error) {
	tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("temporal: build tracing interceptor: %w", err)
	}
	return []interceptor.ClientInterceptor{tracer}, nil
}

// EnsureWorker registers the workflow/activity and starts a worker for
// Options.TaskQueue exactly once. Start calls this internally; callers that
// want the worker listening before the first Start call (e.g. at process
// boot) can call it directly.
func (p *Poller) EnsureWorker() error {
	return p.ensureWorker()
}

// ensureWorker is EnsureWorker's unexported core, reused by Start.
func (p *Poller) ensureWorker() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wrk != nil {
		return nil
	}
	c, err := p.clientLocked()
	if err != nil {
		return err
	}
	w := worker.New(c, p.opts.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(p.pollBatchWorkflow, workflow.RegisterOptions{Name: PollBatchWorkflowName})
	w.RegisterActivityWithOptions(p.pollBatchOnce, activityRegisterOptions())
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal: start worker on queue %q: %w", p.opts.TaskQueue, err)
	}
	p.wrk = w
	return nil
}

// pollBatchWorkflow sleeps and re-invokes pollBatchOnce until the batch
// reaches Completed or Failed, turning repeated client polling into a
// durable loop that survives worker restarts.
func (p *Poller) pollBatchWorkflow(ctx workflow.Context, input PollBatchInput) (*batch.PollBatchInferenceResponse, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	for {
		var resp batch.PollBatchInferenceResponse
		if err := workflow.ExecuteActivity(actx, pollBatchActivityName, input).Get(actx, &resp); err != nil {
			return nil, err
		}
		if resp.Status != batch.PollPending {
			return &resp, nil
		}
		if err := workflow.Sleep(ctx, p.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// pollBatchOnce is the activity body: one call into batch.Engine.Poll.
func (p *Poller) pollBatchOnce(ctx context.Context, input PollBatchInput) (*batch.PollBatchInferenceResponse, error) {
	resp, err := p.engine.Poll(ctx, input.Query)
	if err != nil {
		p.logger.Error(ctx, "batch poll activity failed", "batch_id", input.Query.BatchID, "error", err)
		return nil, err
	}
	return resp, nil
}

func activityRegisterOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: pollBatchActivityName}
}
