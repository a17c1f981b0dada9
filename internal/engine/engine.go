// Package engine is the policy layer around tool invocations. Every call
// runs the same pipeline: resolve the tool, validate input against its
// schema, pass the admission gate, dispatch on a bounded worker, normalize
// the result against the execution limits and hand it to the sink for
// persistence. Each stage yields a ToolResult even on failure; no error
// from a tool ever crosses this boundary as a Go error.
package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/autosage/autosage/internal/fsx"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

// summaryOverflowMarker is appended to summaries cut at the character cap.
const summaryOverflowMarker = "… limits: truncated"

// defaultGrace bounds how long a cancelled invoker may keep running before
// its eventual result is abandoned.
const defaultGrace = 2 * time.Second

// Workspace identifies where one invocation runs and how its artifacts are
// addressed in responses.
type Workspace struct {
	// ID is the invocation identifier (job_NNNN or call_NNNN).
	ID string

	// Dir is the absolute workspace directory; artifacts live below it.
	Dir string

	// ArtifactBase is the URL prefix under which artifacts are served.
	ArtifactBase string
}

// Sink observes invocation lifecycle so records can be persisted. The job
// store implements it; session-scoped calls pass NopSink because the
// manifest, not a job record, carries their outcome.
type Sink interface {
	// Allocate creates a workspace for the invocation and persists the
	// verbatim request body when non-empty.
	Allocate(tool string, rawRequest []byte) (Workspace, error)

	// Started marks the invocation running.
	Started(id string)

	// Completed persists a successful result.
	Completed(id string, result *models.ToolResult)

	// Failed persists an error result.
	Failed(id string, result *models.ToolResult)
}

// NopSink discards all lifecycle notifications.
type NopSink struct{}

func (NopSink) Allocate(string, []byte) (Workspace, error) {
	return Workspace{}, fmt.Errorf("engine: nop sink cannot allocate a workspace")
}
func (NopSink) Started(string)                       {}
func (NopSink) Completed(string, *models.ToolResult) {}
func (NopSink) Failed(string, *models.ToolResult)    {}

// Invocation is one decoded execution request.
type Invocation struct {
	// Tool is the requested tool name.
	Tool string

	// Input is the decoded tool input.
	Input structval.Value

	// Limits overrides the engine defaults; zero fields inherit.
	Limits models.Limits

	// RawRequest is the verbatim request body, persisted as request.json
	// when a workspace is allocated.
	RawRequest []byte

	// RequestID is the propagated inbound request id, if any.
	RequestID string

	// WorkDir, when set, preempts sink allocation: the invocation runs in
	// this directory under the given CallID and ArtifactBase. Used for
	// session-scoped calls and pre-created jobs.
	WorkDir      string
	CallID       string
	ArtifactBase string

	// BlockOnAdmission waits for a free slot instead of failing with
	// too_many_requests. Async job execution sets this; the synchronous
	// execute surface never does.
	BlockOnAdmission bool
}

// Options configures a new Engine.
type Options struct {
	Registry    *tools.Registry
	Concurrency int
	Defaults    models.Limits
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer

	// Grace bounds the wait for a cancelled invoker's partial result.
	Grace time.Duration
}

// Engine executes tools under a fixed concurrency bound.
type Engine struct {
	registry *tools.Registry
	sem      chan struct{}
	defaults models.Limits
	log      *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	grace    time.Duration
}

// New builds an engine. Zero option fields fall back to safe defaults so
// tests can construct engines tersely.
func New(opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Defaults == (models.Limits{}) {
		opts.Defaults = models.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewNopTracer()
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	return &Engine{
		registry: opts.Registry,
		sem:      make(chan struct{}, opts.Concurrency),
		defaults: opts.Defaults,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		grace:    opts.Grace,
	}
}

// Concurrency returns the admission bound.
func (e *Engine) Concurrency() int { return cap(e.sem) }

// Defaults returns the engine-wide limit defaults.
func (e *Engine) Defaults() models.Limits { return e.defaults }

// Execute runs one invocation through the full pipeline and always returns
// a ToolResult. The adapter maps the result's error code to an HTTP status.
func (e *Engine) Execute(ctx context.Context, inv Invocation, sink Sink) *models.ToolResult {
	if sink == nil {
		sink = NopSink{}
	}
	if inv.RequestID != "" {
		ctx = observability.WithRequestID(ctx, inv.RequestID)
	}
	ctx, span := e.tracer.StartToolSpan(ctx, inv.Tool, inv.RequestID)

	start := time.Now()
	res := e.run(ctx, inv, sink)

	e.metrics.ToolExecutionCounter.WithLabelValues(inv.Tool, res.Status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(inv.Tool).Observe(time.Since(start).Seconds())
	observability.EndSpan(span, res.ErrorCode())
	return res
}

func (e *Engine) run(ctx context.Context, inv Invocation, sink Sink) *models.ToolResult {
	ws := Workspace{ID: inv.CallID, Dir: inv.WorkDir, ArtifactBase: inv.ArtifactBase}
	allocated := inv.WorkDir != ""

	fail := func(res *models.ToolResult) *models.ToolResult {
		e.tagRequestID(res, inv)
		if allocated {
			sink.Failed(ws.ID, res)
		}
		e.log.Warn(ctx, "tool invocation rejected",
			"tool", inv.Tool, "error_code", res.ErrorCode())
		return res
	}

	// Resolve.
	desc, err := e.registry.Lookup(inv.Tool)
	if err != nil {
		return fail(models.ErrorResult(inv.Tool, models.ErrUnknownTool,
			fmt.Sprintf("no tool named %q is registered", inv.Tool)))
	}

	// Schema-validate.
	if err := desc.ValidateInput(inv.Input); err != nil {
		return fail(models.ErrorResult(inv.Tool, models.ErrInvalidInput, err.Error()))
	}

	// Admission.
	if inv.BlockOnAdmission {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return fail(models.ErrorResult(inv.Tool, models.ErrTimeout,
				"cancelled while waiting for an execution slot"))
		}
	} else {
		select {
		case e.sem <- struct{}{}:
		default:
			e.metrics.AdmissionRejections.Inc()
			return fail(models.ErrorResult(inv.Tool, models.ErrTooManyRequests,
				"all execution slots are busy"))
		}
	}
	defer func() { <-e.sem }()

	// Context.
	if !allocated {
		ws, err = sink.Allocate(inv.Tool, inv.RawRequest)
		if err != nil {
			res := models.ErrorResult(inv.Tool, models.ErrRuntime,
				fmt.Sprintf("allocate workspace: %v", err))
			e.tagRequestID(res, inv)
			return res
		}
		allocated = true
	}
	ctx = observability.WithJobID(ctx, ws.ID)
	limits := e.defaults.Merge(inv.Limits)
	ec := &tools.ExecContext{
		JobID:     ws.ID,
		JobDir:    ws.Dir,
		RequestID: inv.RequestID,
		Limits:    limits,
	}

	// Dispatch.
	sink.Started(ws.ID)
	e.log.Info(ctx, "tool invocation started", "tool", inv.Tool)
	res := e.dispatch(ctx, desc, inv.Input, ec)

	// Normalize + persist.
	e.normalize(res, inv, ws, limits)
	if res.Status == models.StatusOK {
		sink.Completed(ws.ID, res)
		e.log.Info(ctx, "tool invocation completed", "tool", inv.Tool)
	} else {
		sink.Failed(ws.ID, res)
		e.log.Warn(ctx, "tool invocation failed",
			"tool", inv.Tool, "error_code", res.ErrorCode())
	}
	return res
}

type outcome struct {
	res *models.ToolResult
	err error
}

func (e *Engine) dispatch(ctx context.Context, desc *tools.Descriptor, input structval.Value, ec *tools.ExecContext) *models.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, ec.Limits.Timeout())
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{res: models.ErrorResult(desc.Name, models.ErrRuntime,
					fmt.Sprintf("invoker fault: %v", r))}
			}
		}()
		res, err := desc.Invoke(callCtx, input, ec)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return e.settle(desc.Name, out)
	case <-callCtx.Done():
	}

	// Cancelled or timed out; wait briefly for whatever partial result the
	// invoker hands back on its way out.
	var partial *models.ToolResult
	select {
	case out := <-done:
		partial = e.settle(desc.Name, out)
	case <-time.After(e.grace):
	}

	if ctx.Err() == nil {
		// The per-call deadline fired, not the caller's context. The
		// outcome is a timeout regardless of what the invoker returned;
		// artifacts written so far are kept.
		res := models.ErrorResult(desc.Name, models.ErrTimeout,
			fmt.Sprintf("tool %s exceeded %d ms", desc.Name, ec.Limits.TimeoutMS))
		if partial != nil {
			res.Stdout = partial.Stdout
			res.Artifacts = partial.Artifacts
		}
		return res
	}
	if partial != nil {
		return partial
	}
	return models.ErrorResult(desc.Name, models.ErrTimeout, "invocation cancelled before completion")
}

// settle converts an invoker outcome into a result, mapping Go-level
// errors and nil results to runtime faults.
func (e *Engine) settle(tool string, out outcome) *models.ToolResult {
	if out.err != nil {
		return models.ErrorResult(tool, models.ErrRuntime, out.err.Error())
	}
	if out.res == nil {
		return models.ErrorResult(tool, models.ErrRuntime, "invoker returned no result")
	}
	if out.res.Solver == "" {
		out.res.Solver = tool
	}
	return out.res
}

// normalize applies the execution limits to the result and resolves
// artifact metadata against the workspace.
func (e *Engine) normalize(res *models.ToolResult, inv Invocation, ws Workspace, limits models.Limits) {
	if dropped := len(res.Stdout) - limits.MaxStdoutBytes; dropped > 0 {
		res.Stdout = res.Stdout[:limits.MaxStdoutBytes]
		res.SetMetric("stdout_truncated_bytes", structval.Int(dropped))
	}
	if dropped := len(res.Stderr) - limits.MaxStderrBytes; dropped > 0 {
		res.Stderr = res.Stderr[:limits.MaxStderrBytes]
		res.SetMetric("stderr_truncated_bytes", structval.Int(dropped))
	}
	if runes := []rune(res.Summary); len(runes) > limits.MaxSummaryChars {
		// The marker counts against the cap so the truncated summary
		// never exceeds it.
		marker := []rune(summaryOverflowMarker)
		if limits.MaxSummaryChars <= len(marker) {
			res.Summary = string(runes[:limits.MaxSummaryChars])
		} else {
			res.Summary = string(runes[:limits.MaxSummaryChars-len(marker)]) + summaryOverflowMarker
		}
	}

	rejected := 0
	kept := make([]models.Artifact, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		if len(kept) >= limits.MaxArtifacts {
			rejected++
			continue
		}
		real, err := fsx.ResolveWithin(ws.Dir, a.Name)
		if err != nil {
			rejected++
			continue
		}
		info, err := os.Stat(real)
		if err != nil || !info.Mode().IsRegular() {
			rejected++
			continue
		}
		if info.Size() > limits.MaxArtifactBytes {
			rejected++
			continue
		}
		a.Bytes = info.Size()
		a.MimeType = fsx.ContentTypeFor(a.Name)
		a.Path = ws.ArtifactBase + "/" + path.Clean(filepath.ToSlash(a.Name))
		kept = append(kept, a)
	}
	res.Artifacts = kept
	if rejected > 0 {
		res.SetMetric("artifact_rejected_count", structval.Int(rejected))
	}

	e.tagRequestID(res, inv)
}

func (e *Engine) tagRequestID(res *models.ToolResult, inv Invocation) {
	if inv.RequestID != "" {
		res.SetMetric("request_id", structval.String(inv.RequestID))
	}
}
