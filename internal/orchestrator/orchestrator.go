// Package orchestrator drives one session prompt cycle: it asks a plan
// source what to do, walks the session through state transitions, invokes
// the execution engine for each planned tool and emits the canonical event
// sequence. Events go over an unbuffered channel, so a slow consumer
// throttles dispatch instead of growing a queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/internal/session"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/pkg/models"
)

// EventType names the SSE event kinds.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventToolCallStart    EventType = "tool_call_start"
	EventStateUpdate      EventType = "state_update"
	EventToolCallComplete EventType = "tool_call_complete"
	EventAgentDone        EventType = "agent_done"
	EventError            EventType = "error"
)

// Event is one emitted stream event. Which fields are meaningful depends
// on Type; Data renders the wire payload.
type Event struct {
	Type EventType

	Delta      string
	ToolName   string
	DurationMS int64
	State      *session.Manifest
	Status     string
	Code       string
	Message    string
}

// Data marshals the event payload for its type.
func (e Event) Data() ([]byte, error) {
	switch e.Type {
	case EventTextDelta:
		return json.Marshal(struct {
			Delta string `json:"delta"`
		}{e.Delta})
	case EventToolCallStart:
		return json.Marshal(struct {
			ToolName string `json:"tool_name"`
		}{e.ToolName})
	case EventStateUpdate:
		return json.Marshal(struct {
			State *session.Manifest `json:"state"`
		}{e.State})
	case EventToolCallComplete:
		return json.Marshal(struct {
			ToolName   string `json:"tool_name"`
			DurationMS int64  `json:"duration_ms"`
		}{e.ToolName, e.DurationMS})
	case EventAgentDone:
		return json.Marshal(struct {
			Status string `json:"status"`
		}{e.Status})
	case EventError:
		return json.Marshal(struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{e.Code, e.Message})
	default:
		return nil, fmt.Errorf("orchestrator: unknown event type %q", e.Type)
	}
}

// PlannedCall is one tool invocation a plan source wants executed.
type PlannedCall struct {
	// Tool is the registered tool name.
	Tool string

	// Stage labels the pipeline phase, e.g. "geometry_fit".
	Stage string

	// Input is the engine input for the call.
	Input structval.Value

	// Assets are workspace-relative paths the call is expected to produce.
	Assets []string
}

// Plan is a plan source's reaction to one prompt.
type Plan struct {
	// Ack is the acknowledgement text streamed before any tool runs.
	Ack string

	// Steps are executed in order.
	Steps []PlannedCall
}

// PlanSource turns a prompt into a plan. Implementations must not mutate
// the manifest snapshot they receive.
type PlanSource interface {
	Plan(ctx context.Context, manifest session.Manifest, prompt string) (Plan, error)
}

// Options configures an Orchestrator.
type Options struct {
	Manifold *session.Manifold
	Engine   *engine.Engine
	IDs      *ids.Generator
	Plans    PlanSource
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Orchestrator runs prompt cycles against sessions.
type Orchestrator struct {
	manifold *session.Manifold
	engine   *engine.Engine
	gen      *ids.Generator
	plans    PlanSource
	log      *observability.Logger
	metrics  *observability.Metrics
}

// New builds an orchestrator. Plans defaults to the heuristic planner.
func New(opts Options) *Orchestrator {
	if opts.Plans == nil {
		opts.Plans = HeuristicPlanner{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	return &Orchestrator{
		manifold: opts.Manifold,
		engine:   opts.Engine,
		gen:      opts.IDs,
		plans:    opts.Plans,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Run starts one prompt cycle. It validates the session up front so the
// caller can map a missing session to 404 before any bytes are streamed,
// then emits events on the returned unbuffered channel until the cycle
// ends or ctx is cancelled. The channel is always closed.
func (o *Orchestrator) Run(ctx context.Context, sessionID, prompt string) (<-chan Event, error) {
	if _, err := o.manifold.Get(sessionID); err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go o.cycle(ctx, sessionID, prompt, ch)
	return ch, nil
}

func (o *Orchestrator) cycle(ctx context.Context, sessionID, prompt string, ch chan<- Event) {
	defer close(ch)
	ctx = observability.WithSessionID(ctx, sessionID)
	o.metrics.ActiveStreams.Inc()
	defer o.metrics.ActiveStreams.Dec()

	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			o.metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
			return true
		case <-ctx.Done():
			return false
		}
	}
	abort := func() {
		o.markCancelled(sessionID)
		o.log.Info(context.Background(), "prompt cycle cancelled", "session_id", sessionID)
	}

	manifest, err := o.manifold.AppendUserPrompt(sessionID, prompt)
	if err != nil {
		emit(Event{Type: EventError, Code: models.ErrRuntime, Message: err.Error()})
		return
	}

	plan, err := o.plans.Plan(ctx, manifest, prompt)
	if err != nil {
		if ctx.Err() != nil {
			abort()
			return
		}
		emit(Event{Type: EventError, Code: models.ErrRuntime, Message: err.Error()})
		return
	}

	if !emit(Event{Type: EventTextDelta, Delta: plan.Ack}) {
		abort()
		return
	}

	lastStage := "chat"
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			abort()
			return
		}
		lastStage = step.Stage

		if _, err := o.manifold.ApplyTransition(sessionID, session.Transition{
			Status:      session.StatusProcessing,
			Stage:       step.Stage,
			PlannedTool: step.Tool,
		}); err != nil {
			emit(Event{Type: EventError, Code: models.ErrRuntime, Message: err.Error()})
			return
		}
		if !emit(Event{Type: EventToolCallStart, ToolName: step.Tool}) {
			abort()
			return
		}

		start := time.Now()
		result := o.engine.Execute(ctx, engine.Invocation{
			Tool:         step.Tool,
			Input:        step.Input,
			RequestID:    observability.RequestID(ctx),
			WorkDir:      o.manifold.Dir(sessionID),
			CallID:       o.gen.NextToolCall(),
			ArtifactBase: "/v1/sessions/" + sessionID + "/assets",
		}, engine.NopSink{})
		duration := time.Since(start).Milliseconds()

		if ctx.Err() != nil {
			abort()
			return
		}

		newAssets := make([]string, 0, len(result.Artifacts))
		for _, a := range result.Artifacts {
			newAssets = append(newAssets, a.Name)
		}
		state, err := o.manifold.ApplyTransition(sessionID, session.Transition{
			Status:           session.StatusProcessing,
			Stage:            step.Stage,
			AssistantMessage: fmt.Sprintf("Executed %s.", step.Tool),
			AppendAssets:     newAssets,
		})
		if err != nil {
			emit(Event{Type: EventError, Code: models.ErrRuntime, Message: err.Error()})
			return
		}

		if !emit(Event{Type: EventStateUpdate, State: &state}) {
			abort()
			return
		}
		if !emit(Event{Type: EventToolCallComplete, ToolName: step.Tool, DurationMS: duration}) {
			abort()
			return
		}

		if result.Status == models.StatusError {
			if _, err := o.manifold.ApplyTransition(sessionID, session.Transition{
				Status:           session.StatusError,
				Stage:            step.Stage,
				AssistantMessage: fmt.Sprintf("Pipeline failed at %s.", step.Tool),
			}); err != nil {
				o.log.Error(ctx, "record pipeline failure", "error", err.Error())
			}
			emit(Event{Type: EventError, Code: result.ErrorCode(), Message: result.Summary})
			return
		}
	}

	if _, err := o.manifold.ApplyTransition(sessionID, session.Transition{
		Status:           session.StatusIdle,
		Stage:            lastStage,
		AssistantMessage: "Pipeline complete.",
	}); err != nil {
		emit(Event{Type: EventError, Code: models.ErrRuntime, Message: err.Error()})
		return
	}
	emit(Event{Type: EventAgentDone, Status: "completed"})
}

// markCancelled records a client-side cancellation on the manifest. The
// stream is gone, so this happens off the request context.
func (o *Orchestrator) markCancelled(sessionID string) {
	manifest, err := o.manifold.Get(sessionID)
	if err != nil {
		return
	}
	if _, err := o.manifold.ApplyTransition(sessionID, session.Transition{
		Status: session.StatusError,
		Stage:  manifest.Stage,
		Metadata: map[string]structval.Value{
			"cancel_reason": structval.String("client_closed"),
		},
	}); err != nil {
		o.log.Error(context.Background(), "record cancellation",
			"session_id", sessionID, "error", err.Error())
	}
}
