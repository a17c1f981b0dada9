// Package server exposes the AutoSage HTTP surface: the tools, jobs and
// sessions APIs, the OpenAI-compatible adapters and the operational
// endpoints. Handlers translate between the wire and the core components;
// policy lives in the engine, store and manifold.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autosage/autosage/internal/config"
	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/jobs"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/internal/orchestrator"
	"github.com/autosage/autosage/internal/session"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

// BuildInfo identifies the running binary; filled via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Options wires a Server. All components are required except Logger and
// Metrics, which default to no-ops for tests.
type Options struct {
	Config       *config.Config
	Registry     *tools.Registry
	Engine       *engine.Engine
	Jobs         *jobs.Store
	Sessions     *session.Manifold
	Orchestrator *orchestrator.Orchestrator
	IDs          *ids.Generator
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Build        BuildInfo
}

// Server is the HTTP front of the system.
type Server struct {
	cfg      *config.Config
	registry *tools.Registry
	engine   *engine.Engine
	jobs     *jobs.Store
	sessions *session.Manifold
	orch     *orchestrator.Orchestrator
	gen      *ids.Generator
	log      *observability.Logger
	metrics  *observability.Metrics
	build    BuildInfo

	handler http.Handler
	httpSrv *http.Server
}

// New builds the server and its route table.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if opts.Build.Version == "" {
		opts.Build.Version = "dev"
	}

	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		engine:   opts.Engine,
		jobs:     opts.Jobs,
		sessions: opts.Sessions,
		orch:     opts.Orchestrator,
		gen:      opts.IDs,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		build:    opts.Build,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/tools/execute", s.handleExecute)

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/artifacts", s.handleJobArtifacts)
	mux.HandleFunc("GET /v1/jobs/{id}/artifacts/{name...}", s.handleJobArtifact)

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/chat", s.handleSessionChat)
	mux.HandleFunc("GET /v1/sessions/{id}/assets/{path...}", s.handleSessionAsset)

	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)

	s.handler = s.withRequestID(s.withObservability(mux))
	return s
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info(context.Background(), "server listening", "addr", s.cfg.Addr())
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    "autosage",
		"version": s.build.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "autosage",
		"version": s.build.Version,
		"commit":  s.build.Commit,
		"date":    s.build.Date,
	})
}

// writeJSON emits a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// errorBody is the error envelope of the resource endpoints (jobs and
// sessions reads). The execute surfaces return ToolResult-shaped errors
// instead; see writeToolResult.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeToolResult emits a ToolResult body with the HTTP status implied by
// its error code. Tool-level failures stay 200; only transport-level codes
// map to 4xx.
func writeToolResult(w http.ResponseWriter, res *models.ToolResult) {
	status := http.StatusOK
	switch res.ErrorCode() {
	case models.ErrInvalidRequest, models.ErrInvalidInput:
		status = http.StatusBadRequest
	case models.ErrUnknownTool:
		status = http.StatusNotFound
	case models.ErrPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case models.ErrTooManyRequests:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, res)
}

// transportError builds the ToolResult-shaped body for failures that never
// reach a tool.
func transportError(solver, code, message string) *models.ToolResult {
	if solver == "" {
		solver = "unknown"
	}
	return models.ErrorResult(solver, code, message)
}

func requestIDFrom(r *http.Request) string {
	return observability.RequestID(r.Context())
}
