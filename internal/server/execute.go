package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

// handleListTools serves the frozen registry, optionally narrowed by
// ?stability= and ?tags=a,b (any-tag match).
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	filter := tools.Filter{
		Stability: tools.Stability(r.URL.Query().Get("stability")),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}

	list := s.registry.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": list,
		"count": len(list),
	})
}

// handleExecute is the synchronous tool invocation surface. The response
// body is always ToolResult-shaped, whatever went wrong.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r, "")
	if !ok {
		return
	}

	body, err := structval.Decode(raw)
	if err != nil || body.Kind() != structval.KindObject {
		writeToolResult(w, transportError("", models.ErrInvalidRequest, "request body is not a JSON object"))
		return
	}
	toolName := body.Field("tool").StringValue()
	if toolName == "" {
		writeToolResult(w, transportError("", models.ErrInvalidRequest, `"tool" is required`))
		return
	}
	input := body.Field("input")
	if input.IsNull() {
		input = structval.Object()
	}

	res := s.engine.Execute(r.Context(), engine.Invocation{
		Tool:       toolName,
		Input:      input,
		Limits:     limitsFrom(body.Field("context").Field("limits")),
		RawRequest: raw,
		RequestID:  requestIDFrom(r),
	}, s.jobs)
	writeToolResult(w, res)
}

// readBody reads a capped request body. On overflow it writes the 413
// ToolResult itself and reports false.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, solver string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimitBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeToolResult(w, transportError(solver, models.ErrPayloadTooLarge, "request body exceeds the configured limit"))
		} else {
			writeToolResult(w, transportError(solver, models.ErrInvalidRequest, "read request body: "+err.Error()))
		}
		return nil, false
	}
	return raw, true
}

// limitsFrom decodes per-request limit overrides; absent fields stay zero
// and inherit the engine defaults.
func limitsFrom(v structval.Value) models.Limits {
	if v.Kind() != structval.KindObject {
		return models.Limits{}
	}
	return models.Limits{
		TimeoutMS:        v.Field("timeout_ms").IntValue(),
		MaxStdoutBytes:   v.Field("max_stdout_bytes").IntValue(),
		MaxStderrBytes:   v.Field("max_stderr_bytes").IntValue(),
		MaxArtifactBytes: int64(v.Field("max_artifact_bytes").Float()),
		MaxArtifacts:     v.Field("max_artifacts").IntValue(),
		MaxSummaryChars:  v.Field("max_summary_characters").IntValue(),
	}
}
