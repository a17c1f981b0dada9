package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/jobs"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/pkg/models"
)

// syncWaitDefault is how long mode:"sync" waits when wait_ms is absent.
const syncWaitDefault = 30 * time.Second

// syncWaitMax caps client-requested waits.
const syncWaitMax = 2 * time.Minute

// jobResponse is the envelope of POST /v1/jobs.
type jobResponse struct {
	JobID  string       `json:"job_id"`
	Status jobs.Status  `json:"status"`
	Job    *jobs.Record `json:"job,omitempty"`
}

// handleCreateJob creates a job and dispatches it in the background. With
// mode:"sync" or wait_ms the response waits (bounded) for a terminal state.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r, "")
	if !ok {
		return
	}
	body, err := structval.Decode(raw)
	if err != nil || body.Kind() != structval.KindObject {
		writeToolResult(w, transportError("", models.ErrInvalidRequest, "request body is not a JSON object"))
		return
	}
	toolName := body.Field("tool_name").StringValue()
	if toolName == "" {
		writeToolResult(w, transportError("", models.ErrInvalidRequest, `"tool_name" is required`))
		return
	}
	input := body.Field("input")
	if input.IsNull() {
		input = structval.Object()
	}

	rec, err := s.jobs.Create(toolName, raw)
	if err != nil {
		writeToolResult(w, transportError(toolName, models.ErrRuntime, err.Error()))
		return
	}
	ws := s.jobs.Workspace(rec.ID)
	inv := engine.Invocation{
		Tool:             toolName,
		Input:            input,
		Limits:           limitsFrom(body.Field("context").Field("limits")),
		RequestID:        requestIDFrom(r),
		WorkDir:          ws.Dir,
		CallID:           ws.ID,
		ArtifactBase:     ws.ArtifactBase,
		BlockOnAdmission: true,
	}
	// The job outlives the request; its execution context must too.
	go s.engine.Execute(context.Background(), inv, s.jobs)

	wait := time.Duration(0)
	if body.Field("mode").StringValue() == "sync" {
		wait = syncWaitDefault
	}
	if ms := body.Field("wait_ms").IntValue(); ms > 0 {
		wait = time.Duration(ms) * time.Millisecond
	}
	if wait > syncWaitMax {
		wait = syncWaitMax
	}

	if wait > 0 {
		final, _ := s.jobs.WaitTerminal(r.Context(), rec.ID, wait)
		writeJSON(w, http.StatusOK, jobResponse{JobID: final.ID, Status: final.Status, Job: &final})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{JobID: rec.ID, Status: rec.Status, Job: &rec})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list := s.jobs.List(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.jobs.ListArtifacts(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, arts)
}

func (s *Server) handleJobArtifact(w http.ResponseWriter, r *http.Request) {
	data, mime, err := s.jobs.ReadArtifact(r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
