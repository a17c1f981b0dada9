package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/autosage/autosage/internal/orchestrator"
)

// The OpenAI-compatible adapters run one non-streaming prompt cycle and
// fold its events into a single completion object. Streaming belongs to
// the session chat endpoint; these surfaces reject stream=true.

// cycleOutcome is a drained prompt cycle.
type cycleOutcome struct {
	text   string
	status string
	code   string
}

// runCycle drives a full cycle and concatenates its text deltas.
func (s *Server) runCycle(ctx context.Context, sessionID, prompt string) (cycleOutcome, error) {
	events, err := s.orch.Run(ctx, sessionID, prompt)
	if err != nil {
		return cycleOutcome{}, err
	}

	out := cycleOutcome{status: "incomplete"}
	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventTextDelta:
			text.WriteString(ev.Delta)
		case orchestrator.EventAgentDone:
			out.status = "completed"
		case orchestrator.EventError:
			out.status = "failed"
			out.code = ev.Code
			if ev.Message != "" {
				if text.Len() > 0 {
					text.WriteString(" ")
				}
				text.WriteString(ev.Message)
			}
		}
	}
	out.text = text.String()
	return out, nil
}

// resolveSession returns the referenced session or creates an implicit one
// holding the prompt as its input document.
func (s *Server) resolveSession(sessionID, prompt string) (string, error) {
	if sessionID != "" {
		if _, err := s.sessions.Get(sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	}
	manifest, err := s.sessions.CreateFromUpload("prompt.txt", []byte(prompt))
	if err != nil {
		return "", err
	}
	return manifest.SessionID, nil
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model     string `json:"model"`
		Input     string `json:"input"`
		Prompt    string `json:"prompt"`
		SessionID string `json:"session_id"`
		Stream    bool   `json:"stream"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimitBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not a JSON object")
		return
	}
	if body.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"streaming is served by POST /v1/sessions/{id}/chat?stream=true")
		return
	}
	prompt := body.Input
	if prompt == "" {
		prompt = body.Prompt
	}
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", `"input" is required`)
		return
	}

	sessionID, err := s.resolveSession(body.SessionID, prompt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	outcome, err := s.runCycle(r.Context(), sessionID, prompt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	model := body.Model
	if model == "" {
		model = "autosage"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          s.gen.NextResponse(),
		"object":      "response",
		"created_at":  time.Now().Unix(),
		"model":       model,
		"status":      outcome.status,
		"session_id":  sessionID,
		"output_text": outcome.text,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Session  string `json:"session_id"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimitBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not a JSON object")
		return
	}
	if body.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"streaming is served by POST /v1/sessions/{id}/chat?stream=true")
		return
	}

	var prompt string
	for i := len(body.Messages) - 1; i >= 0; i-- {
		if body.Messages[i].Role == "user" {
			prompt = body.Messages[i].Content
			break
		}
	}
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "a user message is required")
		return
	}

	sessionID, err := s.resolveSession(body.Session, prompt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	outcome, err := s.runCycle(r.Context(), sessionID, prompt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	finish := "stop"
	if outcome.status == "failed" {
		finish = "error"
	}
	model := body.Model
	if model == "" {
		model = "autosage"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      s.gen.NextChatCompletion(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": outcome.text,
			},
			"finish_reason": finish,
		}},
		"session_id": sessionID,
	})
}
