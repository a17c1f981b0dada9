package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/autosage/autosage/internal/session"
)

// sessionResponse is the envelope of POST /v1/sessions.
type sessionResponse struct {
	SessionID string           `json:"session_id"`
	State     session.Manifest `json:"state"`
}

// handleCreateSession accepts a multipart upload with a "file" field and
// creates the session workspace around it.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimitBytes)
	if err := r.ParseMultipartForm(s.cfg.Server.BodyLimitBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds the configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart/form-data with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "read upload: "+err.Error())
		return
	}

	manifest, err := s.sessions.CreateFromUpload(header.Filename, data)
	if err != nil {
		if errors.Is(err, session.ErrInvalidFilename) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "runtime", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: manifest.SessionID, State: manifest})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// handleSessionChat runs one orchestrated prompt cycle over SSE. The
// request must opt into streaming via ?stream=true or a stream field.
func (s *Server) handleSessionChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.BodyLimitBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not a JSON object")
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		body.Stream = true
	}
	if !body.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request", "session chat requires stream=true")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", `"prompt" is required`)
		return
	}

	events, err := s.orch.Run(r.Context(), r.PathValue("id"), body.Prompt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// ResponseController flushes through the middleware wrappers.
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for ev := range events {
		data, err := ev.Data()
		if err != nil {
			s.log.Error(r.Context(), "encode stream event", "type", string(ev.Type), "error", err.Error())
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		_ = rc.Flush()
	}
}

func (s *Server) handleSessionAsset(w http.ResponseWriter, r *http.Request) {
	data, mime, err := s.sessions.ReadAsset(r.PathValue("id"), r.PathValue("path"))
	if err != nil {
		// Traversal attempts and missing files look alike on purpose.
		writeError(w, http.StatusNotFound, "not_found", "asset not found")
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
