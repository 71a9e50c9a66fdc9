package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/session"
	"github.com/MrWong99/meetcap/pkg/types"
)

// maxListingLimit caps GET /v1/sessions?limit=.
const maxListingLimit = 500

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type startRequest struct {
	CaptureMode types.CaptureMode `json:"capture_mode"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.ctrl.Start(r.Context(), req.CaptureMode); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

// simple adapts a controller request without a body.
func (s *Server) simple(fn func(Controller, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.ctrl, r.Context()); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
	}
}

type uploadRequest struct {
	Path string `json:"path"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.ctrl.Upload(r.Context(), req.Path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

// getTranscript writes the projection as plain text. Missing sequence numbers
// are listed in the X-Transcript-Gaps header.
func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	v, err := types.ParseVariant(r.URL.Query().Get("variant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if gaps := s.transcript.Gaps(v); len(gaps) > 0 {
		parts := make([]string, len(gaps))
		for i, g := range gaps {
			parts[i] = strconv.FormatInt(g, 10)
		}
		w.Header().Set("X-Transcript-Gaps", strings.Join(parts, ","))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.transcript.Project(v)))
}

type listResponse struct {
	Items []backend.Session `json:"items"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := int(s.listingLimit.Load())
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListingLimit {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be an integer in [1, %d]", maxListingLimit))
			return
		}
		limit = n
	}
	items, err := s.backend.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if items == nil {
		items = []backend.Session{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items})
}

type sourceRequest struct {
	Source string `json:"source"`
}

// parseSource accepts the transcript sources reports are derived from.
func parseSource(s string) (string, error) {
	switch s {
	case "":
		return "clean", nil
	case "raw", "clean":
		return s, nil
	}
	return "", fmt.Errorf("unknown source %q; valid values: raw, clean", s)
}

func (s *Server) generate(fn func(Backend, context.Context, string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sourceRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return
		}
		src, err := parseSource(req.Source)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := fn(s.backend, r.Context(), chi.URLParam(r, "id"), src); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "source": src})
	}
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := backend.ParseArtifactKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := backend.ArtifactRequest{Kind: kind, Format: q.Get("fmt")}
	if kind == backend.ArtifactReport || kind == backend.ArtifactStructured {
		if req.Source, err = parseSource(q.Get("source")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id := chi.URLParam(r, "id")
	art, err := s.backend.Artifact(r.Context(), id, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	ct := art.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifactFilename(id, req)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func artifactFilename(id string, req backend.ArtifactRequest) string {
	format := req.Format
	if format == "" {
		format = "txt"
		if req.Kind == backend.ArtifactStructured {
			format = "csv"
		}
	}
	name := string(req.Kind)
	if req.Source != "" {
		name += "_" + req.Source
	}
	return id + "_" + name + "." + format
}

var _ Controller = (*session.Controller)(nil)
