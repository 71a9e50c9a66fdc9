// Package api serves the local control API of the meetcap agent.
//
// Probe and scrape endpoints (/healthz, /readyz, /metrics) are public. Every
// /v1 route requires the configured bearer token, if any. Responses are JSON
// except for the transcript and artifact downloads.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/health"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/resilience"
	"github.com/MrWong99/meetcap/internal/session"
	"github.com/MrWong99/meetcap/pkg/types"
)

// Controller is the session controller surface the API drives.
type Controller interface {
	Snapshot() session.Snapshot
	Start(ctx context.Context, mode types.CaptureMode) error
	Cancel(ctx context.Context) error
	Stop(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Retry(ctx context.Context) error
	Upload(ctx context.Context, path string) error
}

// Transcript is the read side of the transcript store.
type Transcript interface {
	Project(v types.Variant) string
	Gaps(v types.Variant) []int64
}

// Backend is the part of the backend client proxied by the API.
type Backend interface {
	ListSessions(ctx context.Context, limit int) ([]backend.Session, error)
	GenerateReport(ctx context.Context, sessionID, source string) error
	GenerateStructured(ctx context.Context, sessionID, source string) error
	Artifact(ctx context.Context, sessionID string, req backend.ArtifactRequest) (backend.Artifact, error)
}

// Option is a functional option for [New].
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on /v1 routes. An empty
// token disables the check.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithMetrics records request metrics and spans through m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithListingLimit sets the default limit of GET /v1/sessions.
func WithListingLimit(n int) Option {
	return func(s *Server) { s.listingLimit.Store(int64(n)) }
}

// Server is the control API. It implements [http.Handler].
type Server struct {
	router         chi.Router
	ctrl           Controller
	transcript     Transcript
	backend        Backend
	token          string
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	listingLimit   atomic.Int64
}

// New builds the router.
func New(ctrl Controller, transcript Transcript, be Backend, opts ...Option) *Server {
	s := &Server{
		ctrl:       ctrl,
		transcript: transcript,
		backend:    be,
	}
	s.listingLimit.Store(50)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.token))

		r.Get("/status", s.status)
		r.Post("/recording/start", s.start)
		r.Post("/recording/cancel", s.simple(Controller.Cancel))
		r.Post("/recording/stop", s.simple(Controller.Stop))
		r.Post("/recording/reconnect", s.simple(Controller.Reconnect))
		r.Post("/retry", s.simple(Controller.Retry))
		r.Post("/upload", s.upload)
		r.Get("/transcript", s.getTranscript)

		r.Get("/sessions", s.listSessions)
		r.Post("/sessions/{id}/report", s.generate(Backend.GenerateReport))
		r.Post("/sessions/{id}/structured", s.generate(Backend.GenerateStructured))
		r.Get("/sessions/{id}/artifact", s.artifact)
	})

	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetListingLimit changes the default listing limit. Safe for concurrent use.
func (s *Server) SetListingLimit(n int) {
	s.listingLimit.Store(int64(n))
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps controller and backend errors onto HTTP status codes.
func statusFor(err error) int {
	var se *backend.StatusError
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		if se.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		slog.Warn("api: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
