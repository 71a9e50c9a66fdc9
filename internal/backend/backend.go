// Package backend is the REST client for the processing backend.
//
// Every call is wrapped in a trace span, timed into the
// meetcap.backend.duration histogram and routed through a circuit breaker.
// A non-2xx response is returned as a [*StatusError]; only 5xx responses and
// transport failures count against the breaker, so a burst of rejected
// requests never hides a healthy backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/resilience"
	"github.com/MrWong99/meetcap/pkg/types"
)

// DefaultBaseURL is used when [New] receives an empty base URL.
const DefaultBaseURL = "http://127.0.0.1:8010/v1"

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 2048

// ErrNoSessionID is returned by [Client.StartSession] when the backend
// answers 2xx without a session id.
var ErrNoSessionID = errors.New("backend: start response has no session_id")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsFailure reports whether err indicates the backend itself is unhealthy:
// a transport error or a 5xx response. 4xx responses and caller cancellation
// are not failures.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

// Session is one entry of the result listing.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactKind selects a stored session artifact.
type ArtifactKind string

const (
	ArtifactRaw        ArtifactKind = "raw"
	ArtifactClean      ArtifactKind = "clean"
	ArtifactReport     ArtifactKind = "report"
	ArtifactStructured ArtifactKind = "structured"
)

// ParseArtifactKind validates s.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	switch k := ArtifactKind(s); k {
	case ArtifactRaw, ArtifactClean, ArtifactReport, ArtifactStructured:
		return k, nil
	}
	return "", fmt.Errorf("backend: unknown artifact kind %q; valid values: raw, clean, report, structured", s)
}

// ArtifactRequest identifies an artifact to download.
type ArtifactRequest struct {
	Kind ArtifactKind

	// Source is the transcript variant a report or table was derived from:
	// "raw" or "clean". Ignored for transcript kinds.
	Source string

	// Format is the file format, "txt" by default ("csv" for structured).
	Format string
}

// Artifact is a downloaded artifact.
type Artifact struct {
	ContentType string
	Data        []byte
}

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
	metrics    *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Client)

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a Client for baseURL (e.g. "http://127.0.0.1:8010/v1").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		metrics:    observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.New(resilience.Config{Name: "backend", IsFailure: IsFailure})
	}
	return c, nil
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

type startRequest struct {
	Mode    types.Mode        `json:"mode"`
	Context map[string]string `json:"context,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession creates a session and returns its backend-assigned id.
// meta is sent as the start context.
func (c *Client) StartSession(ctx context.Context, mode types.Mode, meta map[string]string) (string, error) {
	if !mode.IsValid() {
		return "", fmt.Errorf("backend: start session: invalid mode %q", mode)
	}
	var resp startResponse
	err := c.call(ctx, "start", http.MethodPost, "/sessions/start", startRequest{Mode: mode, Context: meta}, decodeJSON(&resp))
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", ErrNoSessionID
	}
	return resp.SessionID, nil
}

// SubmitChunk posts one chunk through the REST API (postmeeting mode).
func (c *Client) SubmitChunk(ctx context.Context, sessionID string, sub chunk.Submission) error {
	if sessionID == "" {
		return errors.New("backend: submit chunk: empty session id")
	}
	return c.call(ctx, "submit", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/chunks", sub, nil)
}

// FinishSession marks the session complete.
func (c *Client) FinishSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("backend: finish session: empty session id")
	}
	return c.call(ctx, "finish", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/finish", nil, nil)
}

// ListSessions returns up to limit recent sessions, newest first as ordered
// by the backend.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	path := "/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	if err := c.call(ctx, "list", http.MethodGet, path, nil, decodeJSON(&resp)); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

type sourceRequest struct {
	Source string `json:"source"`
}

// GenerateReport asks the backend to build a report from the given
// transcript source ("raw" or "clean").
func (c *Client) GenerateReport(ctx context.Context, sessionID, source string) error {
	return c.call(ctx, "report", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/report", sourceRequest{Source: source}, nil)
}

// GenerateStructured asks the backend to build the structured table from the
// given transcript source.
func (c *Client) GenerateStructured(ctx context.Context, sessionID, source string) error {
	return c.call(ctx, "structured", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/structured", sourceRequest{Source: source}, nil)
}

// Artifact downloads a stored artifact.
func (c *Client) Artifact(ctx context.Context, sessionID string, req ArtifactRequest) (Artifact, error) {
	q := url.Values{}
	q.Set("kind", string(req.Kind))
	if req.Source != "" {
		q.Set("source", req.Source)
	}
	format := req.Format
	if format == "" {
		format = "txt"
		if req.Kind == ArtifactStructured {
			format = "csv"
		}
	}
	q.Set("fmt", format)

	var art Artifact
	err := c.call(ctx, "artifact", http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/artifact?"+q.Encode(), nil,
		func(resp *http.Response) error {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			art = Artifact{ContentType: resp.Header.Get("Content-Type"), Data: data}
			return nil
		})
	return art, err
}

func decodeJSON(v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// call performs one request. body is JSON-encoded when non-nil; decode reads
// a 2xx response when non-nil.
func (c *Client) call(ctx context.Context, op, method, path string, body any, decode func(*http.Response) error) error {
	ctx, span := observe.StartSpan(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("meetcap.backend.op", op),
		),
	)
	start := time.Now()

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, body, decode)
	})

	status := "ok"
	var se *StatusError
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case errors.As(err, &se):
		status = strconv.Itoa(se.StatusCode)
		span.SetAttributes(attribute.Int("http.response.status_code", se.StatusCode))
	case err != nil:
		status = "error"
	}
	c.metrics.RecordBackendCall(ctx, op, status, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if err != nil && se == nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body any, decode func(*http.Response) error) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if decode == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decode(resp)
}
