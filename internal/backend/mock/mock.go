// Package mock provides a scripted backend client for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/pkg/types"
)

// StartCall records one StartSession invocation.
type StartCall struct {
	Mode types.Mode
	Meta map[string]string
}

// SubmitCall records one SubmitChunk invocation.
type SubmitCall struct {
	SessionID  string
	Submission chunk.Submission
}

// Backend records calls and returns scripted results. Session ids are
// "sess-1", "sess-2", ... unless SessionID is set.
type Backend struct {
	mu sync.Mutex

	SessionID string
	Sessions  []backend.Session
	Artifacts map[backend.ArtifactKind]backend.Artifact

	StartErr  error
	SubmitErr error
	FinishErr error
	ListErr   error

	// StartGate, when non-nil, blocks StartSession until it is closed or
	// the context ends.
	StartGate chan struct{}

	starts   []StartCall
	submits  []SubmitCall
	finishes []string
	lists    []int
	reports  []string
}

// StartSession implements the controller's backend contract.
func (b *Backend) StartSession(ctx context.Context, mode types.Mode, meta map[string]string) (string, error) {
	b.mu.Lock()
	gate := b.StartGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	b.starts = append(b.starts, StartCall{Mode: mode, Meta: copied})
	if b.StartErr != nil {
		return "", b.StartErr
	}
	if b.SessionID != "" {
		return b.SessionID, nil
	}
	return fmt.Sprintf("sess-%d", len(b.starts)), nil
}

// SubmitChunk records the submission.
func (b *Backend) SubmitChunk(_ context.Context, sessionID string, sub chunk.Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits = append(b.submits, SubmitCall{SessionID: sessionID, Submission: sub})
	return b.SubmitErr
}

// FinishSession records the call.
func (b *Backend) FinishSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishes = append(b.finishes, sessionID)
	return b.FinishErr
}

// ListSessions records the limit and returns Sessions.
func (b *Backend) ListSessions(_ context.Context, limit int) ([]backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists = append(b.lists, limit)
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	out := make([]backend.Session, len(b.Sessions))
	copy(out, b.Sessions)
	return out, nil
}

// GenerateReport records "<id>/report/<source>".
func (b *Backend) GenerateReport(_ context.Context, sessionID, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, sessionID+"/report/"+source)
	return nil
}

// GenerateStructured records "<id>/structured/<source>".
func (b *Backend) GenerateStructured(_ context.Context, sessionID, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, sessionID+"/structured/"+source)
	return nil
}

// Artifact returns Artifacts[req.Kind].
func (b *Backend) Artifact(_ context.Context, _ string, req backend.ArtifactRequest) (backend.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	art, ok := b.Artifacts[req.Kind]
	if !ok {
		return backend.Artifact{}, &backend.StatusError{Op: "artifact", StatusCode: 404}
	}
	return art, nil
}

// Starts returns the recorded StartSession calls.
func (b *Backend) Starts() []StartCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StartCall(nil), b.starts...)
}

// Submits returns the recorded SubmitChunk calls.
func (b *Backend) Submits() []SubmitCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SubmitCall(nil), b.submits...)
}

// Finishes returns the session ids passed to FinishSession.
func (b *Backend) Finishes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.finishes...)
}

// Lists returns the limits passed to ListSessions.
func (b *Backend) Lists() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.lists...)
}

// Reports returns the recorded report and structured requests.
func (b *Backend) Reports() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reports...)
}

// SetStartErr changes StartErr under the lock.
func (b *Backend) SetStartErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StartErr = err
}
