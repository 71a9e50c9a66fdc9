package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/meetcap/internal/transcript"
	"github.com/MrWong99/meetcap/pkg/types"
)

// Inbound event types.
const (
	eventTranscriptUpdate = "transcript.update"
	eventAck              = "ws.ack"
	eventPong             = "ws.pong"
	eventError            = "error"
)

// inbound is the union of all inbound frames. Fields are pointers where
// absence must be distinguishable from a zero value.
type inbound struct {
	EventType    string  `json:"event_type"`
	SessionID    string  `json:"session_id"`
	Seq          *int64  `json:"seq"`
	RawText      *string `json:"raw_text"`
	EnhancedText *string `json:"enhanced_text"`

	// ws.ack
	Duplicate      bool   `json:"duplicate"`
	LastAckedSeq   *int64 `json:"last_acked_seq"`
	AcceptedChunks int64  `json:"accepted_chunks"`

	// error
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Discard reasons reported to metrics and logs.
const (
	reasonMalformed      = "malformed"
	reasonMissingSeq     = "missing_seq"
	reasonInvalidSeq     = "invalid_seq"
	reasonForeignSession = "foreign_session"
)

// parseTranscriptUpdate decodes a transcript.update frame. It returns the
// discard reason when the frame must not be merged.
func parseTranscriptUpdate(in inbound, sessionID string) (transcript.Update, string) {
	if in.Seq == nil {
		return transcript.Update{}, reasonMissingSeq
	}
	if *in.Seq < 0 {
		return transcript.Update{}, reasonInvalidSeq
	}
	if in.SessionID != "" && sessionID != "" && in.SessionID != sessionID {
		return transcript.Update{}, reasonForeignSession
	}
	return transcript.Update{Seq: *in.Seq, Raw: in.RawText, Enhanced: in.EnhancedText}, ""
}

// dispatch routes one inbound text frame. It is the only place inbound
// frames are interpreted.
func (c *Channel) dispatch(ctx context.Context, sessionID string, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.discard(ctx, sessionID, reasonMalformed, "err", err)
		return
	}

	switch in.EventType {
	case eventTranscriptUpdate:
		u, reason := parseTranscriptUpdate(in, sessionID)
		if reason != "" {
			c.discard(ctx, sessionID, reason, "seq", seqValue(in.Seq), "frame_session_id", in.SessionID)
			return
		}
		if c.sink != nil {
			c.sink.Merge(u)
		}
		if u.Raw != nil {
			c.metrics.RecordTranscriptUpdate(ctx, string(types.VariantRaw))
		}
		if u.Enhanced != nil {
			c.metrics.RecordTranscriptUpdate(ctx, string(types.VariantEnhanced))
		}

	case eventAck:
		if in.Seq == nil {
			c.discard(ctx, sessionID, reasonMissingSeq, "event_type", in.EventType)
			return
		}
		c.mu.Lock()
		acks := c.acks
		c.mu.Unlock()
		dup := acks.ack(*in.Seq, in.Duplicate)
		c.metrics.RecordAck(ctx, dup)
		if dup {
			slog.Debug("stream: duplicate ack", "session_id", sessionID, "seq", *in.Seq)
		}

	case eventPong:
		slog.Debug("stream: pong", "session_id", sessionID, "accepted_chunks", in.AcceptedChunks)

	case eventError:
		c.metrics.RecordBackendError(ctx, in.Code)
		slog.Warn("stream: backend reported error",
			"session_id", sessionID,
			"code", in.Code,
			"message", in.Message,
		)

	default:
		slog.Debug("stream: ignoring inbound event", "session_id", sessionID, "event_type", in.EventType)
	}
}

func seqValue(seq *int64) any {
	if seq == nil {
		return "absent"
	}
	return *seq
}

func (c *Channel) discard(ctx context.Context, sessionID, reason string, kv ...any) {
	c.metrics.RecordInboundDiscarded(ctx, reason)
	attrs := append([]any{"session_id", sessionID, "reason", reason}, kv...)
	slog.Warn("stream: discarded inbound message", attrs...)
}

// AckStats summarises chunk acknowledgements for a session.
type AckStats struct {
	// Sent is the number of chunks handed to the channel.
	Sent int64

	// Acked is the number of distinct sequence numbers acknowledged.
	Acked int64

	// Duplicates counts acknowledgements for a sequence that was already
	// acknowledged, or that the backend flagged as a duplicate.
	Duplicates int64

	// LastAckedSeq is the highest acknowledged sequence, or -1.
	LastAckedSeq int64

	// Pending lists sent sequence numbers not yet acknowledged, ascending.
	Pending []int64
}

// ackTracker correlates sent sequence numbers with backend acks.
type ackTracker struct {
	mu         sync.Mutex
	sentCount  int64
	pending    map[int64]struct{}
	acked      map[int64]struct{}
	duplicates int64
	last       int64
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		pending: make(map[int64]struct{}),
		acked:   make(map[int64]struct{}),
		last:    -1,
	}
}

func (a *ackTracker) sent(seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sentCount++
	a.pending[seq] = struct{}{}
}

// ack records an acknowledgement and reports whether it was a duplicate.
func (a *ackTracker) ack(seq int64, flagged bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, seen := a.acked[seq]
	dup := seen || flagged
	if dup {
		a.duplicates++
	}
	if !seen {
		a.acked[seq] = struct{}{}
	}
	delete(a.pending, seq)
	a.last = max(a.last, seq)
	return dup
}

func (a *ackTracker) stats() AckStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := make([]int64, 0, len(a.pending))
	for seq := range a.pending {
		pending = append(pending, seq)
	}
	slices.Sort(pending)
	return AckStats{
		Sent:         a.sentCount,
		Acked:        int64(len(a.acked)),
		Duplicates:   a.duplicates,
		LastAckedSeq: a.last,
		Pending:      pending,
	}
}
