// Package chunk turns captured media blocks into self-describing,
// transport-safe messages for the backend.
//
// Encoding is pure: the same block, sequence number and session always yield
// the same [Message]. The payload is carried as standard base64 so the
// envelope survives JSON text frames byte-exact.
package chunk

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

// Envelope constants of the outbound audio message.
const (
	SchemaVersion = "v1"
	EventType     = "audio.chunk"
)

var (
	// ErrEmptyBlock is returned by [Encode] for a zero-length block.
	// Empty blocks are never sent.
	ErrEmptyBlock = errors.New("chunk: empty block")

	// ErrNegativeSequence is returned by [Encode] for a sequence below 0.
	ErrNegativeSequence = errors.New("chunk: negative sequence number")
)

// Message is the wire envelope of one audio chunk.
type Message struct {
	SchemaVersion string `json:"schema_version"`
	EventType     string `json:"event_type"`
	SessionID     string `json:"session_id"`
	Seq           int64  `json:"seq"`
	TimestampMS   int64  `json:"timestamp_ms"`
	Codec         string `json:"codec"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	ContentB64    string `json:"content_b64"`

	// Mode is the session mode the chunk was produced under. It selects the
	// transport (duplex channel or REST) and is not serialised.
	Mode types.Mode `json:"-"`
}

// Encode wraps b as the seq-th chunk of sessionID. The timestamp is taken
// from b.CapturedAt.
func Encode(b capture.Block, seq int64, sessionID string, mode types.Mode) (Message, error) {
	if len(b.Data) == 0 {
		return Message{}, ErrEmptyBlock
	}
	if seq < 0 {
		return Message{}, fmt.Errorf("%w: %d", ErrNegativeSequence, seq)
	}
	var ts int64
	if !b.CapturedAt.IsZero() {
		ts = b.CapturedAt.UnixMilli()
	}
	return Message{
		SchemaVersion: SchemaVersion,
		EventType:     EventType,
		SessionID:     sessionID,
		Seq:           seq,
		TimestampMS:   ts,
		Codec:         b.Codec,
		SampleRate:    b.SampleRate,
		Channels:      b.Channels,
		ContentB64:    base64.StdEncoding.EncodeToString(b.Data),
		Mode:          mode,
	}, nil
}

// Decode returns the payload bytes carried by m.
func Decode(m Message) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.ContentB64)
	if err != nil {
		return nil, fmt.Errorf("chunk: decode payload of seq %d: %w", m.Seq, err)
	}
	return data, nil
}

// Marshal renders m as the JSON text frame sent on the duplex channel.
func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("chunk: marshal seq %d: %w", m.Seq, err)
	}
	return data, nil
}

// ParseMessage decodes a JSON envelope. It rejects envelopes with an
// unexpected schema version or event type.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("chunk: parse message: %w", err)
	}
	if m.SchemaVersion != SchemaVersion {
		return Message{}, fmt.Errorf("chunk: unsupported schema_version %q", m.SchemaVersion)
	}
	if m.EventType != EventType {
		return Message{}, fmt.Errorf("chunk: unexpected event_type %q", m.EventType)
	}
	return m, nil
}

// Submission is the REST body used to submit a chunk in post-meeting mode.
type Submission struct {
	Sequence   int64  `json:"sequence"`
	PayloadB64 string `json:"payload_b64"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Submission converts m to its REST form.
func (m Message) Submission() Submission {
	return Submission{
		Sequence:   m.Seq,
		PayloadB64: m.ContentB64,
		Codec:      m.Codec,
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
	}
}
