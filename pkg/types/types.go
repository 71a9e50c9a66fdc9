// Package types defines the shared vocabulary used across meetcap packages.
//
// These types are the lingua franca between the capture sources, the chunk
// encoder, the backend client and the session controller. Each package keeps
// its own domain types; only values that cross package boundaries live here
// to avoid circular imports.
package types

import "fmt"

// Mode selects how a session feeds audio to the backend.
type Mode string

const (
	// ModeRealtime streams live chunks over the duplex channel.
	ModeRealtime Mode = "realtime"

	// ModePostMeeting submits a single pre-recorded chunk over the REST API
	// and finalizes immediately.
	ModePostMeeting Mode = "postmeeting"
)

// IsValid reports whether m is a recognised session mode.
func (m Mode) IsValid() bool {
	return m == ModeRealtime || m == ModePostMeeting
}

// CaptureMode selects which kind of capture the source acquires.
type CaptureMode string

const (
	// CaptureDevice captures an audio input device (microphone or a loopback
	// driver such as BlackHole or a PulseAudio monitor).
	CaptureDevice CaptureMode = "device"

	// CaptureDisplay captures display/system audio.
	CaptureDisplay CaptureMode = "display"
)

// IsValid reports whether c is a recognised capture mode.
func (c CaptureMode) IsValid() bool {
	return c == CaptureDevice || c == CaptureDisplay
}

// Variant names one of the two parallel transcript renderings.
type Variant string

const (
	// VariantRaw is the low-latency, unprocessed transcript.
	VariantRaw Variant = "raw"

	// VariantEnhanced is the cleaned-up transcript produced by the backend's
	// enhancement pass.
	VariantEnhanced Variant = "enhanced"
)

// ParseVariant converts s to a [Variant]. "clean" is accepted as an alias for
// [VariantEnhanced] because the backend's artifact API uses that name.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "raw", "":
		return VariantRaw, nil
	case "enhanced", "clean":
		return VariantEnhanced, nil
	}
	return "", fmt.Errorf("unknown transcript variant %q; valid values: raw, enhanced", s)
}
