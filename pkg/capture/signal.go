package capture

import (
	"encoding/binary"
	"math"
	"strings"
)

// Signal classifies the input level of a capture for operator feedback.
type Signal string

const (
	SignalWaiting Signal = "waiting"
	SignalLow     Signal = "low"
	SignalOK      Signal = "ok"
)

// Level thresholds on the normalised [0, 1] meter scale.
const (
	levelOK  = 0.08
	levelLow = 0.02

	// levelGain scales RMS onto the meter so that ordinary speech reads
	// well above levelOK.
	levelGain = 2.5
)

// Level computes the meter level of 16-bit signed little-endian PCM. The
// result is RMS amplitude scaled by levelGain and clamped to [0, 1]. An odd
// trailing byte is ignored; an empty buffer yields 0.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Min(1, math.Sqrt(sum/float64(n))*levelGain)
}

// ClassifySignal maps a meter level to a [Signal].
func ClassifySignal(level float64) Signal {
	switch {
	case level > levelOK:
		return SignalOK
	case level > levelLow:
		return SignalLow
	default:
		return SignalWaiting
	}
}

// loopbackPatterns are substrings of device names that identify virtual
// loopback drivers used to capture system audio.
var loopbackPatterns = []string{"blackhole", "vb-cable", "cable", "pulse", "monitor"}

// LooksLikeLoopback reports whether a device name matches a known loopback
// driver (BlackHole, VB-CABLE, PulseAudio/PipeWire monitors).
func LooksLikeLoopback(name string) bool {
	name = strings.ToLower(name)
	for _, p := range loopbackPatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// IsPCM16 reports whether codec denotes the 16-bit linear PCM produced by the
// built-in sources, i.e. whether [Level] is meaningful for its blocks.
func IsPCM16(codec string) bool {
	base, _, _ := strings.Cut(codec, ";")
	return strings.EqualFold(strings.TrimSpace(base), CodecL16)
}

// Codec names produced by the built-in sources.
const (
	CodecL16 = "audio/L16"
	CodecWAV = "audio/wav"
)
