package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Converter normalises 16-bit PCM blocks to a target sample rate and channel
// count. Blocks whose codec is not [CodecL16] pass through unchanged. Create
// one per stream; the zero value with Target unset is a no-op.
type Converter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns b in the target format. Resampling runs before channel
// conversion so that downmixed streams are resampled once per frame rather
// than once per channel. A block with a partial trailing frame is truncated
// to whole frames.
func (c *Converter) Convert(b Block) Block {
	if !IsPCM16(b.Codec) || c.Target.SampleRate <= 0 || c.Target.Channels <= 0 {
		return b
	}
	if b.SampleRate == c.Target.SampleRate && b.Channels == c.Target.Channels {
		return b
	}
	channels := max(b.Channels, 1)
	frame := bytesPerSample * channels
	if rem := len(b.Data) % frame; rem != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("capture: partial PCM frame truncated", "bytes", len(b.Data), "channels", channels)
		})
		b.Data = b.Data[:len(b.Data)-rem]
	}

	c.warnMismatch.Do(func() {
		slog.Info("capture: converting PCM",
			"from", describe(b.SampleRate, channels),
			"to", describe(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := Resample(b.Data, channels, b.SampleRate, c.Target.SampleRate)
	pcm = Remix(pcm, channels, c.Target.Channels)

	b.Data = pcm
	b.SampleRate = c.Target.SampleRate
	b.Channels = c.Target.Channels
	return b
}

// Resample converts interleaved 16-bit PCM with the given channel count from
// srcRate to dstRate using linear interpolation between neighbouring frames.
// Invalid rates or equal rates return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	frame := bytesPerSample * channels
	srcFrames := len(pcm) / frame
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*frame)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := sampleAt(pcm, idx*channels+ch)
			s1 := sampleAt(pcm, next*channels+ch)
			v := float64(s0)*(1-frac) + float64(s1)*frac
			putSample(out, i*channels+ch, int32(v))
		}
	}
	return out
}

// Remix converts interleaved 16-bit PCM from src to dst channels. Downmixing
// to mono averages all channels; upmixing from mono duplicates the sample.
// Other combinations keep the first min(src, dst) channels and zero-fill the
// rest.
func Remix(pcm []byte, src, dst int) []byte {
	if src <= 0 || dst <= 0 || src == dst {
		return pcm
	}
	frames := len(pcm) / (bytesPerSample * src)
	out := make([]byte, frames*bytesPerSample*dst)
	for f := range frames {
		switch {
		case dst == 1:
			var sum int32
			for ch := range src {
				sum += int32(sampleAt(pcm, f*src+ch))
			}
			putSample(out, f, sum/int32(src))
		case src == 1:
			s := int32(sampleAt(pcm, f))
			for ch := range dst {
				putSample(out, f*dst+ch, s)
			}
		default:
			for ch := range min(src, dst) {
				putSample(out, f*dst+ch, int32(sampleAt(pcm, f*src+ch)))
			}
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

// putSample writes v clamped to the int16 range.
func putSample(pcm []byte, i int, v int32) {
	v = min(max(v, -32768), 32767)
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(v)))
}

func describe(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
