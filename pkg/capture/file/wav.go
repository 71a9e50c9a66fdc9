package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVInfo describes the PCM payload of a WAV file.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int

	// DataOffset is the byte offset of the first sample.
	DataOffset int64

	// DataSize is the length of the data chunk in bytes.
	DataSize int64
}

// ErrNotWAV is returned by [ParseWAV] when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("file: not a RIFF/WAVE file")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// ParseWAV reads the RIFF chunk list from r and returns the format of the
// data chunk. Chunks other than "fmt " and "data" (LIST, fact, …) are
// skipped. r is left positioned somewhere after the header; callers should
// seek to [WAVInfo.DataOffset] before reading samples.
func ParseWAV(r io.Reader) (WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVInfo{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var (
		info    WAVInfo
		haveFmt bool
		offset  int64 = 12
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return WAVInfo{}, fmt.Errorf("file: wav: missing data chunk: %w", err)
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, fmt.Errorf("file: wav: fmt chunk too short (%d bytes)", size)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAVInfo{}, fmt.Errorf("file: wav: read fmt chunk: %w", err)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(buf[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, errors.New("file: wav: data chunk before fmt chunk")
			}
			info.DataOffset = offset
			info.DataSize = size
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return WAVInfo{}, fmt.Errorf("file: wav: skip %q chunk: %w", id, err)
			}
		}
		offset += size
		// Chunks are word aligned.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return WAVInfo{}, fmt.Errorf("file: wav: chunk padding: %w", err)
			}
			offset++
		}
	}
}

// IsPCM16 reports whether the file holds 16-bit linear PCM.
func (i WAVInfo) IsPCM16() bool {
	return (i.AudioFormat == wavFormatPCM || i.AudioFormat == wavFormatExtensible) && i.BitsPerSample == 16
}
