package file_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/capture/file"
	"github.com/MrWong99/meetcap/pkg/types"
)

// encodeWAV builds a 16-bit PCM WAV file. A LIST chunk precedes the data
// chunk so the parser's chunk walking is exercised.
func encodeWAV(t *testing.T, pcm []byte, sampleRate, channels int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	list := []byte("INFOISFT\x03\x00\x00\x00go\x00")
	buf.WriteString("RIFF")
	w(uint32(4 + 8 + 16 + 8 + len(list) + 1 + 8 + len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1))
	w(uint16(channels))
	w(uint32(sampleRate))
	w(uint32(sampleRate * channels * 2))
	w(uint16(channels * 2))
	w(uint16(16))
	buf.WriteString("LIST")
	w(uint32(len(list)))
	buf.Write(list)
	if len(list)%2 == 1 {
		buf.WriteByte(0)
	}
	buf.WriteString("data")
	w(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 64)
	data := encodeWAV(t, pcm, 22050, 2)
	info, err := file.ParseWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 2 || info.BitsPerSample != 16 {
		t.Errorf("info = %+v", info)
	}
	if !info.IsPCM16() {
		t.Error("IsPCM16 = false, want true")
	}
	if info.DataSize != 64 {
		t.Errorf("DataSize = %d, want 64", info.DataSize)
	}
	if got := data[info.DataOffset-8 : info.DataOffset-4]; string(got) != "data" {
		t.Errorf("DataOffset does not follow the data chunk header: %q", got)
	}
}

func TestParseWAV_NotWAV(t *testing.T) {
	t.Parallel()

	for _, in := range [][]byte{nil, []byte("RIFF"), []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00\x00\x00")} {
		if _, err := file.ParseWAV(bytes.NewReader(in)); !errors.Is(err, file.ErrNotWAV) {
			t.Errorf("ParseWAV(%q) error = %v, want ErrNotWAV", in, err)
		}
	}
}

func TestCodecFor(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"meeting.wav":  capture.CodecWAV,
		"MEETING.WEBM": "audio/webm",
		"call.mp3":     "audio/mpeg",
		"notes.txt":    "application/octet-stream",
	}
	for name, want := range tests {
		if got := file.CodecFor(name); got != want {
			t.Errorf("CodecFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestReadBlock_WAV(t *testing.T) {
	t.Parallel()

	data := encodeWAV(t, make([]byte, 32), 16000, 1)
	path := writeFile(t, "standup.wav", data)

	b, err := file.ReadBlock(path)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(b.Data, data) {
		t.Error("ReadBlock payload differs from file contents")
	}
	if b.Codec != capture.CodecWAV || b.SampleRate != 16000 || b.Channels != 1 {
		t.Errorf("metadata = %s/%d/%d, want audio/wav/16000/1", b.Codec, b.SampleRate, b.Channels)
	}
}

func TestReadBlock_OpaqueContainer(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "meeting.webm", []byte{0x1a, 0x45, 0xdf, 0xa3})
	b, err := file.ReadBlock(path)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if b.Codec != "audio/webm" || b.SampleRate != 48000 || b.Channels != 1 {
		t.Errorf("metadata = %s/%d/%d, want audio/webm/48000/1", b.Codec, b.SampleRate, b.Channels)
	}
}

func TestReadBlock_Empty(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "empty.wav", nil)
	if _, err := file.ReadBlock(path); !errors.Is(err, file.ErrEmptyFile) {
		t.Errorf("ReadBlock(empty) error = %v, want ErrEmptyFile", err)
	}
}

func TestReadBlock_Missing(t *testing.T) {
	t.Parallel()

	if _, err := file.ReadBlock(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Error("ReadBlock(missing) returned nil error")
	}
}

func TestSource_Replay(t *testing.T) {
	t.Parallel()

	// 30ms of 1kHz mono → three 10ms blocks of 20 bytes.
	pcm := bytes.Repeat([]byte{0x10, 0x00}, 30)
	path := writeFile(t, "replay.wav", encodeWAV(t, pcm, 1000, 1))

	src := file.NewSource(path)
	st, err := src.Acquire(context.Background(), types.CaptureDevice)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer st.Release()

	if f := st.Format(); f.Codec != capture.CodecL16 || f.SampleRate != 1000 || f.Channels != 1 {
		t.Errorf("Format = %+v", f)
	}

	var got []byte
	timeout := time.After(5 * time.Second)
	ch := st.Blocks(context.Background(), 10*time.Millisecond)
	for done := false; !done; {
		select {
		case b, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, b.Data...)
		case <-timeout:
			t.Fatal("timed out waiting for replay to finish")
		}
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("replayed %d bytes, want the %d-byte data chunk", len(got), len(pcm))
	}
}

func TestSource_ReplayConverts(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x10, 0x00, 0x30, 0x00}, 20) // stereo 2kHz, 10ms
	path := writeFile(t, "stereo.wav", encodeWAV(t, pcm, 2000, 2))

	src := file.NewSource(path, file.WithTarget(capture.Format{SampleRate: 1000, Channels: 1}))
	st, err := src.Acquire(context.Background(), types.CaptureDisplay)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer st.Release()

	if f := st.Format(); f.SampleRate != 1000 || f.Channels != 1 {
		t.Fatalf("Format = %+v, want 1000Hz mono", f)
	}
	select {
	case b, ok := <-st.Blocks(context.Background(), 10*time.Millisecond):
		if !ok {
			t.Fatal("channel closed before first block")
		}
		if b.SampleRate != 1000 || b.Channels != 1 {
			t.Errorf("block format = %d/%d", b.SampleRate, b.Channels)
		}
		if len(b.Data) != 20 {
			t.Errorf("block size = %d, want 20", len(b.Data))
		}
		if v := int16(binary.LittleEndian.Uint16(b.Data)); v != 0x20 {
			t.Errorf("first sample = %d, want %d", v, 0x20)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for converted block")
	}
}

func TestSource_RejectsNonPCM(t *testing.T) {
	t.Parallel()

	data := encodeWAV(t, make([]byte, 8), 8000, 1)
	binary.LittleEndian.PutUint16(data[34:36], 8) // 8-bit samples
	path := writeFile(t, "u8.wav", data)

	if _, err := file.NewSource(path).Acquire(context.Background(), types.CaptureDevice); err == nil {
		t.Error("Acquire accepted an 8-bit WAV")
	}
}
