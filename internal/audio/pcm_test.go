package audio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestToPCMPassesRawThrough(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	src := bytes.NewReader(raw)
	_, _ = src.Seek(4, io.SeekStart)

	pcm, err := ToPCM(src, 1024, t.TempDir())
	if err != nil {
		t.Fatalf("to pcm: %v", err)
	}
	defer pcm.Close()
	if pcm.WAV {
		t.Fatal("raw input must not be reported as wav")
	}
	got, err := io.ReadAll(pcm)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected stream rewound to start, got %v", got)
	}
}

func TestToPCMDecodesWAV(t *testing.T) {
	dir := t.TempDir()
	raw := []byte{0x10, 0x00, 0xf0, 0xff, 0x00, 0x40, 0x00, 0xc0}

	f, err := os.Create(filepath.Join(dir, "clip.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := EncodeWAV(f, raw, 16000, 1); err != nil {
		t.Fatalf("encode: %v", err)
	}

	spoolDir := t.TempDir()
	pcm, err := ToPCM(f, 0, spoolDir)
	if err != nil {
		t.Fatalf("to pcm: %v", err)
	}
	if !pcm.WAV {
		t.Fatal("expected wav input to be detected")
	}
	if pcm.SampleRate != 16000 || pcm.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", pcm.SampleRate, pcm.Channels)
	}
	got, err := io.ReadAll(pcm)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected %v, got %v", raw, got)
	}
	if err := pcm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	entries, _ := os.ReadDir(spoolDir)
	if len(entries) != 0 {
		t.Fatalf("expected spool removed, found %d files", len(entries))
	}
}

func TestToPCMStreamsLargeWAVIntoSpill(t *testing.T) {
	dir := t.TempDir()
	// Several decode chunks worth of samples, with an odd tail.
	raw := make([]byte, (3*decodeChunkSamples+17)*2)
	for i := 0; i < len(raw)/2; i++ {
		v := uint16(i*7919 + 13)
		raw[2*i] = byte(v)
		raw[2*i+1] = byte(v >> 8)
	}

	f, err := os.Create(filepath.Join(dir, "long.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := EncodeWAV(f, raw, 16000, 1); err != nil {
		t.Fatalf("encode: %v", err)
	}

	pcm, err := ToPCM(f, 16*1024, t.TempDir())
	if err != nil {
		t.Fatalf("to pcm: %v", err)
	}
	defer pcm.Close()
	if !pcm.buf.Spilled() {
		t.Fatal("expected decoded audio above the threshold to spill to disk")
	}
	got, err := io.ReadAll(pcm)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("decoded pcm differs: got %d bytes, want %d", len(got), len(raw))
	}
}

func TestEncodeWAVRejectsOddPayload(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := EncodeWAV(f, []byte{0x01}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}
