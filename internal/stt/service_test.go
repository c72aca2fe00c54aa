package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-julius/internal/bus"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/natsserver"
	"github.com/loqalabs/loqa-julius/internal/protocol"
	"github.com/loqalabs/loqa-julius/internal/spool"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingTranscriber returns canned texts and remembers the audio it saw.
type recordingTranscriber struct {
	texts []string
	got   chan []byte
	modes chan string
}

func (r *recordingTranscriber) Transcribe(_ context.Context, audio io.ReadSeeker, mode string) ([]string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, err
	}
	r.got <- data
	r.modes <- mode
	return r.texts, nil
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: server.RANDOM_PORT}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	cfg.ConnectTimeout = 2000
	client, err := bus.Connect(context.Background(), cfg, "stt-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishFrame(t *testing.T, client *bus.Client, frame protocol.AudioFrame) {
	t.Helper()
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+"."+frame.SessionID, frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestServiceTranscribesFinalSession(t *testing.T) {
	client := startBus(t)
	transcriber := &recordingTranscriber{texts: []string{"turn on", "the lights"}, got: make(chan []byte, 1), modes: make(chan string, 1)}

	cfg := config.Default().STT
	svc := NewService(context.Background(), cfg, client, transcriber, "julius", nil, SpoolOptions{Threshold: 4, Dir: t.TempDir()}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	transcripts := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, transcripts)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	publishFrame(t, client, protocol.AudioFrame{SessionID: "kitchen", Sequence: 0, PCM: []byte{1, 2, 3}, Mode: "command"})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "kitchen", Sequence: 1, PCM: []byte{4, 5, 6}, Final: true})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case audio := <-transcriber.got:
		if !bytes.Equal(audio, []byte{1, 2, 3, 4, 5, 6}) {
			t.Fatalf("expected concatenated pcm, got %v", audio)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcription")
	}
	if mode := <-transcriber.modes; mode != "command" {
		t.Fatalf("expected mode hint forwarded, got %q", mode)
	}

	select {
	case msg := <-transcripts:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "kitchen" || !tr.Understood || tr.Engine != "julius" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
		if !reflect.DeepEqual(tr.Texts, []string{"turn on", "the lights"}) || tr.Text != "turn on the lights" {
			t.Fatalf("unexpected texts %+v", tr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestServiceDropsOversizedSession(t *testing.T) {
	client := startBus(t)
	transcriber := &recordingTranscriber{texts: []string{"x"}, got: make(chan []byte, 2), modes: make(chan string, 2)}

	cfg := config.Default().STT
	cfg.MaxSessionBytes = 4
	svc := NewService(context.Background(), cfg, client, transcriber, "julius", nil, SpoolOptions{Dir: t.TempDir()}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	publishFrame(t, client, protocol.AudioFrame{SessionID: "big", PCM: []byte{1, 2, 3, 4, 5, 6}, Final: true})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "small", PCM: []byte{7, 8}, Final: true})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Frames arrive in order, so seeing the small session means the big one was handled.
	select {
	case audio := <-transcriber.got:
		if !bytes.Equal(audio, []byte{7, 8}) {
			t.Fatalf("oversized session must not be transcribed, got %v", audio)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcription")
	}
}

func (s *Service) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func TestServiceEvictsIdleSessions(t *testing.T) {
	client := startBus(t)
	transcriber := &recordingTranscriber{texts: []string{"x"}, got: make(chan []byte, 1), modes: make(chan string, 1)}

	cfg := config.Default().STT
	cfg.SessionIdleTimeout = 50
	spoolDir := t.TempDir()
	svc := NewService(context.Background(), cfg, client, transcriber, "julius", nil, SpoolOptions{Threshold: 0, Dir: spoolDir}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	for _, id := range []string{"a", "b", "c"} {
		publishFrame(t, client, protocol.AudioFrame{SessionID: id, PCM: []byte{1, 2}})
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(spoolDir)
		if err != nil {
			t.Fatalf("read spool dir: %v", err)
		}
		if svc.sessionCount() == 0 && len(entries) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected idle sessions evicted, %d still held", svc.sessionCount())
}

func TestEvictIdleKeepsActiveSessions(t *testing.T) {
	cfg := config.Default().STT
	cfg.SessionIdleTimeout = 1000
	svc := NewService(context.Background(), cfg, nil, nil, "julius", nil, SpoolOptions{Dir: t.TempDir()}, newLogger())
	t.Cleanup(svc.Close)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.sessions["fresh"] = &sessionState{buf: spool.New(0, t.TempDir()), lastFrame: now.Add(-500 * time.Millisecond)}
	svc.sessions["stale"] = &sessionState{buf: spool.New(0, t.TempDir()), lastFrame: now.Add(-2 * time.Second), dropped: true}

	if n := svc.evictIdle(now); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, ok := svc.sessions["fresh"]; !ok {
		t.Fatal("active session must be kept")
	}
	if _, ok := svc.sessions["stale"]; ok {
		t.Fatal("stale session must be evicted")
	}
}

func TestMockTranscriber(t *testing.T) {
	m := NewMockTranscriber()
	texts, err := m.Transcribe(context.Background(), bytes.NewReader(make([]byte, 8)), "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !reflect.DeepEqual(texts, []string{"[default transcript length=8]"}) {
		t.Fatalf("unexpected texts %q", texts)
	}
	texts, err = m.Transcribe(context.Background(), bytes.NewReader(nil), "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !reflect.DeepEqual(texts, []string{""}) {
		t.Fatalf("expected sentinel, got %q", texts)
	}
}
