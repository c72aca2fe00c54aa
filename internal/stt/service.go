package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-julius/internal/bus"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/eventstore"
	"github.com/loqalabs/loqa-julius/internal/protocol"
	"github.com/loqalabs/loqa-julius/internal/spool"
	"github.com/nats-io/nats.go"
)

// Service buffers audio frames per session and transcribes each session once
// its final frame arrives.
type Service struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	engine      string
	store       *eventstore.Store
	spool       SpoolOptions
	logger      *slog.Logger
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       bool
	closed      bool
}

// SpoolOptions bounds the in-memory part of each session buffer.
type SpoolOptions struct {
	Threshold int
	Dir       string
}

type sessionState struct {
	buf       *spool.Buffer
	mode      string
	dropped   bool
	lastFrame time.Time
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber, engine string, store *eventstore.Store, spoolOpts SpoolOptions, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		engine:      engine,
		store:       store,
		spool:       spoolOpts,
		logger:      log.With(slog.String("component", "stt-service")),
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.transcriber == nil {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := bus.SubscribeJSON(s.bus, subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.wg.Add(1)
	go s.sweepIdle()
	s.logger.Info("listening for audio frames", slog.String("subject", subject), slog.String("engine", s.engine))
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	s.closed = true
	for id, state := range s.sessions {
		_ = state.buf.Close()
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(subject string, frame protocol.AudioFrame) {
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(subject, protocol.SubjectAudioFramePrefix+".")
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		s.logger.Warn("audio frame sample rate mismatch",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.cfg.SampleRate))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{buf: spool.New(s.spool.Threshold, s.spool.Dir)}
		s.sessions[frame.SessionID] = state
	}
	state.lastFrame = time.Now()
	if frame.Mode != "" {
		state.mode = frame.Mode
	}
	if !state.dropped && len(frame.PCM) > 0 {
		if _, err := state.buf.Write(frame.PCM); err != nil {
			s.logger.Warn("failed to buffer audio frame", slog.String("session_id", frame.SessionID), slogError(err))
			s.dropLocked(state)
		} else if state.buf.Size() > int64(s.cfg.MaxSessionBytes) {
			s.logger.Warn("session audio exceeds limit, dropping",
				slog.String("session_id", frame.SessionID),
				slog.Int("max_session_bytes", s.cfg.MaxSessionBytes))
			s.dropLocked(state)
		}
	}
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, frame.SessionID)
	if state.dropped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.runTranscription(frame.SessionID, state)
}

func (s *Service) dropLocked(state *sessionState) {
	state.dropped = true
	_ = state.buf.Close()
}

func (s *Service) idleTimeout() time.Duration {
	return time.Duration(s.cfg.SessionIdleTimeout) * time.Millisecond
}

// sweepIdle evicts sessions whose last frame is older than the idle timeout.
func (s *Service) sweepIdle() {
	defer s.wg.Done()
	interval := s.idleTimeout() / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

func (s *Service) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, state := range s.sessions {
		if now.Sub(state.lastFrame) <= s.idleTimeout() {
			continue
		}
		s.logger.Warn("session idle, discarding audio",
			slog.String("session_id", id),
			slog.Int64("buffered_bytes", state.buf.Size()),
			slog.Bool("dropped", state.dropped))
		_ = state.buf.Close()
		delete(s.sessions, id)
		evicted++
	}
	return evicted
}

// runTranscription expects the caller to have added to s.wg.
func (s *Service) runTranscription(sessionID string, state *sessionState) {
	go func() {
		defer s.wg.Done()
		defer state.buf.Close()

		start := time.Now()
		audio, err := state.buf.Reader()
		var texts []string
		if err == nil {
			texts, err = s.transcriber.Transcribe(s.ctx, audio, state.mode)
		}
		elapsed := time.Since(start)

		rec := eventstore.Record{
			SessionID: sessionID,
			Source:    "bus",
			Mode:      state.mode,
			Texts:     texts,
			Duration:  elapsed,
		}
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
			rec.Error = err.Error()
			s.publishError(sessionID, err)
		} else {
			rec.Understood = understood(texts)
			s.publishTranscript(sessionID, texts, elapsed)
		}
		if err := s.store.Append(s.ctx, rec); err != nil {
			s.logger.Warn("failed to record transcription", slogError(err))
		}
	}()
}

func (s *Service) publishTranscript(sessionID string, texts []string, elapsed time.Duration) {
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       strings.Join(texts, " "),
		Texts:      texts,
		Understood: understood(texts),
		Engine:     s.engine,
		Timestamp:  time.Now().UTC(),
		DurationMS: elapsed.Milliseconds(),
	}
	s.publish(protocol.SubjectTranscriptFinal, msg)
}

func (s *Service) publishError(sessionID string, err error) {
	s.publish(protocol.SubjectTranscriptError, protocol.TranscriptError{
		SessionID: sessionID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func understood(texts []string) bool {
	for _, t := range texts {
		if t != "" {
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
