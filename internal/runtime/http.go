package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-julius/internal/eventstore"
	"github.com/loqalabs/loqa-julius/internal/julius"
	"github.com/loqalabs/loqa-julius/internal/spool"
)

type transcribeResponse struct {
	RequestID string   `json:"request_id"`
	Texts     []string `json:"texts"`
}

type transcriptionRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode,omitempty"`
	Texts      []string  `json:"texts"`
	Understood bool      `json:"understood"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type errorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("GET /v1/transcriptions", r.handleTranscriptions)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := r.notReady(); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady() string {
	switch {
	case !r.ready.Load():
		return "starting"
	case r.cfg.STT.Enabled && r.transcriber == nil:
		return "transcriber unavailable"
	case r.bus != nil && !r.bus.Healthy():
		return "bus disconnected"
	case r.service != nil && !r.service.Healthy():
		return "stt service not listening"
	}
	return ""
}

// handleTranscribe decodes the request body, raw PCM or WAV, in one decoder run.
func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	requestID := uuid.NewString()
	log := r.logger.With(slog.String("request_id", requestID))
	if r.transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{RequestID: requestID, Error: "transcriber unavailable"})
		return
	}

	body := spool.New(r.cfg.Julius.SpoolThresholdBytes, "")
	defer body.Close()
	if _, err := body.ReadFrom(http.MaxBytesReader(w, req.Body, r.cfg.HTTP.MaxBodyBytes)); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}
	audio, err := body.Reader()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}

	mode := req.URL.Query().Get("mode")
	start := time.Now()
	texts, err := r.transcriber.Transcribe(req.Context(), audio, mode)
	rec := eventstore.Record{
		SessionID:  requestID,
		Source:     "http",
		Mode:       mode,
		Texts:      texts,
		Understood: julius.Understood(texts),
		Duration:   time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if storeErr := r.store.Append(req.Context(), rec); storeErr != nil {
		log.Warn("failed to record transcription", slog.String("error", storeErr.Error()))
	}

	if err != nil {
		log.Warn("transcription failed", slog.String("error", err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, julius.ErrLaunch) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{RequestID: requestID, Texts: texts})
}

// handleTranscriptions lists stored results: one session oldest first when
// session is given, otherwise the most recent across sessions.
func (r *Runtime) handleTranscriptions(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		records []eventstore.Record
		err     error
	)
	if session := query.Get("session"); session != "" {
		records, err = r.store.ListSession(req.Context(), session, limit)
	} else {
		records, err = r.store.Recent(req.Context(), limit)
	}
	if err != nil {
		r.logger.Warn("failed to read transcriptions", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]transcriptionRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, transcriptionRecord{
			ID:         rec.ID,
			SessionID:  rec.SessionID,
			Source:     rec.Source,
			Mode:       rec.Mode,
			Texts:      rec.Texts,
			Understood: rec.Understood,
			Error:      rec.Error,
			DurationMS: rec.Duration.Milliseconds(),
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
