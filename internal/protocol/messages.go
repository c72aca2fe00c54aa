package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	// Mode is an optional recognition hint forwarded to the transcriber.
	Mode string `json:"mode,omitempty"`
}

// Transcript represents STT output broadcast on the bus. Texts holds the
// recognized sentences in order; a single empty string means nothing was understood.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Texts      []string  `json:"texts"`
	Understood bool      `json:"understood"`
	Engine     string    `json:"engine"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
}

// TranscriptError is published when a session could not be transcribed at all.
type TranscriptError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectTranscriptError  = "stt.text.error"
)
