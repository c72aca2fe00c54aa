package stt

import (
	"context"
	"io"
)

// Transcriber is the contract a speech-to-text plugin exposes to the host.
// Results are ordered sentences; []string{""} means nothing was understood.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.ReadSeeker, mode string) ([]string, error)
}
