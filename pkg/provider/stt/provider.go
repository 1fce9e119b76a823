// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription engine (a whisper.cpp server,
// or the whisper.cpp CGO bindings running in-process) and exposes a uniform
// blocking interface: an audio file goes in, a full transcription result
// comes out. Dictations are short recordings made at the deposit counter, so
// there is no streaming path — a call either completes with a full result or
// fails outright.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Segment is a time-aligned slice of a transcription result.
type Segment struct {
	// Start is the offset of the segment from the beginning of the audio.
	Start time.Duration

	// End is the offset at which the segment ends.
	End time.Duration

	// Text is the transcribed speech content of this segment.
	Text string
}

// Result is a complete transcription of one audio file.
type Result struct {
	// Text is the full transcribed speech content.
	Text string

	// Language is the language the audio was transcribed as (ISO 639-1 code,
	// e.g., "pt"). Set from the request language or, when the provider
	// auto-detects, from its detection result.
	Language string

	// Segments contains time-aligned detail when the provider supports it.
	// May be nil.
	Segments []Segment
}

// Provider is the abstraction over any batch STT backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// Transcribe reads the audio file at audioPath and returns its full
	// transcription. language is an ISO 639-1 hint (e.g., "pt"); an empty
	// string lets the provider auto-detect, if supported.
	Transcribe(ctx context.Context, audioPath string, language string) (*Result, error)
}
