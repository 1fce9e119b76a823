// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcription results and inspect which
// files were submitted, without a live whisper backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: &stt.Result{Text: "entrada de paracetamol", Language: "pt"},
//	}
//	res, err := p.Transcribe(ctx, "audio.wav", "pt")
package mock

import (
	"context"
	"sync"

	"github.com/jmtavares/depovox/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// AudioPath is the file path passed to Transcribe.
	AudioPath string
	// Language is the language hint passed to Transcribe.
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe. May be nil (returns nil, nil).
	Result *stt.Result

	// ResultsByPath overrides Result per audio path when non-nil.
	ResultsByPath map[string]*stt.Result

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// ErrsByPath injects per-path errors when non-nil.
	ErrsByPath map[string]error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result or error.
func (p *Provider) Transcribe(ctx context.Context, audioPath string, language string) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, AudioPath: audioPath, Language: language})
	if err, ok := p.ErrsByPath[audioPath]; ok && err != nil {
		return nil, err
	}
	if p.TranscribeErr != nil {
		return nil, p.TranscribeErr
	}
	if res, ok := p.ResultsByPath[audioPath]; ok {
		return res, nil
	}
	return p.Result, nil
}
