// Package transcript holds the typed representation of a speech-to-text
// result and its JSON audit artifact.
//
// Every dictation that enters the pipeline leaves a transcription file behind
// so a reviewer can always trace a ledger movement back to the exact words
// that produced it.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmtavares/depovox/pkg/provider/stt"
)

// Segment is a time-aligned slice of the transcription, in seconds from the
// start of the recording.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the pipeline's view of one transcribed dictation. It is
// persisted verbatim as JSON for audit; downstream stages only read Text and
// Language.
type Transcript struct {
	// AudioPath is the path of the source recording. It doubles as the
	// source transcript reference carried through reconciliation and into
	// the import idempotency key.
	AudioPath string `json:"audio_file"`

	// Timestamp is when the transcription was produced.
	Timestamp time.Time `json:"timestamp"`

	// Language is the ISO 639-1 code the audio was transcribed as.
	Language string `json:"language"`

	// Model names the STT model used, for audit (e.g., "base", "small").
	Model string `json:"model,omitempty"`

	// Text is the full transcribed speech content.
	Text string `json:"text"`

	// Segments carries time-aligned detail when the provider reports it.
	Segments []Segment `json:"segments,omitempty"`
}

// FromResult converts an stt.Result into a Transcript for the given source
// recording.
func FromResult(audioPath, model string, res *stt.Result, now time.Time) Transcript {
	t := Transcript{
		AudioPath: audioPath,
		Timestamp: now,
		Language:  res.Language,
		Model:     model,
		Text:      res.Text,
	}
	for _, s := range res.Segments {
		t.Segments = append(t.Segments, Segment{
			Start: s.Start.Seconds(),
			End:   s.End.Seconds(),
			Text:  s.Text,
		})
	}
	return t
}

// Ref returns the source transcript reference used to tie staged records and
// committed movements back to their dictation.
func (t Transcript) Ref() string {
	return t.AudioPath
}

// Save writes the transcript as an indented JSON artifact into dir, creating
// the directory if needed. The file is named <audio stem>_transcription.json.
// Returns the path of the written file.
func (t Transcript) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("transcript: create output dir %q: %w", dir, err)
	}

	stem := strings.TrimSuffix(filepath.Base(t.AudioPath), filepath.Ext(t.AudioPath))
	path := filepath.Join(dir, stem+"_transcription.json")

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("transcript: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("transcript: write %q: %w", path, err)
	}
	return path, nil
}

// Load reads a transcript artifact previously written by Save.
func Load(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: read %q: %w", path, err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("transcript: parse %q: %w", path, err)
	}
	return &t, nil
}
