// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/jmtavares/depovox/pkg/provider/stt"
)

// nativeSampleRate is the sample rate whisper.cpp expects. Input WAV files
// must be 16 kHz 16-bit PCM; resampling is out of scope for this provider.
const nativeSampleRate = 16000

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings
// (CGO), eliminating the server dependency entirely. The model is loaded
// once at startup and shared across all transcriptions.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// mu serialises inference. whisper.cpp contexts are not thread-safe and
	// the deposit workflow is single-operator anyway.
	mu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the ISO 639-1 language code used when the caller
// does not specify one. Defaults to "pt".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The model is loaded once and shared across all
// transcriptions. The caller must call Close when the provider is no longer
// needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe reads the WAV file at audioPath, runs whisper.cpp inference on
// it, and returns the full result with time-aligned segments. The file must
// be 16 kHz 16-bit PCM WAV (mono or stereo; stereo is downmixed).
func (p *NativeProvider) Transcribe(ctx context.Context, audioPath string, language string) (*stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if language == "" {
		language = p.language
	}

	samples, err := readWAV(audioPath)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Create a new whisper context for this inference. Each context is NOT
	// thread-safe, but the model can be shared across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	// Collect segments.
	result := &stt.Result{Language: language}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		result.Segments = append(result.Segments, stt.Segment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}
	result.Text = strings.Join(parts, " ")

	return result, nil
}

// readWAV parses a RIFF/WAV file containing 16-bit signed little-endian PCM
// at 16 kHz and returns float32 mono samples in [-1, 1]. Stereo input is
// downmixed by averaging channels.
func readWAV(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: read audio %q: %w", path, err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("whisper: %q is not a RIFF/WAV file", path)
	}

	// Walk the sub-chunks to find fmt and data; some encoders insert LIST
	// chunks between them.
	var (
		channels   int
		sampleRate int
		bits       int
		pcm        []byte
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("whisper: %q has a malformed fmt chunk", path)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		offset = body + size + size%2
	}

	if pcm == nil {
		return nil, fmt.Errorf("whisper: %q has no data chunk", path)
	}
	if bits != 16 {
		return nil, fmt.Errorf("whisper: %q is %d-bit; only 16-bit PCM is supported", path, bits)
	}
	if sampleRate != nativeSampleRate {
		return nil, fmt.Errorf("whisper: %q is %d Hz; whisper.cpp requires %d Hz", path, sampleRate, nativeSampleRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("whisper: %q has %d channels; expected mono or stereo", path, channels)
	}

	frame := 2 * channels
	samples := make([]float32, 0, len(pcm)/frame)
	for i := 0; i+frame <= len(pcm); i += frame {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i+2*c : i+2*c+2])))
		}
		samples = append(samples, float32(sum/int32(channels))/32768.0)
	}
	return samples, nil
}
