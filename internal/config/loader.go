package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	if fb := cfg.Providers.LLMFallback; fb != nil {
		validateProviderName("llm", fb.Name)
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallback.name is required when the block is present"))
		}
	}
	if fb := cfg.Providers.STTFallback; fb != nil {
		validateProviderName("stt", fb.Name)
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.stt_fallback.name is required when the block is present"))
		}
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; extraction commands will fail")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; audio commands will fail")
	}

	// Matcher thresholds
	accept := cfg.Matcher.AcceptThreshold
	review := cfg.Matcher.ReviewThreshold
	if accept < 0 || accept > 1 {
		errs = append(errs, fmt.Errorf("matcher.accept_threshold %.2f is out of range [0, 1]", accept))
	}
	if review < 0 || review > 1 {
		errs = append(errs, fmt.Errorf("matcher.review_threshold %.2f is out of range [0, 1]", review))
	}
	if accept > 0 && review > 0 && review > accept {
		errs = append(errs, fmt.Errorf("matcher.review_threshold %.2f exceeds matcher.accept_threshold %.2f", review, accept))
	}

	// Ledger availability
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; the ledger runs in memory and movements will not survive the process")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
