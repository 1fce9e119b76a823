package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmtavares/depovox/internal/config"
)

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Name != "ollama" {
		t.Errorf("providers.llm.name: got %q, want %q", cfg.Providers.LLM.Name, "ollama")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/depovox.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate_DefaultThresholdsAccepted(t *testing.T) {
	t.Parallel()
	// Zero thresholds mean "use the matcher defaults" and must not trip the
	// ordering check.
	yaml := `
matcher:
  accept_threshold: 0
  review_threshold: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_OnlyAcceptThresholdSet(t *testing.T) {
	t.Parallel()
	yaml := `
matcher:
  accept_threshold: 0.9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	sttNames := config.ValidProviderNames["stt"]
	if len(sttNames) == 0 {
		t.Fatal("ValidProviderNames[\"stt\"] should not be empty")
	}
	found := false
	for _, n := range sttNames {
		if n == "whisper" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"whisper\"")
	}
}
