package config_test

import (
	"testing"

	"github.com/jmtavares/depovox/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			LogLevel: config.LogInfo,
		},
		Matcher: config.MatcherConfig{
			AcceptThreshold: 0.85,
			ReviewThreshold: 0.60,
		},
		Review: config.ReviewConfig{
			AutoCreateDrugs: true,
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.MatcherChanged || d.ReviewChanged {
		t.Errorf("only the log level changed, got %+v", d)
	}
}

func TestDiff_MatcherChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Matcher.AcceptThreshold = 0.90

	d := config.Diff(old, new)
	if !d.MatcherChanged {
		t.Fatal("MatcherChanged should be true")
	}
	if d.NewMatcher.AcceptThreshold != 0.90 {
		t.Errorf("NewMatcher.AcceptThreshold: got %.2f, want 0.90", d.NewMatcher.AcceptThreshold)
	}
}

func TestDiff_ReviewChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Review.AllowNegativeStock = true

	d := config.Diff(old, new)
	if !d.ReviewChanged {
		t.Fatal("ReviewChanged should be true")
	}
	if !d.NewReview.AllowNegativeStock {
		t.Error("NewReview.AllowNegativeStock should be true")
	}
	if !d.Changed() {
		t.Error("Changed() should be true")
	}
}

// Provider or database edits require a restart, so the diff must not report
// them as hot-reloadable.
func TestDiff_ProviderChangeNotTracked(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.LLM.Name = "openai"
	new.Database.PostgresDSN = "postgres://elsewhere/depovox"

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("provider and database changes should not appear in the diff, got %+v", d)
	}
}
