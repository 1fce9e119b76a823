package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded by the long-running watch mode
// are tracked; provider and database changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MatcherChanged bool
	NewMatcher     MatcherConfig

	ReviewChanged bool
	NewReview     ReviewConfig
}

// Changed reports whether the diff carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MatcherChanged || d.ReviewChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Matcher != new.Matcher {
		d.MatcherChanged = true
		d.NewMatcher = new.Matcher
	}

	if old.Review != new.Review {
		d.ReviewChanged = true
		d.NewReview = new.Review
	}

	return d
}
