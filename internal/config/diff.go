package config

import (
	"slices"

	"github.com/parleyhq/parley/internal/behavior"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// server address changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when the agent name or variation set changed,
	// which requires rebuilding the name matcher.
	AgentChanged bool

	// MatchingChanged is true when any detection threshold or the
	// mishearing dictionary changed.
	MatchingChanged bool

	// AggregationChanged is true when a window or timeout changed.
	AggregationChanged bool

	// PatternsChanged is true when any pattern definition or the active
	// selection changed.
	PatternsChanged bool
	PatternChanges  []PatternDiff
}

// Empty reports whether the diff tracks no change at all. Cosmetic file edits
// (comments, formatting, untracked fields) produce an empty diff.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && !d.MatchingChanged &&
		!d.AggregationChanged && !d.PatternsChanged
}

// PatternDiff describes what changed for a single behavior pattern.
type PatternDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.Name != new.Agent.Name || !slices.Equal(old.Agent.Variations, new.Agent.Variations) {
		d.AgentChanged = true
	}

	if old.Matching.FuzzyThreshold != new.Matching.FuzzyThreshold ||
		old.Matching.AmbiguousThreshold != new.Matching.AmbiguousThreshold ||
		old.Matching.MinConfidence != new.Matching.MinConfidence ||
		!mishearingsEqual(old.Matching.Mishearings, new.Matching.Mishearings) {
		d.MatchingChanged = true
	}

	if old.Aggregation != new.Aggregation {
		d.AggregationChanged = true
	}

	d.PatternChanges = diffPatterns(old.Patterns, new.Patterns)
	d.PatternsChanged = len(d.PatternChanges) > 0 || old.Patterns.Active != new.Patterns.Active

	return d
}

// diffPatterns compares the pattern definition lists keyed by ID.
func diffPatterns(old, new PatternsConfig) []PatternDiff {
	var diffs []PatternDiff

	oldByID := make(map[string]int, len(old.Definitions))
	for i, p := range old.Definitions {
		oldByID[p.ID] = i
	}
	newByID := make(map[string]int, len(new.Definitions))
	for i, p := range new.Definitions {
		newByID[p.ID] = i
	}

	for id, oi := range oldByID {
		ni, exists := newByID[id]
		if !exists {
			diffs = append(diffs, PatternDiff{ID: id, Removed: true})
			continue
		}
		if !patternsEqual(old.Definitions[oi], new.Definitions[ni]) {
			diffs = append(diffs, PatternDiff{ID: id, Modified: true})
		}
	}
	for id := range newByID {
		if _, exists := oldByID[id]; !exists {
			diffs = append(diffs, PatternDiff{ID: id, Added: true})
		}
	}
	return diffs
}

func patternsEqual(a, b behavior.AgentBehaviorPattern) bool {
	return a.Name == b.Name &&
		triggerConfigsEqual(a.CaptionMention, b.CaptionMention) &&
		triggerConfigsEqual(a.ChatMention, b.ChatMention)
}

func triggerConfigsEqual(a, b behavior.TriggerConfig) bool {
	if a.Enabled != b.Enabled || a.ResponseChannel != b.ResponseChannel || a.Mode != b.Mode {
		return false
	}
	if (a.Controlled == nil) != (b.Controlled == nil) || (a.Queued == nil) != (b.Queued == nil) {
		return false
	}
	if a.Controlled != nil && *a.Controlled != *b.Controlled {
		return false
	}
	if a.Queued != nil && *a.Queued != *b.Queued {
		return false
	}
	return true
}

func mishearingsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !slices.Equal(av, bv) {
			return false
		}
	}
	return true
}
