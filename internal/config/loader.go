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

// ValidLLMProviderNames lists known LLM provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidLLMProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
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

	// Agent
	if cfg.Agent.Name == "" {
		errs = append(errs, fmt.Errorf("agent.name is required"))
	}

	// Matching thresholds
	errs = appendThresholdError(errs, "matching.fuzzy_threshold", cfg.Matching.FuzzyThreshold)
	errs = appendThresholdError(errs, "matching.ambiguous_threshold", cfg.Matching.AmbiguousThreshold)
	errs = appendThresholdError(errs, "matching.min_confidence", cfg.Matching.MinConfidence)
	if cfg.Matching.AmbiguousThreshold != 0 && cfg.Matching.MinConfidence != 0 &&
		cfg.Matching.MinConfidence > cfg.Matching.AmbiguousThreshold {
		errs = append(errs, fmt.Errorf("matching.min_confidence %.2f must not exceed matching.ambiguous_threshold %.2f",
			cfg.Matching.MinConfidence, cfg.Matching.AmbiguousThreshold))
	}

	// Aggregation windows
	if cfg.Aggregation.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("aggregation.window_ms must not be negative"))
	}
	if cfg.Aggregation.PendingMentionTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("aggregation.pending_mention_timeout_ms must not be negative"))
	}

	// LLM providers
	validateLLMProviderName(cfg.LLM.Provider.Name)
	for _, fb := range cfg.LLM.Fallbacks {
		validateLLMProviderName(fb.Name)
	}
	if cfg.LLM.Provider.Name == "" {
		if len(cfg.LLM.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("llm.fallbacks configured without llm.provider"))
		}
		slog.Warn("no LLM provider configured; hybrid escalation and caption correction are disabled")
	}

	// Patterns
	idsSeen := make(map[string]int, len(cfg.Patterns.Definitions))
	for i, p := range cfg.Patterns.Definitions {
		prefix := fmt.Sprintf("patterns.definitions[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := idsSeen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of patterns.definitions[%d]", prefix, p.ID, prev))
		} else {
			idsSeen[p.ID] = i
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}
	if cfg.Patterns.Active != "" && cfg.Patterns.PostgresDSN == "" {
		if _, ok := idsSeen[cfg.Patterns.Active]; !ok {
			errs = append(errs, fmt.Errorf("patterns.active %q does not match any definition", cfg.Patterns.Active))
		}
	}

	return errors.Join(errs...)
}

func appendThresholdError(errs []error, field string, v float64) []error {
	if v < 0 || v > 1 {
		return append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", field, v))
	}
	return errs
}

// validateLLMProviderName logs a warning if name is non-empty and not found in
// [ValidLLMProviderNames].
func validateLLMProviderName(name string) {
	if name == "" || slices.Contains(ValidLLMProviderNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidLLMProviderNames,
	)
}
