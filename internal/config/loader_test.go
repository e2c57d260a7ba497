package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/config"
)

func TestValidate_MissingAgentName(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing agent name, got nil")
	}
	if !strings.Contains(err.Error(), "agent.name") {
		t.Errorf("error should mention agent.name, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
agent:
  name: Steve Johnson
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
matching:
  fuzzy_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for threshold out of range, got nil")
	}
	if !strings.Contains(err.Error(), "matching.fuzzy_threshold") {
		t.Errorf("error should mention matching.fuzzy_threshold, got: %v", err)
	}
}

func TestValidate_MinConfidenceAboveAmbiguous(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
matching:
  ambiguous_threshold: 0.6
  min_confidence: 0.9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for min_confidence above ambiguous_threshold, got nil")
	}
	if !strings.Contains(err.Error(), "min_confidence") {
		t.Errorf("error should mention min_confidence, got: %v", err)
	}
}

func TestValidate_NegativeAggregationWindow(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
aggregation:
  window_ms: -100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative window, got nil")
	}
	if !strings.Contains(err.Error(), "aggregation.window_ms") {
		t.Errorf("error should mention aggregation.window_ms, got: %v", err)
	}
}

func TestValidate_FallbacksWithoutPrimary(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
llm:
  fallbacks:
    - name: ollama
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallbacks without primary provider, got nil")
	}
	if !strings.Contains(err.Error(), "llm.fallbacks") {
		t.Errorf("error should mention llm.fallbacks, got: %v", err)
	}
}

func TestValidate_DuplicatePatternIDs(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
patterns:
  definitions:
    - id: p1
      name: First
    - id: p1
      name: Second
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate pattern IDs, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_PatternWithoutID(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
patterns:
  definitions:
    - name: Nameless
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for pattern without an ID, got nil")
	}
	if !strings.Contains(err.Error(), "id is required") {
		t.Errorf("error should mention the missing id, got: %v", err)
	}
}

func TestValidate_InvalidTriggerConfig(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
patterns:
  definitions:
    - id: p1
      name: Broken
      caption_mention:
        enabled: true
        response_channel: chat
        mode: immediate
        queued:
          auto_raise_hand: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for queued options on an immediate trigger, got nil")
	}
	if !strings.Contains(err.Error(), "queued options") {
		t.Errorf("error should mention the mismatched options, got: %v", err)
	}
}

func TestValidate_ActiveMustMatchDefinition(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  name: Steve Johnson
patterns:
  active: missing
  definitions:
    - id: p1
      name: Only
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for active pattern not matching any definition, got nil")
	}
	if !strings.Contains(err.Error(), "patterns.active") {
		t.Errorf("error should mention patterns.active, got: %v", err)
	}
}

func TestValidate_ActiveResolvedByStoreWhenPostgres(t *testing.T) {
	t.Parallel()
	// With a Postgres DSN the active pattern may live only in the
	// database, so the definition check is skipped.
	yaml := `
agent:
  name: Steve Johnson
patterns:
  postgres_dsn: "postgres://localhost/parley"
  active: db-only
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
matching:
  min_confidence: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "agent.name", "min_confidence"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidLLMProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidLLMProviderNames) == 0 {
		t.Fatal("ValidLLMProviderNames should not be empty")
	}
	if !slices.Contains(config.ValidLLMProviderNames, "openai") {
		t.Error(`ValidLLMProviderNames should contain "openai"`)
	}
}
