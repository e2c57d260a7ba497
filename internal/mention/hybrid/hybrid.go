// Package hybrid layers an optional LLM on top of the local mention matcher.
//
// Local matching in [mention.Matcher] is fast and free but structurally blind
// to two classes of mention: indirect references ("the assistant", "the bot")
// and speech-to-text manglings too far from any variation for edit distance.
// The [Escalator] consults an [llm.Provider] only when the local decision is
// ambiguous, so confident local results never pay LLM latency or cost:
//
//   - local confidence ≥ the ambiguous threshold (0.85): local result wins,
//     no LLM call;
//   - local mention with confidence ≥ the minimum threshold (0.50): the LLM
//     validates or upgrades the marginal match;
//   - no confident local match: the LLM probes for indirect references.
//
// An unconfigured LLM, a failed call, or an unparseable response all degrade
// to the local result — escalation never surfaces an error to its caller.
package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/mention"
	"github.com/parleyhq/parley/pkg/provider/llm"
)

const (
	// defaultAmbiguousThreshold is the local confidence at or above which the
	// LLM is never consulted.
	defaultAmbiguousThreshold = 0.85

	// defaultMinConfidenceThreshold is the minimum local confidence for a
	// match to be worth validating rather than re-probing from scratch.
	defaultMinConfidenceThreshold = 0.50

	defaultTemperature = 0.1
)

// validatePromptTemplate asks the model to confirm or reject a marginal local
// match. The agent name and its variations are interpolated at call time.
const validatePromptTemplate = `You analyse live meeting captions to decide whether an AI meeting agent was addressed.

The agent's name is %q. Known spoken variations: %s.

Captions come from speech recognition and frequently mangle names ("Steve" heard as "steep", "stove", "steam"). A local matcher flagged the text below as a possible mention with marginal confidence. Decide whether the agent really was addressed, accounting for phonetic mangling.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "correctedText": "<the caption with any mangled agent name fixed, else unchanged>",
  "nameDetected": <true|false>,
  "detectedAs": "<the word or phrase that addresses the agent, or empty>",
  "isIndirectReference": <true|false>,
  "confidence": <0.0-1.0>,
  "reasoning": "<one short sentence>"
}`

// indirectPromptTemplate asks the model to find addressings that carry no
// name at all.
const indirectPromptTemplate = `You analyse live meeting captions to decide whether an AI meeting agent was addressed.

The agent's name is %q. Known spoken variations: %s.

The text below contains no recognisable form of the name. Decide whether the agent is addressed INDIRECTLY — phrases like "the AI", "the bot", "the assistant", "hey assistant", "our agent". Ordinary talk about AI in general is NOT an addressing.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "correctedText": "<the caption, unchanged>",
  "nameDetected": <true|false>,
  "detectedAs": "<the indirect phrase that addresses the agent, or empty>",
  "isIndirectReference": <true|false>,
  "confidence": <0.0-1.0>,
  "reasoning": "<one short sentence>"
}`

// decision is the JSON contract for both escalation prompts.
type decision struct {
	CorrectedText       string  `json:"correctedText"`
	NameDetected        bool    `json:"nameDetected"`
	DetectedAs          string  `json:"detectedAs"`
	IsIndirectReference bool    `json:"isIndirectReference"`
	Confidence          float64 `json:"confidence"`
	Reasoning           string  `json:"reasoning"`
}

// Option is a functional option for configuring an [Escalator].
type Option func(*Escalator)

// WithAmbiguousThreshold sets the local confidence at or above which the LLM
// is skipped. Default: 0.85.
func WithAmbiguousThreshold(threshold float64) Option {
	return func(e *Escalator) {
		e.ambiguousThreshold = threshold
	}
}

// WithMinConfidenceThreshold sets the minimum local confidence for the
// validation path. Default: 0.50.
func WithMinConfidenceThreshold(threshold float64) Option {
	return func(e *Escalator) {
		e.minConfidence = threshold
	}
}

// WithTemperature sets the LLM sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(e *Escalator) {
		e.temperature = temp
	}
}

// Escalator wraps a [mention.Matcher] with confidence-tiered LLM escalation.
// It is safe for concurrent use.
type Escalator struct {
	matcher   *mention.Matcher
	provider  llm.Provider // nil disables escalation
	agentName string

	ambiguousThreshold float64
	minConfidence      float64
	temperature        float64

	// disabledOnce gates the one-time "LLM not configured" log line.
	disabledOnce sync.Once
}

// New creates an Escalator. provider may be nil, in which case every call
// returns the local matcher's result unchanged.
func New(matcher *mention.Matcher, provider llm.Provider, agentName string, opts ...Option) *Escalator {
	e := &Escalator{
		matcher:            matcher,
		provider:           provider,
		agentName:          agentName,
		ambiguousThreshold: defaultAmbiguousThreshold,
		minConfidence:      defaultMinConfidenceThreshold,
		temperature:        defaultTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enabled reports whether an LLM provider is configured.
func (e *Escalator) Enabled() bool {
	return e.provider != nil
}

// DetectMention runs the local matcher and escalates to the LLM only when the
// local decision is ambiguous. meetingContext is optional free text (meeting
// title, participant list) included in the prompt when non-empty.
//
// The returned result always satisfies the matcher invariant: IsMentioned
// implies a non-empty MatchedVariation.
func (e *Escalator) DetectMention(ctx context.Context, text, meetingContext string) mention.Result {
	local := e.matcher.DetectMention(text)

	// Confident local decision: never pay for the LLM.
	if local.IsMentioned && local.Confidence >= e.ambiguousThreshold {
		return local
	}

	if e.provider == nil {
		e.disabledOnce.Do(func() {
			slog.Info("hybrid escalation disabled; no LLM configured, using local matching only")
		})
		return local
	}

	var prompt string
	if local.IsMentioned && local.Confidence >= e.minConfidence {
		prompt = validatePromptTemplate
	} else {
		prompt = indirectPromptTemplate
	}

	dec, err := e.ask(ctx, prompt, text, meetingContext)
	if err != nil {
		// EscalationFailure: fall back to the local result, never propagate.
		slog.Warn("mention escalation failed; using local result", "err", err)
		return local
	}

	return e.merge(local, dec)
}

// ask sends one escalation prompt and parses the decision.
func (e *Escalator) ask(ctx context.Context, promptTemplate, text, meetingContext string) (*decision, error) {
	sysPrompt := fmt.Sprintf(promptTemplate, e.agentName, strings.Join(e.matcher.Variations(), ", "))

	userMsg := text
	if meetingContext != "" {
		userMsg = fmt.Sprintf("Meeting context: %s\n\nCaption: %s", meetingContext, text)
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sysPrompt,
		Temperature:  e.temperature,
		Messages: []llm.Message{
			{Role: "user", Content: userMsg},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid: complete: %w", err)
	}
	return parseDecision(resp.Content)
}

// merge turns an LLM decision into the final result, keeping the local result
// as the floor: a positive decision upgrades, a negative validation vetoes a
// marginal local match.
func (e *Escalator) merge(local mention.Result, dec *decision) mention.Result {
	if !dec.NameDetected {
		// The model examined the marginal match and rejected it, or found no
		// indirect reference. Either way the text is not a mention.
		return mention.Result{LLMEnhanced: true}
	}

	matched := strings.ToLower(strings.TrimSpace(dec.DetectedAs))
	if matched == "" {
		if local.MatchedVariation != "" {
			matched = local.MatchedVariation
		} else {
			matched = strings.ToLower(e.agentName)
		}
	}

	conf := dec.Confidence
	if conf <= 0 || conf > 1 {
		conf = phonemeFallbackConfidence(local)
	}

	return mention.Result{
		IsMentioned:       true,
		MatchedVariation:  matched,
		Confidence:        conf,
		FuzzyMatch:        !dec.IsIndirectReference,
		LLMEnhanced:       true,
		IndirectReference: dec.IsIndirectReference,
	}
}

// phonemeFallbackConfidence picks a confidence when the model omitted one.
func phonemeFallbackConfidence(local mention.Result) float64 {
	if local.Confidence > 0 {
		return local.Confidence
	}
	return defaultMinConfidenceThreshold
}

// parseDecision unmarshals the LLM output, stripping markdown fences first.
// A malformed payload falls back to best-effort boolean sniffing before
// giving up with an error.
func parseDecision(content string) (*decision, error) {
	cleaned := stripMarkdown(content)

	var dec decision
	if err := json.Unmarshal([]byte(cleaned), &dec); err == nil {
		return &dec, nil
	}

	// Best-effort sniff: some models reply with bare booleans or truncated
	// JSON. A recognisable positive or negative is still usable.
	squashed := strings.ToLower(strings.Join(strings.Fields(cleaned), ""))
	switch {
	case strings.Contains(squashed, `"namedetected":true`):
		return &decision{NameDetected: true}, nil
	case strings.Contains(squashed, `"namedetected":false`):
		return &decision{}, nil
	case squashed == "true" || squashed == "yes":
		return &decision{NameDetected: true}, nil
	case squashed == "false" || squashed == "no":
		return &decision{}, nil
	}

	return nil, fmt.Errorf("hybrid: unparseable escalation response %.60q", content)
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
