package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/provider/llm"
)

// correctPromptTemplate instructs the model to fix phonetic speech-to-text
// errors without touching anything else.
const correctPromptTemplate = `You correct speech-to-text errors in live meeting captions.

The meeting includes an AI agent named %q (spoken variations: %s).

Rules:
- ONLY fix words that are likely phonetic mishearings — mangled names (including the agent's) and obvious homophones ("their"/"there" class errors).
- Do NOT rephrase, reorder, summarise, or change the meaning of the caption.
- If nothing needs fixing, return the caption unchanged.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"correctedText": "<the corrected caption>"}`

// correction is the JSON contract for the correction prompt.
type correction struct {
	CorrectedText string `json:"correctedText"`
}

// CorrectCaption rewrites text to fix likely phonetic speech-to-text errors.
// It is independent of mention detection: callers may run it on any caption
// before display or analysis.
//
// When no LLM is configured, or when the response is unparseable, the
// original text is returned unchanged with a nil error. Only transport-level
// failures (network, cancellation) surface as errors.
func (e *Escalator) CorrectCaption(ctx context.Context, text string) (string, error) {
	if e.provider == nil || text == "" {
		return text, nil
	}

	sysPrompt := fmt.Sprintf(correctPromptTemplate, e.agentName, strings.Join(e.matcher.Variations(), ", "))

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sysPrompt,
		Temperature:  e.temperature,
		Messages: []llm.Message{
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return text, fmt.Errorf("hybrid: correct caption: %w", err)
	}

	var c correction
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &c); err != nil || c.CorrectedText == "" {
		// Unparseable response: keep the original, no error.
		return text, nil
	}
	return c.CorrectedText, nil
}
