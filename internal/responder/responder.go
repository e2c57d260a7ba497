// Package responder generates agent responses for confirmed triggers using an
// LLM backend.
//
// It is the default [behavior.ResponseGenerator]: the trigger's content,
// author and surrounding meeting context are folded into a completion request
// and the reply text is returned verbatim. Deployments that bridge to an
// external agent instead of a raw LLM supply their own generator.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/behavior"
	"github.com/parleyhq/parley/pkg/provider/llm"
)

// agentPlaceholder is replaced by the agent name wherever it appears in the
// system prompt. Plain text substitution, so prompts containing stray format
// verbs stay intact.
const agentPlaceholder = "{agent}"

const defaultSystemPrompt = `You are {agent}, a participant in a live meeting.
You were addressed by name and must reply helpfully and briefly.
Reply with the message text only, no preamble, no quotation marks.
Keep the reply under three sentences unless the request clearly needs more.`

// Generator produces responses through an [llm.Provider].
type Generator struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
}

// Compile-time interface check.
var _ behavior.ResponseGenerator = (*Generator)(nil)

// Option is a functional option for configuring a [Generator].
type Option func(*Generator)

// WithSystemPrompt replaces the default system prompt. Every occurrence of
// "{agent}" in the prompt is replaced by the agent name; a prompt without the
// placeholder is used verbatim.
func WithSystemPrompt(prompt string) Option {
	return func(g *Generator) { g.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature. Default: 0.7.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// WithMaxTokens caps the reply length. Default: 400.
func WithMaxTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// New creates a Generator for the named agent.
func New(provider llm.Provider, agentName string, opts ...Option) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("responder: llm provider is required")
	}
	g := &Generator{
		provider:     provider,
		systemPrompt: defaultSystemPrompt,
		temperature:  0.7,
		maxTokens:    400,
	}
	for _, o := range opts {
		o(g)
	}
	g.systemPrompt = strings.ReplaceAll(g.systemPrompt, agentPlaceholder, agentName)
	return g, nil
}

// Generate implements [behavior.ResponseGenerator].
func (g *Generator) Generate(ctx context.Context, trigger behavior.TriggerContext) (*behavior.GeneratedResponse, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s said: %q", displayAuthor(trigger.Author), trigger.Content)
	if trigger.Source == behavior.SourceChatMention {
		sb.WriteString("\n(The message arrived via the meeting chat.)")
	}
	if trigger.MeetingContext != "" {
		fmt.Fprintf(&sb, "\n\nRecent meeting context:\n%s", trigger.MeetingContext)
	}

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: g.systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String(), Name: trigger.Author},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("responder: completion: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, fmt.Errorf("responder: llm returned an empty reply")
	}
	return &behavior.GeneratedResponse{Text: text}, nil
}

func displayAuthor(author string) string {
	if author == "" {
		return "A participant"
	}
	return author
}
