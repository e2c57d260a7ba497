package behavior

import (
	"context"
	"time"
)

// TriggerSource identifies where a confirmed mention came from.
type TriggerSource string

const (
	// SourceCaptionMention is a spoken mention detected in live captions.
	SourceCaptionMention TriggerSource = "caption-mention"

	// SourceChatMention is a written mention in the meeting chat.
	SourceChatMention TriggerSource = "chat-mention"
)

// TriggerContext carries everything the response generator needs about a
// confirmed trigger.
type TriggerContext struct {
	// Source is the trigger origin.
	Source TriggerSource

	// Content is the text that triggered the agent.
	Content string

	// Author is the display name of the participant who triggered.
	Author string

	// AuthorID is the participant's provider-assigned ID, when known.
	AuthorID string

	// Timestamp is when the trigger occurred.
	Timestamp time.Time

	// MeetingContext is optional surrounding transcript or meeting state
	// forwarded to the generator verbatim.
	MeetingContext string
}

// GeneratedResponse is the response generator's output.
type GeneratedResponse struct {
	// Text is the response to deliver.
	Text string

	// Confidence is the generator's self-reported confidence, when it
	// provides one. Zero means unreported.
	Confidence float64
}

// ResponseGenerator produces the agent's response for a trigger. The engine
// treats it as opaque and tolerates failure; a failed generation drops the
// trigger without creating a pending response.
type ResponseGenerator interface {
	Generate(ctx context.Context, trigger TriggerContext) (*GeneratedResponse, error)
}
