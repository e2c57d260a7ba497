// Package meeting defines the collaborator contracts through which the Parley
// engine observes and acts on a live meeting.
//
// The engine itself never talks to a meeting provider: captions and chat
// messages are pushed in by an injected [CaptionSource] and [ChatSource], and
// agent responses leave through an injected [ChatSender], [SpeechSender], and
// [HandControl]. Implementations wrap whatever SDK joins the actual call;
// the engine treats every collaborator as opaque and tolerates its failures.
//
// Implementations must be safe for concurrent use.
package meeting

import (
	"context"
	"time"
)

// CaptionEvent is a single live-caption fragment as delivered by the meeting
// provider. Fragments are partial until IsFinal is set; only final fragments
// participate in aggregation.
type CaptionEvent struct {
	// Speaker is the display name of the participant the caption belongs to.
	Speaker string

	// Text is the caption fragment text.
	Text string

	// Timestamp is when the meeting provider produced the fragment.
	Timestamp time.Time

	// IsFinal reports whether the provider has finalised this fragment.
	// Non-final fragments may still be revised by the provider.
	IsFinal bool
}

// ChatMessage is a single meeting chat message.
type ChatMessage struct {
	// Sender is the display name of the message author.
	Sender string

	// SenderID is the provider-specific author identifier, when available.
	SenderID string

	// Content is the message text.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// CaptionSource pushes finalising caption events to a registered handler.
// A handler must be registered before the source begins delivering events;
// registering a second handler replaces the first.
type CaptionSource interface {
	// OnCaption registers the handler invoked for every caption event.
	OnCaption(func(CaptionEvent))
}

// ChatSource pushes meeting chat messages to a registered handler.
type ChatSource interface {
	// OnChat registers the handler invoked for every chat message.
	OnChat(func(ChatMessage))
}

// ChatSender posts a message to the meeting chat on behalf of the agent.
type ChatSender interface {
	// SendChat posts text to the meeting chat. A non-nil error marks the
	// delivery as failed; the engine does not retry.
	SendChat(ctx context.Context, text string) error
}

// SpeechSender speaks text into the meeting on behalf of the agent.
// Synthesis and audio playback are entirely the implementation's concern.
type SpeechSender interface {
	// Speak synthesises and plays text. A non-nil error marks the delivery
	// as failed; the engine does not retry.
	Speak(ctx context.Context, text string) error
}

// HandControl raises and lowers the agent's virtual hand in the meeting, and
// notifies the engine when the hand is lowered by any actor (host, self, or
// the agent's own LowerHand call).
type HandControl interface {
	// RaiseHand raises the agent's hand. On error the engine reverts the
	// associated response to its manual-approval state instead of leaving
	// it stranded.
	RaiseHand(ctx context.Context) error

	// LowerHand lowers the agent's hand.
	LowerHand(ctx context.Context) error

	// OnHandLowered registers the handler invoked whenever the agent's hand
	// is lowered, regardless of who lowered it.
	OnHandLowered(func())
}
