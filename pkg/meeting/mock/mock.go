// Package mock provides test doubles for the meeting collaborator contracts.
//
// The doubles record every call and let tests push caption/chat/hand events
// into the engine without a live meeting provider. Error fields inject
// delivery and hand-raise failures.
package mock

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/pkg/meeting"
)

// Meeting is a combined mock implementing [meeting.CaptionSource],
// [meeting.ChatSource], [meeting.ChatSender], [meeting.SpeechSender], and
// [meeting.HandControl]. A single instance stands in for the whole meeting
// provider in engine tests.
type Meeting struct {
	mu sync.Mutex

	captionHandler func(meeting.CaptionEvent)
	chatHandler    func(meeting.ChatMessage)
	loweredHandler func()

	// --- Configurable errors ---

	// SendChatErr, if non-nil, is returned by SendChat.
	SendChatErr error

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	// RaiseHandErr, if non-nil, is returned by RaiseHand.
	RaiseHandErr error

	// LowerHandErr, if non-nil, is returned by LowerHand.
	LowerHandErr error

	// --- Call records (read after test) ---

	// ChatSent records every text passed to SendChat, in order.
	ChatSent []string

	// Spoken records every text passed to Speak, in order.
	Spoken []string

	// RaiseHandCalls counts RaiseHand invocations.
	RaiseHandCalls int

	// LowerHandCalls counts LowerHand invocations.
	LowerHandCalls int
}

// Compile-time interface checks.
var (
	_ meeting.CaptionSource = (*Meeting)(nil)
	_ meeting.ChatSource    = (*Meeting)(nil)
	_ meeting.ChatSender    = (*Meeting)(nil)
	_ meeting.SpeechSender  = (*Meeting)(nil)
	_ meeting.HandControl   = (*Meeting)(nil)
)

// OnCaption implements meeting.CaptionSource.
func (m *Meeting) OnCaption(h func(meeting.CaptionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captionHandler = h
}

// OnChat implements meeting.ChatSource.
func (m *Meeting) OnChat(h func(meeting.ChatMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatHandler = h
}

// OnHandLowered implements meeting.HandControl.
func (m *Meeting) OnHandLowered(h func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loweredHandler = h
}

// SendChat implements meeting.ChatSender.
func (m *Meeting) SendChat(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendChatErr != nil {
		return m.SendChatErr
	}
	m.ChatSent = append(m.ChatSent, text)
	return nil
}

// Speak implements meeting.SpeechSender.
func (m *Meeting) Speak(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpeakErr != nil {
		return m.SpeakErr
	}
	m.Spoken = append(m.Spoken, text)
	return nil
}

// RaiseHand implements meeting.HandControl.
func (m *Meeting) RaiseHand(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RaiseHandCalls++
	return m.RaiseHandErr
}

// LowerHand implements meeting.HandControl.
func (m *Meeting) LowerHand(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LowerHandCalls++
	return m.LowerHandErr
}

// PushCaption delivers a caption event to the registered handler.
// It is a no-op when no handler is registered.
func (m *Meeting) PushCaption(ev meeting.CaptionEvent) {
	m.mu.Lock()
	h := m.captionHandler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// PushChat delivers a chat message to the registered handler.
func (m *Meeting) PushChat(msg meeting.ChatMessage) {
	m.mu.Lock()
	h := m.chatHandler
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// PushHandLowered delivers a hand-lowered notification to the registered handler.
func (m *Meeting) PushHandLowered() {
	m.mu.Lock()
	h := m.loweredHandler
	m.mu.Unlock()
	if h != nil {
		h()
	}
}

// SentChat returns a snapshot of all chat texts sent so far.
func (m *Meeting) SentChat() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ChatSent))
	copy(out, m.ChatSent)
	return out
}

// SpokenTexts returns a snapshot of all spoken texts so far.
func (m *Meeting) SpokenTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Spoken))
	copy(out, m.Spoken)
	return out
}
