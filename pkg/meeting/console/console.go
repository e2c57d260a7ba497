// Package console implements the meeting collaborator contracts on top of a
// line-oriented text stream, typically stdin/stdout. It exists so the engine
// can be exercised end to end without a meeting provider.
//
// Input line formats:
//
//	Alice: we should ask Steve about that     caption from Alice
//	/chat Bob: Steve can you post the doc?    chat message from Bob
//	/lower                                    the agent's hand was lowered
//
// Lines without a "Speaker:" prefix are attributed to DefaultSpeaker.
// Outbound chat, speech and hand state changes are printed to the writer with
// a channel prefix.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/meeting"
)

// DefaultSpeaker is attributed to input lines without a speaker prefix.
const DefaultSpeaker = "participant"

// Compile-time interface assertions.
var (
	_ meeting.CaptionSource = (*Console)(nil)
	_ meeting.ChatSource    = (*Console)(nil)
	_ meeting.ChatSender    = (*Console)(nil)
	_ meeting.SpeechSender  = (*Console)(nil)
	_ meeting.HandControl   = (*Console)(nil)
)

// Console is a meeting backed by a text stream. Create with [New], register
// handlers through the collaborator interfaces, then call [Console.Run] to
// start consuming input.
type Console struct {
	in  io.Reader
	out io.Writer

	mu         sync.Mutex
	onCaption  func(meeting.CaptionEvent)
	onChat     func(meeting.ChatMessage)
	onLowered  func()
	handRaised bool
}

// New creates a Console reading input lines from in and writing agent output
// to out.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// OnCaption registers the caption handler.
func (c *Console) OnCaption(fn func(meeting.CaptionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCaption = fn
}

// OnChat registers the chat handler.
func (c *Console) OnChat(fn func(meeting.ChatMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

// OnHandLowered registers the hand-lowered handler.
func (c *Console) OnHandLowered(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLowered = fn
}

// SendChat prints text as an agent chat message.
func (c *Console) SendChat(_ context.Context, text string) error {
	return c.print("[chat] " + text)
}

// Speak prints text as agent speech.
func (c *Console) Speak(_ context.Context, text string) error {
	return c.print("[speech] " + text)
}

// RaiseHand marks the agent's hand as raised.
func (c *Console) RaiseHand(context.Context) error {
	c.mu.Lock()
	c.handRaised = true
	c.mu.Unlock()
	return c.print("[hand] raised")
}

// LowerHand lowers the agent's hand and notifies the registered handler, the
// same as a host lowering it through /lower.
func (c *Console) LowerHand(context.Context) error {
	if err := c.print("[hand] lowered"); err != nil {
		return err
	}
	c.notifyLowered()
	return nil
}

// HandRaised reports whether the agent's hand is currently raised.
func (c *Console) HandRaised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handRaised
}

// Run consumes input lines until the reader is exhausted or ctx is cancelled.
// It returns nil on EOF.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.handleLine(strings.TrimSpace(scanner.Text()))
	}
	return scanner.Err()
}

// handleLine dispatches one input line to the registered handlers.
func (c *Console) handleLine(line string) {
	if line == "" {
		return
	}

	switch {
	case line == "/lower":
		c.notifyLowered()

	case strings.HasPrefix(line, "/chat "):
		sender, content := splitSpeaker(strings.TrimPrefix(line, "/chat "))
		c.mu.Lock()
		fn := c.onChat
		c.mu.Unlock()
		if fn != nil {
			fn(meeting.ChatMessage{
				Sender:    sender,
				Content:   content,
				Timestamp: time.Now(),
			})
		}

	default:
		speaker, text := splitSpeaker(line)
		c.mu.Lock()
		fn := c.onCaption
		c.mu.Unlock()
		if fn != nil {
			fn(meeting.CaptionEvent{
				Speaker:   speaker,
				Text:      text,
				Timestamp: time.Now(),
				IsFinal:   true,
			})
		}
	}
}

func (c *Console) notifyLowered() {
	c.mu.Lock()
	c.handRaised = false
	fn := c.onLowered
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Console) print(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	if err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	return nil
}

// maxSpeakerLen bounds how much of a line is treated as a "Speaker:" prefix.
const maxSpeakerLen = 40

// splitSpeaker separates an optional "Speaker:" prefix from the line body.
// Lines without one are attributed to [DefaultSpeaker].
func splitSpeaker(line string) (speaker, text string) {
	before, after, ok := strings.Cut(line, ":")
	if !ok || len(before) > maxSpeakerLen {
		return DefaultSpeaker, line
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}
