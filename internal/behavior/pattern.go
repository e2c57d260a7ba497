// Package behavior turns confirmed mention triggers into generated, routed
// and delivered agent responses.
//
// A configurable [AgentBehaviorPattern] decides per trigger source whether
// the agent responds at all, over which channel, and under which delivery
// mode: immediately, after human approval, or queued behind a raised hand.
// Every in-flight response is tracked by the [Store] as a [PendingResponse]
// with an explicit status lifecycle, and every significant step is published
// to subscribers through the [Emitter].
package behavior

import (
	"fmt"
	"time"
)

// Channel selects where a response is delivered.
type Channel string

const (
	ChannelChat   Channel = "chat"
	ChannelSpeech Channel = "speech"
	ChannelBoth   Channel = "both"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelChat, ChannelSpeech, ChannelBoth:
		return true
	}
	return false
}

// Mode selects the delivery strategy for a trigger.
type Mode string

const (
	// ModeImmediate delivers the response as soon as it is generated.
	ModeImmediate Mode = "immediate"

	// ModeControlled holds the response for explicit human approval.
	ModeControlled Mode = "controlled"

	// ModeQueued defers delivery until the meeting hand is lowered,
	// optionally raising the hand automatically.
	ModeQueued Mode = "queued"
)

func (m Mode) valid() bool {
	switch m {
	case ModeImmediate, ModeControlled, ModeQueued:
		return true
	}
	return false
}

// ControlledOptions tunes [ModeControlled] delivery.
type ControlledOptions struct {
	// ApprovalTimeout dismisses a response that is still awaiting approval
	// after this duration. Zero waits indefinitely.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approvalTimeout"`
}

// QueuedOptions tunes [ModeQueued] delivery.
type QueuedOptions struct {
	// AutoRaiseHand raises the meeting hand as soon as the response is
	// generated. Without it the response waits in pending like a
	// controlled one.
	AutoRaiseHand bool `yaml:"auto_raise_hand" json:"autoRaiseHand"`
}

// TriggerConfig configures how one trigger source is handled. The option
// structs are variant-specific: Controlled is only meaningful for
// [ModeControlled] and Queued only for [ModeQueued]; Validate rejects
// mismatched combinations.
type TriggerConfig struct {
	Enabled         bool               `yaml:"enabled" json:"enabled"`
	ResponseChannel Channel            `yaml:"response_channel" json:"responseChannel"`
	Mode            Mode               `yaml:"mode" json:"behaviorMode"`
	Controlled      *ControlledOptions `yaml:"controlled,omitempty" json:"controlledOptions,omitempty"`
	Queued          *QueuedOptions     `yaml:"queued,omitempty" json:"queuedOptions,omitempty"`
}

// Validate checks the config for internal consistency.
func (tc TriggerConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if !tc.ResponseChannel.valid() {
		return fmt.Errorf("behavior: invalid response channel %q", tc.ResponseChannel)
	}
	if !tc.Mode.valid() {
		return fmt.Errorf("behavior: invalid mode %q", tc.Mode)
	}
	if tc.Controlled != nil && tc.Mode != ModeControlled {
		return fmt.Errorf("behavior: controlled options set but mode is %q", tc.Mode)
	}
	if tc.Queued != nil && tc.Mode != ModeQueued {
		return fmt.Errorf("behavior: queued options set but mode is %q", tc.Mode)
	}
	return nil
}

// AgentBehaviorPattern is a named pair of trigger configurations, one per
// trigger source. Patterns are configuration data; the engine only reads the
// currently selected one.
type AgentBehaviorPattern struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	CaptionMention TriggerConfig `yaml:"caption_mention" json:"captionMention"`
	ChatMention    TriggerConfig `yaml:"chat_mention" json:"chatMention"`
}

// Validate checks both trigger configurations.
func (p AgentBehaviorPattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("behavior: pattern %q has no name", p.ID)
	}
	if err := p.CaptionMention.Validate(); err != nil {
		return fmt.Errorf("behavior: pattern %q caption mention: %w", p.Name, err)
	}
	if err := p.ChatMention.Validate(); err != nil {
		return fmt.Errorf("behavior: pattern %q chat mention: %w", p.Name, err)
	}
	return nil
}

// configFor selects the trigger configuration for a source.
func (p AgentBehaviorPattern) configFor(source TriggerSource) TriggerConfig {
	if source == SourceChatMention {
		return p.ChatMention
	}
	return p.CaptionMention
}
