package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/mention"
	"github.com/parleyhq/parley/pkg/meeting"
)

// PatternSource provides the currently selected behavior pattern. The
// processor reads it fresh on every trigger so pattern switches take effect
// immediately.
type PatternSource interface {
	ActivePattern(ctx context.Context) (AgentBehaviorPattern, error)
}

// Instrumentation receives pipeline timing measurements. Implementations must
// be safe for concurrent use; a nil hook disables recording.
type Instrumentation interface {
	// RecordGeneration is called once per response generation.
	RecordGeneration(ctx context.Context, d time.Duration)

	// RecordDelivery is called once per delivery attempt with the configured
	// channel name.
	RecordDelivery(ctx context.Context, channel string, d time.Duration)
}

// Processor classifies confirmed triggers, generates responses and routes
// them according to the active behavior pattern.
type Processor struct {
	patterns  PatternSource
	generator ResponseGenerator
	store     *Store
	emitter   *Emitter

	chat        meeting.ChatSender
	speech      meeting.SpeechSender
	hands       meeting.HandControl
	matcher     *mention.Matcher
	instruments Instrumentation
	logger      *slog.Logger
}

// ProcessorOption is a functional option for configuring a [Processor].
type ProcessorOption func(*Processor)

// WithChatSender wires the chat delivery channel.
func WithChatSender(s meeting.ChatSender) ProcessorOption {
	return func(p *Processor) { p.chat = s }
}

// WithSpeechSender wires the speech delivery channel.
func WithSpeechSender(s meeting.SpeechSender) ProcessorOption {
	return func(p *Processor) { p.speech = s }
}

// WithHandControl wires the meeting hand-raise capability used by queued
// mode.
func WithHandControl(h meeting.HandControl) ProcessorOption {
	return func(p *Processor) { p.hands = h }
}

// WithMatcher wires the name matcher used to screen chat messages. Chat text
// is typed, not speech-recognized, so screening uses literal variation
// containment only.
func WithMatcher(m *mention.Matcher) ProcessorOption {
	return func(p *Processor) { p.matcher = m }
}

// WithInstrumentation wires the pipeline metrics hook.
func WithInstrumentation(i Instrumentation) ProcessorOption {
	return func(p *Processor) { p.instruments = i }
}

// WithProcessorLogger sets the logger. Defaults to [slog.Default].
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor. patterns, generator, store and emitter
// are required; delivery channels are wired through options and may be
// absent, in which case deliveries over them fail.
func NewProcessor(patterns PatternSource, generator ResponseGenerator, store *Store, emitter *Emitter, opts ...ProcessorOption) (*Processor, error) {
	if patterns == nil {
		return nil, fmt.Errorf("behavior: pattern source is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("behavior: response generator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("behavior: store is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("behavior: emitter is required")
	}

	p := &Processor{
		patterns:  patterns,
		generator: generator,
		store:     store,
		emitter:   emitter,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ProcessTrigger runs the full trigger pipeline: pattern lookup, response
// generation, pending-response creation and mode-dependent routing. Returns
// nil without error when the trigger source is disabled by the active
// pattern. Delivery failures are reported through the response status and
// the event stream, not as a returned error.
func (p *Processor) ProcessTrigger(ctx context.Context, trigger TriggerContext) (*PendingResponse, error) {
	pattern, err := p.patterns.ActivePattern(ctx)
	if err != nil {
		return nil, fmt.Errorf("behavior: loading active pattern: %w", err)
	}
	cfg := pattern.configFor(trigger.Source)

	p.emit(EventTriggerDetected, &trigger, nil, "")

	if !cfg.Enabled {
		p.logger.Debug("behavior: trigger source disabled by pattern",
			"source", string(trigger.Source), "pattern", pattern.Name)
		return nil, nil
	}

	genStart := time.Now()
	gen, err := p.generator.Generate(ctx, trigger)
	if p.instruments != nil {
		p.instruments.RecordGeneration(ctx, time.Since(genStart))
	}
	if err != nil {
		p.emit(EventResponseFailed, &trigger, nil, err.Error())
		return nil, fmt.Errorf("behavior: generating response: %w", err)
	}

	switch cfg.Mode {
	case ModeImmediate:
		pr := p.store.Create(trigger, gen.Text, cfg.ResponseChannel, cfg.Mode, StatusApproved)
		p.emit(EventResponseGenerated, &trigger, &pr, "")
		final := p.deliver(ctx, pr)
		return &final, nil

	case ModeControlled:
		pr := p.store.Create(trigger, gen.Text, cfg.ResponseChannel, cfg.Mode, StatusPending)
		p.emit(EventResponseGenerated, &trigger, &pr, "")
		p.emit(EventResponseQueued, &trigger, &pr, "")
		if cfg.Controlled != nil && cfg.Controlled.ApprovalTimeout > 0 {
			p.scheduleApprovalTimeout(pr.ID, cfg.Controlled.ApprovalTimeout)
		}
		return &pr, nil

	case ModeQueued:
		if cfg.Queued != nil && cfg.Queued.AutoRaiseHand {
			pr := p.store.Create(trigger, gen.Text, cfg.ResponseChannel, cfg.Mode, StatusHandRaised)
			p.emit(EventResponseGenerated, &trigger, &pr, "")
			return p.raiseHand(ctx, pr), nil
		}
		// Without auto hand-raise the queued response waits like a
		// controlled one until someone approves it.
		pr := p.store.Create(trigger, gen.Text, cfg.ResponseChannel, cfg.Mode, StatusPending)
		p.emit(EventResponseGenerated, &trigger, &pr, "")
		p.emit(EventResponseQueued, &trigger, &pr, "")
		return &pr, nil

	default:
		return nil, fmt.Errorf("behavior: pattern %q has invalid mode %q", pattern.Name, cfg.Mode)
	}
}

// ProcessChatMessage screens a chat message for a literal agent mention and,
// on a hit, runs the trigger pipeline. Messages without a mention return
// (nil, nil).
func (p *Processor) ProcessChatMessage(ctx context.Context, msg meeting.ChatMessage) (*PendingResponse, error) {
	if p.matcher == nil || !p.matcher.ContainsVariation(msg.Content) {
		return nil, nil
	}
	return p.ProcessTrigger(ctx, TriggerContext{
		Source:    SourceChatMention,
		Content:   msg.Content,
		Author:    msg.Sender,
		AuthorID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	})
}

// Approve clears a pending response for delivery and delivers it.
func (p *Processor) Approve(ctx context.Context, id string) (*PendingResponse, error) {
	pr, err := p.store.Transition(id, StatusApproved)
	if err != nil {
		return nil, err
	}
	p.emit(EventResponseApproved, nil, &pr, "")
	final := p.deliver(ctx, pr)
	return &final, nil
}

// Reject declines a pending response.
func (p *Processor) Reject(id string) (*PendingResponse, error) {
	pr, err := p.store.Transition(id, StatusRejected)
	if err != nil {
		return nil, err
	}
	p.emit(EventResponseRejected, nil, &pr, "")
	return &pr, nil
}

// Dismiss discards a pending response without review.
func (p *Processor) Dismiss(id string) (*PendingResponse, error) {
	pr, err := p.store.Transition(id, StatusDismissed)
	if err != nil {
		return nil, err
	}
	p.emit(EventResponseDismissed, nil, &pr, "")
	return &pr, nil
}

// OnHandLowered releases the single oldest hand-raised queued response, FIFO
// by creation order. At most one response is delivered per call; further
// hand-raised responses wait for their own hand-lowered notification.
func (p *Processor) OnHandLowered(ctx context.Context) {
	p.emit(EventHandLowered, nil, nil, "")

	pr, ok := p.store.OldestHandRaised()
	if !ok {
		return
	}
	p.deliver(ctx, pr)
}

// raiseHand invokes the hand-raise capability for a freshly queued response.
// On failure the response reverts to pending so it can be approved manually
// instead of being stranded in hand-raised.
func (p *Processor) raiseHand(ctx context.Context, pr PendingResponse) *PendingResponse {
	var err error
	if p.hands == nil {
		err = fmt.Errorf("behavior: no hand control configured")
	} else {
		err = p.hands.RaiseHand(ctx)
	}
	if err != nil {
		p.logger.Warn("behavior: hand raise failed, reverting response to pending",
			"response_id", pr.ID, "error", err)
		reverted, terr := p.store.Transition(pr.ID, StatusPending)
		if terr != nil {
			p.logger.Error("behavior: reverting failed hand raise", "response_id", pr.ID, "error", terr)
			return &pr
		}
		p.emit(EventResponseQueued, nil, &reverted, err.Error())
		return &reverted
	}

	p.emit(EventHandRaised, nil, &pr, "")
	return &pr
}

// deliver dispatches the response over its configured channel(s) and settles
// the final status. Both channels of a "both" response fire concurrently and
// the status update waits for both to settle; any single channel failure
// marks the whole response failed, with per-channel outcomes recorded.
func (p *Processor) deliver(ctx context.Context, pr PendingResponse) PendingResponse {
	snap, err := p.store.Transition(pr.ID, StatusSending)
	if err != nil {
		p.logger.Error("behavior: response not deliverable", "response_id", pr.ID, "error", err)
		return pr
	}
	p.emit(EventResponseSending, nil, &snap, "")

	sendStart := time.Now()
	var chatOut, speechOut ChannelOutcome
	switch snap.ResponseChannel {
	case ChannelChat:
		chatOut = p.sendChat(ctx, snap.ResponseText)
	case ChannelSpeech:
		speechOut = p.sendSpeech(ctx, snap.ResponseText)
	case ChannelBoth:
		var g errgroup.Group
		g.Go(func() error {
			chatOut = p.sendChat(ctx, snap.ResponseText)
			return nil
		})
		g.Go(func() error {
			speechOut = p.sendSpeech(ctx, snap.ResponseText)
			return nil
		})
		// Goroutines report through the outcomes, never through errors.
		_ = g.Wait()
	}
	if p.instruments != nil {
		p.instruments.RecordDelivery(ctx, string(snap.ResponseChannel), time.Since(sendStart))
	}

	if msg := deliveryError(chatOut, speechOut); msg != "" {
		failed, ferr := p.store.Fail(snap.ID, msg, chatOut, speechOut)
		if ferr != nil {
			p.logger.Error("behavior: recording delivery failure", "response_id", snap.ID, "error", ferr)
			return snap
		}
		p.emit(EventResponseFailed, nil, &failed, msg)
		return failed
	}

	sent, serr := p.store.Sent(snap.ID, chatOut, speechOut)
	if serr != nil {
		p.logger.Error("behavior: recording delivery", "response_id", snap.ID, "error", serr)
		return snap
	}
	p.emit(EventResponseSent, nil, &sent, "")
	return sent
}

func (p *Processor) sendChat(ctx context.Context, text string) ChannelOutcome {
	out := ChannelOutcome{Attempted: true}
	if p.chat == nil {
		out.Err = "no chat sender configured"
		return out
	}
	if err := p.chat.SendChat(ctx, text); err != nil {
		out.Err = err.Error()
		return out
	}
	out.Delivered = true
	return out
}

func (p *Processor) sendSpeech(ctx context.Context, text string) ChannelOutcome {
	out := ChannelOutcome{Attempted: true}
	if p.speech == nil {
		out.Err = "no speech sender configured"
		return out
	}
	if err := p.speech.Speak(ctx, text); err != nil {
		out.Err = err.Error()
		return out
	}
	out.Delivered = true
	return out
}

// deliveryError combines per-channel failures into a single message, empty
// when every attempted channel delivered.
func deliveryError(chat, speech ChannelOutcome) string {
	var parts []string
	if chat.Attempted && chat.Err != "" {
		parts = append(parts, "chat: "+chat.Err)
	}
	if speech.Attempted && speech.Err != "" {
		parts = append(parts, "speech: "+speech.Err)
	}
	return strings.Join(parts, "; ")
}

// scheduleApprovalTimeout dismisses the response if it is still pending when
// the approval window closes. An approval or rejection in the meantime makes
// the dismissal transition invalid, which is the intended no-op.
func (p *Processor) scheduleApprovalTimeout(id string, d time.Duration) {
	time.AfterFunc(d, func() {
		snap, ok := p.store.Get(id)
		if !ok || snap.Status != StatusPending {
			return
		}
		dismissed, err := p.store.Transition(id, StatusDismissed)
		if err != nil {
			return
		}
		p.logger.Info("behavior: approval window elapsed, dismissing response", "response_id", id)
		p.emit(EventResponseDismissed, nil, &dismissed, "approval timeout")
	})
}

func (p *Processor) emit(t EventType, trigger *TriggerContext, resp *PendingResponse, errMsg string) {
	p.emitter.Emit(Event{
		Type:      t,
		Timestamp: time.Now(),
		Trigger:   trigger,
		Response:  resp,
		Err:       errMsg,
	})
}
