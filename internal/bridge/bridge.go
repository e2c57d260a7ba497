// Package bridge wires the meeting collaborators to the decision core.
//
// The [Engine] subscribes to caption and chat streams, feeds captions through
// the aggregator, escalates detected mentions and question-shaped unmatched
// text through the hybrid matcher and hands confirmed triggers to the
// behavior processor. It also maintains a
// short rolling transcript that is forwarded to the LLM as meeting context.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/behavior"
	"github.com/parleyhq/parley/internal/captions"
	"github.com/parleyhq/parley/internal/mention"
	"github.com/parleyhq/parley/internal/mention/hybrid"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/pkg/meeting"
)

// transcriptLines caps the rolling transcript forwarded as meeting context.
const transcriptLines = 20

// Sources bundles the inbound meeting collaborators the engine subscribes to.
// Chat and Hands may be nil when the provider does not support them.
type Sources struct {
	Captions meeting.CaptionSource
	Chat     meeting.ChatSource
	Hands    meeting.HandControl
}

// Engine is the assembled decision pipeline for one meeting.
type Engine struct {
	aggregator *captions.Aggregator
	matcher    *mention.Matcher
	escalator  *hybrid.Escalator
	processor  *behavior.Processor
	sources    Sources
	logger     *slog.Logger
	metrics    *observe.Metrics // nil disables recording
	aggOpts    []captions.Option
	correct    bool

	mu         sync.Mutex
	transcript []string
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool

	wg sync.WaitGroup
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics wires pipeline metrics: caption volume, detected mentions by
// tier, escalation latency and outcomes, pending-mention timeouts.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAggregatorOptions forwards options to the internal caption aggregator.
func WithAggregatorOptions(opts ...captions.Option) Option {
	return func(e *Engine) { e.aggOpts = opts }
}

// WithCaptionCorrection enables LLM cleanup of aggregated caption text before
// mention analysis. Correction failures fall back to the raw text.
func WithCaptionCorrection() Option {
	return func(e *Engine) { e.correct = true }
}

// New assembles an Engine. The aggregator is constructed internally so its
// callbacks land on the engine; matcher, escalator and processor are shared
// with the caller.
func New(matcher *mention.Matcher, escalator *hybrid.Escalator, processor *behavior.Processor, sources Sources, opts ...Option) (*Engine, error) {
	if matcher == nil {
		return nil, fmt.Errorf("bridge: matcher is required")
	}
	if escalator == nil {
		return nil, fmt.Errorf("bridge: escalator is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("bridge: processor is required")
	}
	if sources.Captions == nil {
		return nil, fmt.Errorf("bridge: caption source is required")
	}

	e := &Engine{
		matcher:   matcher,
		escalator: escalator,
		processor: processor,
		sources:   sources,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.aggregator = captions.New(matcher, e.onAggregated, e.onMentionTimeout, e.aggOpts...)
	return e, nil
}

// Start subscribes to the meeting sources. It returns immediately; processing
// happens on the collaborators' delivery goroutines plus short-lived
// escalation goroutines owned by the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("bridge: engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.sources.Captions.OnCaption(e.handleCaption)
	if e.sources.Chat != nil {
		e.sources.Chat.OnChat(e.handleChat)
	}
	if e.sources.Hands != nil {
		e.sources.Hands.OnHandLowered(e.handleHandLowered)
	}

	e.logger.Info("bridge: engine started")
	return nil
}

// Close flushes the caption buffer, cancels in-flight escalations and waits
// for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	e.aggregator.FlushBuffer()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("bridge: engine stopped")
}

// handleCaption converts a provider caption event into an aggregator entry.
func (e *Engine) handleCaption(ev meeting.CaptionEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if e.metrics != nil && ev.IsFinal {
		e.metrics.RecordCaption(context.Background())
	}
	e.aggregator.AddCaption(captions.Entry{
		ID:        uuid.NewString(),
		Speaker:   ev.Speaker,
		Text:      ev.Text,
		Timestamp: ts,
		IsFinal:   ev.IsFinal,
	})
}

// handleChat screens chat messages through the processor.
func (e *Engine) handleChat(msg meeting.ChatMessage) {
	e.spawn(func(ctx context.Context) {
		if e.metrics != nil && e.matcher.ContainsVariation(msg.Content) {
			e.metrics.RecordMention(ctx, "chat", "exact")
		}
		if _, err := e.processor.ProcessChatMessage(ctx, msg); err != nil {
			e.logger.Error("bridge: chat trigger failed", "sender", msg.Sender, "error", err)
		}
	})
}

// handleHandLowered forwards hand-lowered notifications to the processor.
func (e *Engine) handleHandLowered() {
	e.spawn(func(ctx context.Context) {
		e.processor.OnHandLowered(ctx)
	})
}

// onAggregated receives every aggregation result. Every result extends the
// rolling transcript; mention results are escalated and, when confirmed,
// processed as caption triggers. Non-mention results can still reach the
// escalator: the LLM finds indirect addressings ("the assistant", "hey bot")
// that name matching structurally cannot, so question- or request-shaped text
// without a local match is escalated too.
func (e *Engine) onAggregated(agg captions.Aggregated, res mention.Result) {
	e.appendTranscript(agg.Speaker, agg.Text)

	if !res.IsMentioned {
		// Gate the no-match path on question/request shape so small talk
		// never pays for an LLM round trip.
		if !e.escalator.Enabled() || !e.matcher.ContainsQuestionOrRequest(agg.Text) {
			return
		}
	}

	e.spawn(func(ctx context.Context) {
		e.escalateAndProcess(ctx, agg.Speaker, agg.Text, agg.EndTime)
	})
}

// onMentionTimeout handles a bare mention whose follow-up window elapsed.
// The captured text is still processed as a trigger; the agent decides what
// to do with a bare address.
func (e *Engine) onMentionTimeout(p captions.PendingMention) {
	e.logger.Debug("bridge: pending mention timed out", "speaker", p.Speaker)
	e.spawn(func(ctx context.Context) {
		if e.metrics != nil {
			e.metrics.RecordPendingTimeout(ctx)
		}
		e.escalateAndProcess(ctx, p.Speaker, p.CaptionText, p.Timestamp)
	})
}

// escalateAndProcess runs hybrid escalation over text and, when the mention
// survives, hands it to the behavior processor. Escalation failures degrade
// to the local result inside the escalator and never surface here.
func (e *Engine) escalateAndProcess(ctx context.Context, speaker, text string, at time.Time) {
	if e.correct {
		if fixed, err := e.escalator.CorrectCaption(ctx, text); err != nil {
			e.logger.Debug("bridge: caption correction failed", "error", err)
		} else {
			text = fixed
		}
	}

	escStart := time.Now()
	res := e.escalator.DetectMention(ctx, text, e.transcriptSnapshot())
	if e.metrics != nil {
		e.metrics.RecordEscalationLatency(ctx, time.Since(escStart))
		if res.LLMEnhanced {
			outcome := "vetoed"
			if res.IsMentioned {
				outcome = "confirmed"
			}
			e.metrics.RecordEscalation(ctx, outcome)
		}
		if res.IsMentioned {
			e.metrics.RecordMention(ctx, "caption", matchTier(res))
		}
	}
	if !res.IsMentioned {
		e.logger.Debug("bridge: escalation vetoed local mention", "speaker", speaker)
		return
	}

	if _, err := e.processor.ProcessTrigger(ctx, behavior.TriggerContext{
		Source:         behavior.SourceCaptionMention,
		Content:        text,
		Author:         speaker,
		Timestamp:      at,
		MeetingContext: e.transcriptSnapshot(),
	}); err != nil {
		e.logger.Error("bridge: caption trigger failed", "speaker", speaker, "error", err)
	}
}

// matchTier names the matching tier that produced a positive result, for the
// mentions-by-tier counter attribute.
func matchTier(res mention.Result) string {
	switch {
	case res.LLMEnhanced:
		return "llm"
	case !res.FuzzyMatch:
		return "exact"
	case res.Confidence == mention.PhoneticConfidence:
		return "phonetic"
	default:
		return "fuzzy"
	}
}

// spawn runs fn on an engine-owned goroutine bound to the engine context.
func (e *Engine) spawn(fn func(context.Context)) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func (e *Engine) appendTranscript(speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcript = append(e.transcript, speaker+": "+text)
	if len(e.transcript) > transcriptLines {
		e.transcript = e.transcript[len(e.transcript)-transcriptLines:]
	}
}

func (e *Engine) transcriptSnapshot() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.transcript, "\n")
}
