package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parleyhq/parley/internal/behavior"
	"github.com/parleyhq/parley/internal/behavior/patternstore"
	"github.com/parleyhq/parley/internal/captions"
	"github.com/parleyhq/parley/internal/mention"
	"github.com/parleyhq/parley/internal/mention/hybrid"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/pkg/meeting"
	meetingmock "github.com/parleyhq/parley/pkg/meeting/mock"
	"github.com/parleyhq/parley/pkg/provider/llm"
	llmmock "github.com/parleyhq/parley/pkg/provider/llm/mock"
)

type stubGenerator struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (g *stubGenerator) Generate(context.Context, behavior.TriggerContext) (*behavior.GeneratedResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return &behavior.GeneratedResponse{Text: g.text}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestEngine(t *testing.T, pat behavior.AgentBehaviorPattern, m *meetingmock.Meeting) (*Engine, *stubGenerator, *behavior.Store) {
	t.Helper()

	matcher, err := mention.New("Steve Johnson")
	if err != nil {
		t.Fatalf("mention.New: %v", err)
	}
	escalator := hybrid.New(matcher, nil, "Steve Johnson")

	patterns := patternstore.NewMemoryStore()
	if err := patterns.Save(context.Background(), pat); err != nil {
		t.Fatalf("saving pattern: %v", err)
	}

	gen := &stubGenerator{text: "On it."}
	store := behavior.NewStore(0)
	processor, err := behavior.NewProcessor(patterns, gen, store, behavior.NewEmitter(nil),
		behavior.WithChatSender(m),
		behavior.WithSpeechSender(m),
		behavior.WithHandControl(m),
		behavior.WithMatcher(matcher),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	engine, err := New(matcher, escalator, processor,
		Sources{Captions: m, Chat: m, Hands: m},
		WithAggregatorOptions(captions.WithPendingTimeout(50*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, gen, store
}

func immediateChatPattern() behavior.AgentBehaviorPattern {
	return behavior.AgentBehaviorPattern{
		ID:   "p1",
		Name: "immediate",
		CaptionMention: behavior.TriggerConfig{
			Enabled: true, ResponseChannel: behavior.ChannelChat, Mode: behavior.ModeImmediate,
		},
		ChatMention: behavior.TriggerConfig{
			Enabled: true, ResponseChannel: behavior.ChannelChat, Mode: behavior.ModeImmediate,
		},
	}
}

func TestCaptionMentionFlowsToChat(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	newTestEngine(t, immediateChatPattern(), m)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "Hey Steve, what's the plan for today?",
		IsFinal: true,
	})

	waitFor(t, func() bool { return len(m.SentChat()) == 1 },
		"caption mention should produce a chat response")
	if got := m.SentChat()[0]; got != "On it." {
		t.Errorf("chat = %q", got)
	}
}

func TestNonMentionCaptionProducesNoResponse(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	_, gen, _ := newTestEngine(t, immediateChatPattern(), m)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "let's circle back after lunch",
		IsFinal: true,
	})

	time.Sleep(100 * time.Millisecond)
	if gen.callCount() != 0 || len(m.SentChat()) != 0 {
		t.Errorf("generator calls = %d, chat = %v", gen.callCount(), m.SentChat())
	}
}

func TestBareMentionTimeoutStillTriggers(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	newTestEngine(t, immediateChatPattern(), m)

	// Name only, no question: the pending-mention window elapses and the
	// captured text is still processed.
	m.PushCaption(meeting.CaptionEvent{Speaker: "Alice", Text: "Steve", IsFinal: true})

	waitFor(t, func() bool { return len(m.SentChat()) == 1 },
		"timed-out bare mention should still trigger a response")
}

func TestChatMentionFlow(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	pat := immediateChatPattern()
	pat.ChatMention.Mode = behavior.ModeControlled
	_, _, store := newTestEngine(t, pat, m)

	m.PushChat(meeting.ChatMessage{Sender: "Bob", Content: "Steve, can you summarize?"})

	waitFor(t, func() bool { return store.Stats().Pending == 1 },
		"chat mention should create a pending response")
	if len(m.SentChat()) != 0 {
		t.Error("controlled response must wait for approval")
	}
}

func TestQueuedCaptionMentionReleasedByHandLowered(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	pat := immediateChatPattern()
	pat.CaptionMention = behavior.TriggerConfig{
		Enabled:         true,
		ResponseChannel: behavior.ChannelSpeech,
		Mode:            behavior.ModeQueued,
		Queued:          &behavior.QueuedOptions{AutoRaiseHand: true},
	}
	_, _, store := newTestEngine(t, pat, m)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "Steve, could you give an update?",
		IsFinal: true,
	})

	waitFor(t, func() bool { return store.Stats().HandRaised == 1 },
		"queued caption mention should raise a hand")

	m.PushHandLowered()

	waitFor(t, func() bool { return len(m.SpokenTexts()) == 1 },
		"hand lowered should release the queued response via speech")
	if got := store.Stats(); got.Sent != 1 {
		t.Errorf("stats = %+v, want one sent", got)
	}
}

func TestInterimCaptionsIgnored(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	_, gen, _ := newTestEngine(t, immediateChatPattern(), m)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "Hey Steve, what's the plan",
		IsFinal: false,
	})

	time.Sleep(100 * time.Millisecond)
	if gen.callCount() != 0 {
		t.Error("interim captions must not trigger")
	}
}

// newEscalatingEngine builds an engine whose escalator has a live provider,
// so the no-local-match path can reach the LLM.
func newEscalatingEngine(t *testing.T, m *meetingmock.Meeting, provider llm.Provider) (*stubGenerator, *behavior.Store) {
	t.Helper()

	matcher, err := mention.New("Steve Johnson")
	if err != nil {
		t.Fatalf("mention.New: %v", err)
	}
	escalator := hybrid.New(matcher, provider, "Steve Johnson")

	patterns := patternstore.NewMemoryStore()
	if err := patterns.Save(context.Background(), immediateChatPattern()); err != nil {
		t.Fatalf("saving pattern: %v", err)
	}

	gen := &stubGenerator{text: "On it."}
	store := behavior.NewStore(0)
	processor, err := behavior.NewProcessor(patterns, gen, store, behavior.NewEmitter(nil),
		behavior.WithChatSender(m),
		behavior.WithMatcher(matcher),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	engine, err := New(matcher, escalator, processor, Sources{Captions: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(engine.Close)
	return gen, store
}

func TestIndirectReferenceReachesEscalator(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"correctedText": "hey assistant, can you summarize the meeting?", "nameDetected": true, "detectedAs": "hey assistant", "isIndirectReference": true, "confidence": 0.9, "reasoning": "direct address without the name"}`,
		},
	}
	newEscalatingEngine(t, m, provider)

	// No name variation appears, so local matching cannot see this. The
	// question shape routes it to the escalator, which finds the indirect
	// address.
	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "hey assistant, can you summarize the meeting?",
		IsFinal: true,
	})

	waitFor(t, func() bool { return len(m.SentChat()) == 1 },
		"indirect reference should produce a chat response")
	if provider.CompleteCallCount() == 0 {
		t.Error("escalator was never consulted")
	}
}

func TestStatementWithoutMentionSkipsEscalator(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"nameDetected": true, "detectedAs": "the bot", "isIndirectReference": true, "confidence": 0.9}`,
		},
	}
	gen, _ := newEscalatingEngine(t, m, provider)

	// Neither a mention nor question- or request-shaped: never worth an LLM
	// round trip, even with a provider configured.
	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "we finished the rollout yesterday",
		IsFinal: true,
	})

	time.Sleep(100 * time.Millisecond)
	if provider.CompleteCallCount() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.CompleteCallCount())
	}
	if gen.callCount() != 0 || len(m.SentChat()) != 0 {
		t.Errorf("generator calls = %d, chat = %v", gen.callCount(), m.SentChat())
	}
}

func TestEngineRecordsPipelineMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := &meetingmock.Meeting{}
	matcher, err := mention.New("Steve Johnson")
	if err != nil {
		t.Fatalf("mention.New: %v", err)
	}

	patterns := patternstore.NewMemoryStore()
	if err := patterns.Save(context.Background(), immediateChatPattern()); err != nil {
		t.Fatalf("saving pattern: %v", err)
	}
	store := behavior.NewStore(0)
	processor, err := behavior.NewProcessor(patterns, &stubGenerator{text: "On it."}, store, behavior.NewEmitter(nil),
		behavior.WithChatSender(m),
		behavior.WithMatcher(matcher),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	engine, err := New(matcher, hybrid.New(matcher, nil, "Steve Johnson"), processor,
		Sources{Captions: m},
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(engine.Close)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "Hey Steve, what's the plan for today?",
		IsFinal: true,
	})
	waitFor(t, func() bool { return len(m.SentChat()) == 1 }, "chat response never sent")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	found := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			found[met.Name] = true
			if met.Name != "parley.mentions.detected" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatal("mentions counter has no data points")
			}
			for _, kv := range sum.DataPoints[0].Attributes.ToSlice() {
				if string(kv.Key) == "tier" && kv.Value.AsString() != "exact" {
					t.Errorf("tier = %q, want exact", kv.Value.AsString())
				}
			}
		}
	}
	for _, name := range []string{
		"parley.captions.received",
		"parley.mentions.detected",
		"parley.escalation.duration",
	} {
		if !found[name] {
			t.Errorf("metric %q not recorded", name)
		}
	}
}

// recordingGenerator captures the trigger content it was asked to answer.
type recordingGenerator struct {
	mu       sync.Mutex
	contents []string
}

func (g *recordingGenerator) Generate(_ context.Context, trigger behavior.TriggerContext) (*behavior.GeneratedResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contents = append(g.contents, trigger.Content)
	return &behavior.GeneratedResponse{Text: "On it."}, nil
}

func (g *recordingGenerator) recorded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.contents...)
}

func TestCaptionCorrectionRewritesTriggerContent(t *testing.T) {
	t.Parallel()

	m := &meetingmock.Meeting{}
	matcher, err := mention.New("Steve Johnson")
	if err != nil {
		t.Fatalf("mention.New: %v", err)
	}

	const corrected = "Steve, could you summarize the plan?"
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"correctedText": "` + corrected + `"}`,
		},
	}
	escalator := hybrid.New(matcher, provider, "Steve Johnson")

	patterns := patternstore.NewMemoryStore()
	if err := patterns.Save(context.Background(), immediateChatPattern()); err != nil {
		t.Fatalf("saving pattern: %v", err)
	}

	gen := &recordingGenerator{}
	store := behavior.NewStore(0)
	processor, err := behavior.NewProcessor(patterns, gen, store, behavior.NewEmitter(nil),
		behavior.WithChatSender(m),
		behavior.WithMatcher(matcher),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	engine, err := New(matcher, escalator, processor,
		Sources{Captions: m},
		WithCaptionCorrection(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(engine.Close)

	m.PushCaption(meeting.CaptionEvent{
		Speaker: "Alice",
		Text:    "steve could you summarize the plan",
		IsFinal: true,
	})

	waitFor(t, func() bool { return len(m.SentChat()) == 1 }, "chat response never sent")

	got := gen.recorded()
	if len(got) != 1 || got[0] != corrected {
		t.Fatalf("trigger content = %v, want [%q]", got, corrected)
	}
}
