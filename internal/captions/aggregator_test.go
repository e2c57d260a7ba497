package captions

import (
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/mention"
)

// recorder collects aggregator callbacks for assertions.
type recorder struct {
	mu       sync.Mutex
	results  []emission
	timeouts []PendingMention
}

func (r *recorder) onResult(agg Aggregated, res mention.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, emission{agg: agg, res: res})
}

func (r *recorder) onTimeout(p PendingMention) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, p)
}

func (r *recorder) snapshotResults() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission(nil), r.results...)
}

func (r *recorder) snapshotTimeouts() []PendingMention {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingMention(nil), r.timeouts...)
}

func newTestAggregator(t *testing.T, opts ...Option) (*Aggregator, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := mention.New("Steve Johnson")
	if err != nil {
		t.Fatalf("mention.New: %v", err)
	}
	return New(m, rec.onResult, rec.onTimeout, opts...), rec
}

func finalEntry(id, speaker, text string, ts time.Time) Entry {
	return Entry{ID: id, Speaker: speaker, Text: text, Timestamp: ts, IsFinal: true}
}

func TestFragmentsAggregateAcrossAdditions(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t)
	now := time.Now()

	agg.AddCaption(finalEntry("c1", "Alice", "Hey", now))
	agg.AddCaption(finalEntry("c2", "Alice", "Steve", now.Add(100*time.Millisecond)))
	agg.AddCaption(finalEntry("c3", "Alice", "what's the plan?", now.Add(200*time.Millisecond)))

	results := rec.snapshotResults()
	if len(results) != 2 {
		t.Fatalf("want 2 results (plain then trigger), got %d", len(results))
	}

	// "Hey" alone is a plain utterance.
	if results[0].agg.Text != "Hey" || results[0].res.IsMentioned {
		t.Errorf("first result: want plain %q, got %q mentioned=%v",
			"Hey", results[0].agg.Text, results[0].res.IsMentioned)
	}

	// "Hey Steve" became a pending mention (no emission); the question
	// completed the trigger with the full merged text.
	last := results[1]
	if last.agg.Text != "Hey Steve what's the plan?" {
		t.Errorf("want merged text %q, got %q", "Hey Steve what's the plan?", last.agg.Text)
	}
	if !last.res.IsMentioned {
		t.Error("merged text should be detected as a mention")
	}
	if want := []string{"c1", "c2", "c3"}; len(last.agg.CaptionIDs) != 3 {
		t.Errorf("want caption IDs %v, got %v", want, last.agg.CaptionIDs)
	}
	if _, ok := agg.Pending(); ok {
		t.Error("pending slot should be cleared after the trigger completed")
	}
}

func TestBareMentionBecomesPending(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t)
	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now()))

	if got := rec.snapshotResults(); len(got) != 0 {
		t.Fatalf("bare mention should not emit a result, got %d", len(got))
	}
	p, ok := agg.Pending()
	if !ok {
		t.Fatal("want a pending mention")
	}
	if p.Speaker != "Alice" || p.MatchedVariation != "steve" {
		t.Errorf("pending = %+v, want speaker Alice matched steve", p)
	}
}

func TestPendingCombinesWithFollowUpQuestion(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t, WithWindow(500*time.Millisecond))

	// The mention falls out of the aggregation window before the follow-up
	// arrives, so only the pending slot can connect the two.
	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now().Add(-time.Second)))
	agg.AddCaption(finalEntry("c2", "Alice", "what do you think?", time.Now()))

	results := rec.snapshotResults()
	if len(results) != 1 {
		t.Fatalf("want 1 combined result, got %d", len(results))
	}
	got := results[0]
	if got.agg.Text != "Steve what do you think?" {
		t.Errorf("combined text = %q, want %q", got.agg.Text, "Steve what do you think?")
	}
	if !got.res.IsMentioned {
		t.Error("combined text should be detected as a mention")
	}
	if _, ok := agg.Pending(); ok {
		t.Error("pending slot should be consumed by the follow-up")
	}
}

func TestOtherSpeakersQuestionDoesNotConsumePending(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t)
	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now()))
	agg.AddCaption(finalEntry("c2", "Bob", "what time is it?", time.Now()))

	results := rec.snapshotResults()
	if len(results) != 1 {
		t.Fatalf("want 1 result for Bob, got %d", len(results))
	}
	if results[0].agg.Speaker != "Bob" || results[0].res.IsMentioned {
		t.Errorf("Bob's question should be a plain result, got %+v", results[0])
	}
	if p, ok := agg.Pending(); !ok || p.Speaker != "Alice" {
		t.Errorf("Alice's pending mention should survive, got %+v ok=%v", p, ok)
	}
}

func TestPendingTimeoutFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t, WithPendingTimeout(20*time.Millisecond))
	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now()))

	time.Sleep(120 * time.Millisecond)

	timeouts := rec.snapshotTimeouts()
	if len(timeouts) != 1 {
		t.Fatalf("want exactly 1 timeout, got %d", len(timeouts))
	}
	if timeouts[0].Speaker != "Alice" || timeouts[0].CaptionText != "Steve" {
		t.Errorf("timeout = %+v, want Alice / %q", timeouts[0], "Steve")
	}
	if _, ok := agg.Pending(); ok {
		t.Error("pending slot should be empty after timing out")
	}
}

func TestSupersededPendingNeverTimesOut(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t, WithPendingTimeout(40*time.Millisecond))
	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now()))
	agg.AddCaption(finalEntry("c2", "Bob", "hey Steve", time.Now()))

	time.Sleep(200 * time.Millisecond)

	timeouts := rec.snapshotTimeouts()
	if len(timeouts) != 1 {
		t.Fatalf("want exactly 1 timeout for the superseding mention, got %d", len(timeouts))
	}
	if timeouts[0].Speaker != "Bob" {
		t.Errorf("timeout speaker = %q, want Bob (Alice was superseded)", timeouts[0].Speaker)
	}
}

func TestResolvedPendingCancelsTimer(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t,
		WithWindow(500*time.Millisecond),
		WithPendingTimeout(40*time.Millisecond))

	agg.AddCaption(finalEntry("c1", "Alice", "Steve", time.Now().Add(-time.Second)))
	agg.AddCaption(finalEntry("c2", "Alice", "can you help?", time.Now()))

	time.Sleep(150 * time.Millisecond)

	if got := rec.snapshotTimeouts(); len(got) != 0 {
		t.Fatalf("resolved pending must not time out, got %d timeouts", len(got))
	}
}

func TestWindowPrunesStaleFragments(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t, WithWindow(time.Second))

	agg.AddCaption(finalEntry("c1", "Alice", "old words", time.Now().Add(-5*time.Second)))
	agg.AddCaption(finalEntry("c2", "Alice", "hello everyone", time.Now()))

	results := rec.snapshotResults()
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if got := results[1].agg.Text; got != "hello everyone" {
		t.Errorf("stale fragment leaked into aggregation: got %q", got)
	}
}

func TestNonFinalCaptionsIgnored(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t)
	agg.AddCaption(Entry{ID: "c1", Speaker: "Alice", Text: "partial", Timestamp: time.Now()})

	if got := rec.snapshotResults(); len(got) != 0 {
		t.Fatalf("non-final caption must be ignored, got %d results", len(got))
	}
}

func TestFlushBufferEmitsPerSpeakerAndClears(t *testing.T) {
	t.Parallel()

	agg, rec := newTestAggregator(t)
	now := time.Now()
	agg.AddCaption(finalEntry("c1", "Alice", "first thought", now))
	agg.AddCaption(finalEntry("c2", "Bob", "other topic", now))

	before := len(rec.snapshotResults())
	agg.FlushBuffer()

	results := rec.snapshotResults()[before:]
	if len(results) != 2 {
		t.Fatalf("want 1 flush result per speaker, got %d", len(results))
	}
	speakers := map[string]string{}
	for _, r := range results {
		speakers[r.agg.Speaker] = r.agg.Text
	}
	if speakers["Alice"] != "first thought" || speakers["Bob"] != "other topic" {
		t.Errorf("flush results = %v", speakers)
	}

	// A fresh fragment must not aggregate with flushed text.
	agg.AddCaption(finalEntry("c3", "Alice", "new thought", time.Now()))
	last := rec.snapshotResults()
	if got := last[len(last)-1].agg.Text; got != "new thought" {
		t.Errorf("buffer not cleared by flush: got %q", got)
	}
}
