// Package captions aggregates fragmentary live captions into per-speaker
// utterances and runs mention detection over them.
//
// Live caption streams deliver speech in short, jittery fragments. The
// [Aggregator] keeps a rolling time-windowed buffer per speaker, re-evaluates
// the merged text every time a new final fragment arrives, and tracks a
// single pending-mention slot: when the agent's name is heard without an
// accompanying question, the aggregator waits a short interval for the
// speaker to follow up ("Hey Steve … what's on the agenda?") before giving
// up and reporting the bare mention through the timeout callback.
//
// Every aggregation pass notifies the result callback, mention or not, so
// callers can observe all speech rather than only triggers.
//
// All exported methods are safe for concurrent use; the buffer and the
// pending-mention slot are guarded by a single mutex, and callbacks are
// invoked outside the lock.
package captions

import (
	"slices"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/mention"
)

const (
	// defaultWindow is how long caption entries stay in the buffer.
	defaultWindow = 3 * time.Second

	// defaultPendingTimeout is how long a bare name mention waits for a
	// follow-up question before the timeout callback fires.
	defaultPendingTimeout = 3500 * time.Millisecond
)

// Entry is a single finalised caption fragment.
type Entry struct {
	// ID identifies the fragment (meeting-provider assigned or synthetic).
	ID string

	// Speaker is the display name of the participant.
	Speaker string

	// Text is the fragment text.
	Text string

	// Timestamp is when the fragment was produced.
	Timestamp time.Time

	// IsFinal reports whether the fragment is finalised. Non-final entries
	// are ignored by [Aggregator.AddCaption].
	IsFinal bool
}

// Aggregated is the merged, chronological text of one speaker's buffered
// fragments. It is recomputed on every aggregation pass and never stored.
type Aggregated struct {
	// Speaker is the participant the merged text belongs to.
	Speaker string

	// Text is the space-joined fragment text in timestamp order.
	Text string

	// CaptionIDs lists the IDs of the fragments that produced Text.
	CaptionIDs []string

	// StartTime is the timestamp of the earliest contributing fragment.
	StartTime time.Time

	// EndTime is the timestamp of the latest contributing fragment.
	EndTime time.Time
}

// PendingMention is a detected name mention still waiting for a follow-up
// question. At most one exists per aggregator — a new bare mention from any
// speaker supersedes the previous one.
type PendingMention struct {
	// Speaker is the participant who mentioned the agent.
	Speaker string

	// CaptionText is the aggregated text that contained the mention.
	CaptionText string

	// Timestamp is when the mention was captured.
	Timestamp time.Time

	// MatchedVariation is the name variation that matched.
	MatchedVariation string
}

// Detector classifies aggregated text. *mention.Matcher satisfies it; tests
// may substitute a stub.
type Detector interface {
	// DetectMention classifies whether text mentions the agent.
	DetectMention(text string) mention.Result

	// ContainsQuestionOrRequest reports whether text reads as a question or
	// request.
	ContainsQuestionOrRequest(text string) bool
}

// Compile-time check that the real matcher satisfies [Detector].
var _ Detector = (*mention.Matcher)(nil)

// ResultFunc receives every aggregation result, mention or not.
type ResultFunc func(Aggregated, mention.Result)

// TimeoutFunc receives a pending mention whose follow-up window elapsed.
type TimeoutFunc func(PendingMention)

// Option is a functional option for configuring an [Aggregator].
type Option func(*Aggregator)

// WithWindow sets the aggregation window. Default: 3s.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		a.window = d
	}
}

// WithPendingTimeout sets how long a bare mention waits for a follow-up
// question. Default: 3.5s.
func WithPendingTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.pendingTimeout = d
	}
}

// Aggregator merges per-speaker caption fragments and drives the
// pending-mention state machine.
type Aggregator struct {
	detector  Detector
	onResult  ResultFunc
	onTimeout TimeoutFunc

	window         time.Duration
	pendingTimeout time.Duration

	mu      sync.Mutex
	entries []Entry
	pending *PendingMention
	timer   *time.Timer

	// timerGen invalidates in-flight timer callbacks when the pending slot
	// is superseded or cleared; a stale timer must never fire its mention.
	timerGen uint64
}

// emission is a deferred callback invocation, collected under the lock and
// delivered after it is released.
type emission struct {
	agg Aggregated
	res mention.Result
}

// New creates an Aggregator. onResult is invoked for every aggregation pass;
// onTimeout is invoked when a pending mention's follow-up window elapses.
// Either callback may be nil.
func New(detector Detector, onResult ResultFunc, onTimeout TimeoutFunc, opts ...Option) *Aggregator {
	a := &Aggregator{
		detector:       detector,
		onResult:       onResult,
		onTimeout:      onTimeout,
		window:         defaultWindow,
		pendingTimeout: defaultPendingTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AddCaption prunes stale buffer entries, appends e, and reprocesses the
// speaker's merged text. Non-final entries are ignored.
func (a *Aggregator) AddCaption(e Entry) {
	if !e.IsFinal {
		return
	}

	a.mu.Lock()
	a.prune(time.Now())
	a.entries = append(a.entries, e)
	emits := a.process(e.Speaker)
	a.mu.Unlock()

	a.deliver(emits)
}

// FlushBuffer force-processes every buffered speaker's merged tail and clears
// the buffer. The pending-mention slot is left untouched; its timer still
// governs it. Used on speaker change or shutdown.
func (a *Aggregator) FlushBuffer() {
	a.mu.Lock()
	var emits []emission
	seen := make(map[string]bool)
	for _, e := range a.entries {
		if seen[e.Speaker] {
			continue
		}
		seen[e.Speaker] = true
		agg := a.aggregate(e.Speaker)
		emits = append(emits, emission{agg: agg, res: a.detector.DetectMention(agg.Text)})
	}
	a.entries = nil
	a.mu.Unlock()

	a.deliver(emits)
}

// Pending returns a copy of the current pending mention, if any.
func (a *Aggregator) Pending() (PendingMention, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return PendingMention{}, false
	}
	return *a.pending, true
}

// process re-evaluates the speaker's merged text against the detector and
// advances the pending-mention state machine. Must be called with a.mu held.
// Returned emissions are delivered by the caller after unlocking.
func (a *Aggregator) process(speaker string) []emission {
	agg := a.aggregate(speaker)
	res := a.detector.DetectMention(agg.Text)
	hasQuestion := a.detector.ContainsQuestionOrRequest(agg.Text)

	switch {
	case res.IsMentioned && hasQuestion:
		// Complete trigger in one utterance.
		a.clearPending()
		return []emission{{agg: agg, res: res}}

	case res.IsMentioned:
		// Bare name: hold it and wait for a follow-up. A new bare mention
		// supersedes any previous one, restarting the timer.
		a.setPending(PendingMention{
			Speaker:          speaker,
			CaptionText:      agg.Text,
			Timestamp:        time.Now(),
			MatchedVariation: res.MatchedVariation,
		})
		return nil

	default:
		if p := a.pending; p != nil && p.Speaker == speaker && hasQuestion {
			// The held mention found its question: evaluate the combination.
			combined := Aggregated{
				Speaker:    speaker,
				Text:       p.CaptionText + " " + agg.Text,
				CaptionIDs: agg.CaptionIDs,
				StartTime:  p.Timestamp,
				EndTime:    agg.EndTime,
			}
			a.clearPending()
			return []emission{{agg: combined, res: a.detector.DetectMention(combined.Text)}}
		}

		// Always notify, even without a mention, so callers can observe all
		// speech (session tracking, transcript display).
		return []emission{{agg: agg, res: res}}
	}
}

// aggregate merges the speaker's buffered fragments in timestamp order.
// Must be called with a.mu held.
func (a *Aggregator) aggregate(speaker string) Aggregated {
	var own []Entry
	for _, e := range a.entries {
		if e.Speaker == speaker {
			own = append(own, e)
		}
	}
	slices.SortStableFunc(own, func(x, y Entry) int {
		return x.Timestamp.Compare(y.Timestamp)
	})

	agg := Aggregated{Speaker: speaker}
	var sb []byte
	for i, e := range own {
		if i > 0 {
			sb = append(sb, ' ')
		}
		sb = append(sb, e.Text...)
		agg.CaptionIDs = append(agg.CaptionIDs, e.ID)
	}
	agg.Text = string(sb)
	if len(own) > 0 {
		agg.StartTime = own[0].Timestamp
		agg.EndTime = own[len(own)-1].Timestamp
	}
	return agg
}

// prune drops entries older than the aggregation window. Survivors are copied
// to a fresh backing array so evicted entries do not pin memory.
// Must be called with a.mu held.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.window)
	keep := a.entries[:0:0]
	for _, e := range a.entries {
		if !e.Timestamp.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	a.entries = keep
}

// setPending installs (or supersedes) the pending mention and re-arms the
// follow-up timer. Must be called with a.mu held.
func (a *Aggregator) setPending(p PendingMention) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.pending = &p
	a.timer = time.AfterFunc(a.pendingTimeout, func() {
		a.fireTimeout(gen)
	})
}

// clearPending empties the slot and cancels any armed timer.
// Must be called with a.mu held.
func (a *Aggregator) clearPending() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
	a.pending = nil
}

// fireTimeout delivers the pending mention to the timeout callback, exactly
// once per pending mention. A stale generation means the slot was superseded
// or resolved after this timer was armed; it must do nothing.
func (a *Aggregator) fireTimeout(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen || a.pending == nil {
		a.mu.Unlock()
		return
	}
	p := *a.pending
	a.pending = nil
	a.timer = nil
	a.mu.Unlock()

	if a.onTimeout != nil {
		a.onTimeout(p)
	}
}

// deliver invokes the result callback outside the lock.
func (a *Aggregator) deliver(emits []emission) {
	if a.onResult == nil {
		return
	}
	for _, em := range emits {
		a.onResult(em.agg, em.res)
	}
}
