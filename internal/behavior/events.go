package behavior

import (
	"log/slog"
	"sync"
	"time"
)

// EventType labels the lifecycle step an [Event] reports.
type EventType string

const (
	EventTriggerDetected   EventType = "trigger-detected"
	EventResponseGenerated EventType = "response-generated"
	EventResponseQueued    EventType = "response-queued"
	EventResponseSending   EventType = "response-sending"
	EventResponseSent      EventType = "response-sent"
	EventResponseFailed    EventType = "response-failed"
	EventHandRaised        EventType = "hand-raised"
	EventHandLowered       EventType = "hand-lowered"
	EventResponseApproved  EventType = "response-approved"
	EventResponseRejected  EventType = "response-rejected"
	EventResponseDismissed EventType = "response-dismissed"
)

// Event is published to subscribers at every significant processing step.
// Response is a snapshot taken at emission time, not a live reference.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Trigger   *TriggerContext
	Response  *PendingResponse
	Err       string
}

// Listener receives emitted events. Listeners run synchronously on the
// emitting goroutine and must not block.
type Listener func(Event)

// Emitter fans events out to registered listeners. A panicking listener is
// recovered and logged; it never prevents delivery to the others.
type Emitter struct {
	logger  *slog.Logger
	onPanic func(EventType)

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// EmitterOption is a functional option for configuring an [Emitter].
type EmitterOption func(*Emitter)

// WithPanicHook registers fn to be called with the event type whenever a
// listener panic is recovered, after the panic is logged.
func WithPanicHook(fn func(EventType)) EmitterOption {
	return func(e *Emitter) { e.onPanic = fn }
}

// NewEmitter creates an Emitter logging listener panics to logger.
func NewEmitter(logger *slog.Logger, opts ...EmitterOption) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		logger:    logger,
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Subscribe registers fn and returns a function that removes it again.
func (e *Emitter) Subscribe(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers ev to every listener, isolating panics per listener.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		e.dispatch(fn, ev)
	}
}

func (e *Emitter) dispatch(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("behavior: event listener panicked",
				"event", string(ev.Type), "panic", r)
			if e.onPanic != nil {
				e.onPanic(ev.Type)
			}
		}
	}()
	fn(ev)
}
