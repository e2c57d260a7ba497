package behavior

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a [PendingResponse].
type Status string

const (
	// StatusPending awaits approval (controlled mode) or a hand-raise
	// retry (queued mode after a failed raise).
	StatusPending Status = "pending"

	// StatusApproved was cleared for delivery but not yet dispatched.
	StatusApproved Status = "approved"

	// StatusHandRaised waits for the meeting hand to be lowered.
	StatusHandRaised Status = "hand-raised"

	// StatusSending is mid-delivery.
	StatusSending Status = "sending"

	// StatusSent was delivered on every requested channel.
	StatusSent Status = "sent"

	// StatusFailed had at least one channel delivery fail.
	StatusFailed Status = "failed"

	// StatusRejected was declined by a human reviewer.
	StatusRejected Status = "rejected"

	// StatusDismissed was discarded without review.
	StatusDismissed Status = "dismissed"
)

// Terminal reports whether the status is final. Only terminal entries are
// eligible for capacity eviction.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusRejected, StatusDismissed:
		return true
	}
	return false
}

// transitions lists the allowed status moves. Creation states (pending,
// approved, hand-raised) are not transitions and do not appear as targets
// from nowhere. hand-raised reverts to pending only when the raise call
// itself fails.
var transitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected, StatusDismissed},
	StatusApproved:   {StatusSending},
	StatusHandRaised: {StatusSending, StatusPending},
	StatusSending:    {StatusSent, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ChannelOutcome records what happened on one delivery channel. The
// aggregate response status stays binary, but per-channel outcomes are kept
// so a partially delivered "both" response is not misread as fully failed.
type ChannelOutcome struct {
	// Attempted reports whether the channel was dispatched at all.
	Attempted bool

	// Delivered reports whether the channel send succeeded.
	Delivered bool

	// Err is the channel's failure message, if any.
	Err string
}

// PendingResponse is one in-flight agent response tracked by the [Store].
// All mutation goes through the store's transition operations.
type PendingResponse struct {
	ID              string
	CreatedAt       time.Time
	TriggerSource   TriggerSource
	TriggerContent  string
	TriggerAuthor   string
	ResponseText    string
	ResponseChannel Channel
	Mode            Mode
	Status          Status
	StatusChangedAt time.Time
	ErrorMessage    string
	ChatOutcome     ChannelOutcome
	SpeechOutcome   ChannelOutcome
}

// QueueStats summarizes the store contents by status.
type QueueStats struct {
	Total      int
	Pending    int
	Approved   int
	HandRaised int
	Sending    int
	Sent       int
	Failed     int
	Rejected   int
	Dismissed  int
}

// DefaultCapacity bounds the store. When exceeded, the oldest terminal
// entry is evicted; non-terminal entries are never evicted implicitly.
const DefaultCapacity = 20

// Store owns every [PendingResponse] and enforces the status lifecycle.
// Safe for concurrent use.
type Store struct {
	capacity int

	mu      sync.Mutex
	order   []string
	entries map[string]*PendingResponse
}

// NewStore creates a Store with the given capacity; zero or negative means
// [DefaultCapacity].
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string]*PendingResponse),
	}
}

// Create builds a response in the given initial status, assigns it an ID and
// adds it to the store, evicting the oldest terminal entry if the capacity
// bound is exceeded. Returns a snapshot.
func (s *Store) Create(trigger TriggerContext, text string, channel Channel, mode Mode, initial Status) PendingResponse {
	now := time.Now()
	pr := &PendingResponse{
		ID:              uuid.NewString(),
		CreatedAt:       now,
		TriggerSource:   trigger.Source,
		TriggerContent:  trigger.Content,
		TriggerAuthor:   trigger.Author,
		ResponseText:    text,
		ResponseChannel: channel,
		Mode:            mode,
		Status:          initial,
		StatusChangedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.capacity {
		s.evictOldestTerminal()
	}
	s.order = append(s.order, pr.ID)
	s.entries[pr.ID] = pr
	return *pr
}

// evictOldestTerminal removes the oldest terminal entry, if one exists.
// Must be called with s.mu held.
func (s *Store) evictOldestTerminal() {
	for i, id := range s.order {
		if s.entries[id].Status.Terminal() {
			delete(s.entries, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Get returns a snapshot of the response with the given ID.
func (s *Store) Get(id string) (PendingResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.entries[id]
	if !ok {
		return PendingResponse{}, false
	}
	return *pr, true
}

// List returns snapshots of all responses in creation order.
func (s *Store) List() []PendingResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingResponse, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

// Transition moves the response to a new status, enforcing the lifecycle.
// Returns the updated snapshot.
func (s *Store) Transition(id string, to Status) (PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.entries[id]
	if !ok {
		return PendingResponse{}, fmt.Errorf("behavior: no pending response %q", id)
	}
	if !canTransition(pr.Status, to) {
		return PendingResponse{}, fmt.Errorf("behavior: invalid transition %s -> %s for response %q", pr.Status, to, id)
	}
	pr.Status = to
	pr.StatusChangedAt = time.Now()
	return *pr, nil
}

// Fail moves the response to failed and records the error message and
// per-channel outcomes.
func (s *Store) Fail(id, message string, chat, speech ChannelOutcome) (PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.entries[id]
	if !ok {
		return PendingResponse{}, fmt.Errorf("behavior: no pending response %q", id)
	}
	if !canTransition(pr.Status, StatusFailed) {
		return PendingResponse{}, fmt.Errorf("behavior: invalid transition %s -> %s for response %q", pr.Status, StatusFailed, id)
	}
	pr.Status = StatusFailed
	pr.StatusChangedAt = time.Now()
	pr.ErrorMessage = message
	pr.ChatOutcome = chat
	pr.SpeechOutcome = speech
	return *pr, nil
}

// Sent moves the response to sent and records the per-channel outcomes.
func (s *Store) Sent(id string, chat, speech ChannelOutcome) (PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.entries[id]
	if !ok {
		return PendingResponse{}, fmt.Errorf("behavior: no pending response %q", id)
	}
	if !canTransition(pr.Status, StatusSent) {
		return PendingResponse{}, fmt.Errorf("behavior: invalid transition %s -> %s for response %q", pr.Status, StatusSent, id)
	}
	pr.Status = StatusSent
	pr.StatusChangedAt = time.Now()
	pr.ChatOutcome = chat
	pr.SpeechOutcome = speech
	return *pr, nil
}

// OldestHandRaised returns the oldest queued response still waiting on a
// raised hand, FIFO by creation order.
func (s *Store) OldestHandRaised() (PendingResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		pr := s.entries[id]
		if pr.Status == StatusHandRaised && pr.Mode == ModeQueued {
			return *pr, true
		}
	}
	return PendingResponse{}, false
}

// Stats summarizes the store contents.
func (s *Store) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := QueueStats{Total: len(s.order)}
	for _, id := range s.order {
		switch s.entries[id].Status {
		case StatusPending:
			st.Pending++
		case StatusApproved:
			st.Approved++
		case StatusHandRaised:
			st.HandRaised++
		case StatusSending:
			st.Sending++
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		case StatusRejected:
			st.Rejected++
		case StatusDismissed:
			st.Dismissed++
		}
	}
	return st
}
