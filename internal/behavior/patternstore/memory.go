package patternstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/behavior"
)

// MemoryStore is an in-memory [Store]. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]behavior.AgentBehaviorPattern
	activeID string
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]behavior.AgentBehaviorPattern)}
}

// Save creates or replaces a pattern after validating it. The first pattern
// saved into an empty store becomes active automatically.
func (s *MemoryStore) Save(_ context.Context, p behavior.AgentBehaviorPattern) error {
	if p.ID == "" {
		return fmt.Errorf("patternstore: pattern has no id")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = p
	if s.activeID == "" {
		s.activeID = p.ID
	}
	return nil
}

// Get retrieves a pattern by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (behavior.AgentBehaviorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return behavior.AgentBehaviorPattern{}, ErrNotFound
	}
	return p, nil
}

// List returns all patterns ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]behavior.AgentBehaviorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]behavior.AgentBehaviorPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a pattern. The active selection is cleared when the active
// pattern is deleted.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patterns, id)
	if s.activeID == id {
		s.activeID = ""
	}
	return nil
}

// SetActive marks a pattern as the active one.
func (s *MemoryStore) SetActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return ErrNotFound
	}
	s.activeID = id
	return nil
}

// ActivePattern implements [behavior.PatternSource].
func (s *MemoryStore) ActivePattern(_ context.Context) (behavior.AgentBehaviorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return behavior.AgentBehaviorPattern{}, ErrNoActivePattern
	}
	return s.patterns[s.activeID], nil
}
