// Package patternstore persists behavior patterns and tracks which one is
// currently active.
//
// The engine never mutates pattern definitions itself; it only reads the
// active one per trigger. Two implementations are provided: an in-memory
// store for tests and single-process deployments, and a PostgreSQL store for
// deployments that share patterns across restarts.
package patternstore

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/internal/behavior"
)

// ErrNotFound is returned when a referenced pattern does not exist.
var ErrNotFound = errors.New("patternstore: pattern not found")

// ErrNoActivePattern is returned when no pattern is marked active.
var ErrNoActivePattern = errors.New("patternstore: no active pattern")

// Store provides CRUD operations for behavior patterns plus active-pattern
// selection. Implementations must be safe for concurrent use and satisfy
// [behavior.PatternSource].
type Store interface {
	behavior.PatternSource

	// Save creates or replaces a pattern. The pattern is validated before
	// persistence.
	Save(ctx context.Context, p behavior.AgentBehaviorPattern) error

	// Get retrieves a pattern by ID. Returns [ErrNotFound] when absent.
	Get(ctx context.Context, id string) (behavior.AgentBehaviorPattern, error)

	// List returns all patterns ordered by name.
	List(ctx context.Context) ([]behavior.AgentBehaviorPattern, error)

	// Delete removes a pattern by ID. Deleting a non-existent pattern is
	// not an error.
	Delete(ctx context.Context, id string) error

	// SetActive marks the pattern with the given ID as the active one,
	// deactivating any other. Returns [ErrNotFound] when absent.
	SetActive(ctx context.Context, id string) error
}
