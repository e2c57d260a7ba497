package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend in a [Failover] chain
// failed or had an open breaker. It wraps the last backend error.
var ErrAllBackendsFailed = errors.New("resilience: all llm backends failed")

// backend pairs an LLM provider with its dedicated breaker.
type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// Failover implements [llm.Provider] over a chain of backends. Requests go to
// the primary first; when it fails or its breaker is open, the fallbacks are
// tried in registration order. Each backend trips its own breaker, so a dead
// primary is skipped outright once it has failed enough.
type Failover struct {
	backends    []backend
	breakerOpts []BreakerOption
	onError     func(backend string, err error)
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred backend.
// The breaker options apply to every backend in the chain, including
// fallbacks registered later.
func NewFailover(primaryName string, primary llm.Provider, opts ...BreakerOption) *Failover {
	f := &Failover{breakerOpts: opts}
	f.AddFallback(primaryName, primary)
	return f
}

// OnBackendError registers fn to observe every backend failure, including
// skipped open breakers (the error satisfies errors.Is against
// [ErrBreakerOpen] for those). Must be called before the first request.
func (f *Failover) OnBackendError(fn func(backend string, err error)) {
	f.onError = fn
}

// AddFallback appends a backend to the chain. Fallbacks are tried in the
// order they are added, after the primary.
func (f *Failover) AddFallback(name string, provider llm.Provider) {
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(name, f.breakerOpts...),
	})
}

// Complete sends the request to the first healthy backend.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := f.walk(func(p llm.Provider) error {
		var err error
		resp, err = p.Complete(ctx, req)
		return err
	})
	return resp, err
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *Failover) CountTokens(messages []llm.Message) (int, error) {
	var n int
	err := f.walk(func(p llm.Provider) error {
		var err error
		n, err = p.CountTokens(messages)
		return err
	})
	return n, err
}

// walk tries fn against each backend in order until one succeeds. Backends
// with open breakers are skipped.
func (f *Failover) walk(fn func(llm.Provider) error) error {
	var lastErr error
	for i := range f.backends {
		be := &f.backends[i]
		err := be.breaker.Do(func() error {
			return fn(be.provider)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if f.onError != nil {
			f.onError(be.name, err)
		}
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping llm backend", "backend", be.name, "reason", "circuit open")
		} else {
			slog.Warn("llm backend failed, trying next", "backend", be.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
