// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithPatternStore,
// WithGenerator, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/behavior"
	"github.com/parleyhq/parley/internal/behavior/patternstore"
	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/captions"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/health"
	"github.com/parleyhq/parley/internal/mention"
	"github.com/parleyhq/parley/internal/mention/hybrid"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/responder"
	"github.com/parleyhq/parley/pkg/meeting"
	"github.com/parleyhq/parley/pkg/provider/llm"
)

// Collaborators holds one interface value per meeting collaborator slot.
// Captions is required; the rest may be nil when the meeting provider does
// not support the capability. Populated by main.go.
type Collaborators struct {
	Captions meeting.CaptionSource
	Chat     meeting.ChatSource
	ChatOut  meeting.ChatSender
	Speech   meeting.SpeechSender
	Hands    meeting.HandControl
}

// App owns all subsystem lifetimes and orchestrates the Parley engine.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	collab   Collaborators

	// Subsystems, initialised in New and torn down in Shutdown.
	matcher   *mention.Matcher
	escalator *hybrid.Escalator
	patterns  patternstore.Store
	responses *behavior.Store
	emitter   *behavior.Emitter
	processor *behavior.Processor
	engine    *bridge.Engine
	generator behavior.ResponseGenerator
	metrics   *observe.Metrics
	httpSrv   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPatternStore injects a pattern store instead of creating one from config.
func WithPatternStore(s patternstore.Store) Option {
	return func(a *App) { a.patterns = s }
}

// WithGenerator injects a response generator instead of building the
// LLM-backed one.
func WithGenerator(g behavior.ResponseGenerator) Option {
	return func(a *App) { a.generator = g }
}

// WithMetrics injects a metrics instance instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The LLM provider
// comes from main.go (built via the config registry, possibly wrapped in a
// failover group) and may be nil, in which case detection runs local-only and
// a response generator must be injected.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, collab Collaborators, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		collab:   collab,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initDetection(); err != nil {
		return nil, fmt.Errorf("app: init detection: %w", err)
	}
	if err := a.initPatterns(ctx); err != nil {
		return nil, fmt.Errorf("app: init patterns: %w", err)
	}
	if err := a.initProcessor(); err != nil {
		return nil, fmt.Errorf("app: init processor: %w", err)
	}
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	if err := a.initObservability(); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	return a, nil
}

// Processor exposes the behavior processor for approval surfaces (the console
// harness reviews pending responses through it).
func (a *App) Processor() *behavior.Processor { return a.processor }

// Responses exposes the pending-response store for inspection.
func (a *App) Responses() *behavior.Store { return a.responses }

// Events exposes the lifecycle event emitter for additional subscribers.
func (a *App) Events() *behavior.Emitter { return a.emitter }

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDetection builds the name matcher and hybrid escalator from config.
func (a *App) initDetection() error {
	var mopts []mention.Option
	if len(a.cfg.Agent.Variations) > 0 {
		mopts = append(mopts, mention.WithVariations(a.cfg.Agent.Variations))
	}
	if a.cfg.Matching.FuzzyThreshold > 0 {
		mopts = append(mopts, mention.WithFuzzyThreshold(a.cfg.Matching.FuzzyThreshold))
	}
	if len(a.cfg.Matching.Mishearings) > 0 {
		mopts = append(mopts, mention.WithMishearings(a.cfg.Matching.Mishearings))
	}

	m, err := mention.New(a.cfg.Agent.Name, mopts...)
	if err != nil {
		return err
	}
	a.matcher = m

	var hopts []hybrid.Option
	if a.cfg.Matching.AmbiguousThreshold > 0 {
		hopts = append(hopts, hybrid.WithAmbiguousThreshold(a.cfg.Matching.AmbiguousThreshold))
	}
	if a.cfg.Matching.MinConfidence > 0 {
		hopts = append(hopts, hybrid.WithMinConfidenceThreshold(a.cfg.Matching.MinConfidence))
	}
	a.escalator = hybrid.New(m, a.provider, a.cfg.Agent.Name, hopts...)

	if a.provider == nil {
		slog.Warn("no LLM provider; mention detection runs local-only")
	}
	return nil
}

// initPatterns sets up the behavior pattern store: injected, Postgres-backed,
// or in-memory seeded from the config definitions.
func (a *App) initPatterns(ctx context.Context) error {
	if a.patterns == nil {
		if dsn := a.cfg.Patterns.PostgresDSN; dsn != "" {
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect pattern store: %w", err)
			}
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})

			pg := patternstore.NewPostgresStore(pool)
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate pattern store: %w", err)
			}
			a.patterns = pg
			slog.Info("pattern store connected", "backend", "postgres")
		} else {
			a.patterns = patternstore.NewMemoryStore()
			slog.Info("pattern store created", "backend", "memory")
		}
	}

	for _, p := range a.cfg.Patterns.Definitions {
		if err := a.patterns.Save(ctx, p); err != nil {
			return fmt.Errorf("seed pattern %q: %w", p.ID, err)
		}
	}
	if id := a.cfg.Patterns.Active; id != "" {
		if err := a.patterns.SetActive(ctx, id); err != nil {
			return fmt.Errorf("activate pattern %q: %w", id, err)
		}
	}
	return nil
}

// initProcessor builds the response generator, pending-response store and
// behavior processor.
func (a *App) initProcessor() error {
	if a.generator == nil {
		if a.provider == nil {
			return fmt.Errorf("an LLM provider or an injected generator is required")
		}
		var ropts []responder.Option
		if a.cfg.Agent.SystemPrompt != "" {
			ropts = append(ropts, responder.WithSystemPrompt(a.cfg.Agent.SystemPrompt))
		}
		gen, err := responder.New(a.provider, a.cfg.Agent.Name, ropts...)
		if err != nil {
			return err
		}
		a.generator = gen
	}

	a.responses = behavior.NewStore(0)
	a.emitter = behavior.NewEmitter(slog.Default(), behavior.WithPanicHook(func(ev behavior.EventType) {
		a.metrics.RecordListenerPanic(context.Background(), string(ev))
	}))

	popts := []behavior.ProcessorOption{
		behavior.WithMatcher(a.matcher),
		behavior.WithInstrumentation(a.metrics),
	}
	if a.collab.ChatOut != nil {
		popts = append(popts, behavior.WithChatSender(a.collab.ChatOut))
	}
	if a.collab.Speech != nil {
		popts = append(popts, behavior.WithSpeechSender(a.collab.Speech))
	}
	if a.collab.Hands != nil {
		popts = append(popts, behavior.WithHandControl(a.collab.Hands))
	}

	p, err := behavior.NewProcessor(a.patterns, a.generator, a.responses, a.emitter, popts...)
	if err != nil {
		return err
	}
	a.processor = p
	return nil
}

// initEngine assembles the bridge engine over the meeting collaborators.
func (a *App) initEngine() error {
	var aggOpts []captions.Option
	if w := a.cfg.Aggregation.Window(); w > 0 {
		aggOpts = append(aggOpts, captions.WithWindow(w))
	}
	if pt := a.cfg.Aggregation.PendingTimeout(); pt > 0 {
		aggOpts = append(aggOpts, captions.WithPendingTimeout(pt))
	}

	eopts := []bridge.Option{
		bridge.WithAggregatorOptions(aggOpts...),
		bridge.WithMetrics(a.metrics),
	}
	if a.cfg.LLM.CorrectCaptions && a.provider != nil {
		eopts = append(eopts, bridge.WithCaptionCorrection())
	}

	engine, err := bridge.New(a.matcher, a.escalator, a.processor, bridge.Sources{
		Captions: a.collab.Captions,
		Chat:     a.collab.Chat,
		Hands:    a.collab.Hands,
	}, eopts...)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// initObservability wires metrics to the event stream and response store and
// prepares the diagnostics HTTP server when a listen address is configured.
func (a *App) initObservability() error {
	unsub := a.metrics.ObserveEvents(a.emitter)
	a.closers = append(a.closers, func() error {
		unsub()
		return nil
	})
	if err := a.metrics.ObserveQueue(a.responses); err != nil {
		return err
	}

	if a.cfg.Server.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{health.PatternChecker(a.patterns)}
	if a.provider != nil {
		checkers = append(checkers, health.LLMChecker(a.provider))
	}
	health.New(checkers...).Register(mux)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the engine and the diagnostics server and blocks until ctx is
// cancelled. It returns context.Canceled on a clean signal shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	if a.httpSrv != nil {
		go func() {
			slog.Info("diagnostics server listening", "addr", a.httpSrv.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.httpSrv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				slog.Error("diagnostics server failed", "err", err)
			}
		}()
	}

	slog.Info("app running", "agent", a.cfg.Agent.Name)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("diagnostics server shutdown error", "err", err)
			}
		}

		// Stop the engine first so no new responses are created while the
		// rest unwinds.
		a.engine.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloadable config change. Pattern definitions are
// re-seeded into the store; detection and aggregation changes are logged but
// require a restart, matching the watcher contract that only safe fields are
// applied live.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		slog.Info("log level change requires restart", "new_level", d.NewLogLevel)
	}
	if d.AgentChanged || d.MatchingChanged || d.AggregationChanged {
		slog.Info("detection configuration changed; restart to apply")
	}

	if !d.PatternsChanged {
		return
	}
	for _, pc := range d.PatternChanges {
		if pc.Removed {
			if err := a.patterns.Delete(ctx, pc.ID); err != nil {
				slog.Warn("removing pattern", "id", pc.ID, "err", err)
			}
			continue
		}
		for _, p := range new.Patterns.Definitions {
			if p.ID == pc.ID {
				if err := a.patterns.Save(ctx, p); err != nil {
					slog.Warn("saving pattern", "id", pc.ID, "err", err)
				}
				break
			}
		}
	}
	if id := new.Patterns.Active; id != "" && id != old.Patterns.Active {
		if err := a.patterns.SetActive(ctx, id); err != nil {
			slog.Warn("activating pattern", "id", id, "err", err)
		}
	}
	slog.Info("behavior patterns reloaded", "changes", len(d.PatternChanges))
}
