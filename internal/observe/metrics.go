// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parleyhq/parley/internal/behavior"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyhq/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EscalationDuration tracks hybrid mention-escalation latency,
	// including any LLM round trip.
	EscalationDuration metric.Float64Histogram

	// GenerationDuration tracks response-generation latency.
	GenerationDuration metric.Float64Histogram

	// DeliveryDuration tracks response delivery latency across channels.
	DeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// CaptionsReceived counts final caption fragments entering the pipeline.
	CaptionsReceived metric.Int64Counter

	// MentionsDetected counts detected mentions. Use with attributes:
	//   attribute.String("source", ...), attribute.String("tier", ...)
	MentionsDetected metric.Int64Counter

	// Escalations counts LLM escalations of marginal matches. Use with
	// attribute: attribute.String("outcome", ...)
	Escalations metric.Int64Counter

	// PendingMentionTimeouts counts bare mentions that expired without a
	// follow-up question.
	PendingMentionTimeouts metric.Int64Counter

	// ResponseEvents counts response lifecycle events. Use with attribute:
	//   attribute.String("event", ...)
	ResponseEvents metric.Int64Counter

	// ProviderErrors counts LLM provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ListenerPanics counts recovered panics in event listeners. Use with
	// attribute: attribute.String("event", ...)
	ListenerPanics metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter is kept for registering observable gauges after construction.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for caption-to-response latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.EscalationDuration, err = m.Float64Histogram("parley.escalation.duration",
		metric.WithDescription("Latency of hybrid mention escalation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("parley.generation.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("parley.delivery.duration",
		metric.WithDescription("Latency of response delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptionsReceived, err = m.Int64Counter("parley.captions.received",
		metric.WithDescription("Total final caption fragments received."),
	); err != nil {
		return nil, err
	}
	if met.MentionsDetected, err = m.Int64Counter("parley.mentions.detected",
		metric.WithDescription("Total detected mentions by source and match tier."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("parley.escalations",
		metric.WithDescription("Total LLM escalations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PendingMentionTimeouts, err = m.Int64Counter("parley.pending_mention.timeouts",
		metric.WithDescription("Total bare mentions that timed out waiting for a follow-up."),
	); err != nil {
		return nil, err
	}
	if met.ResponseEvents, err = m.Int64Counter("parley.response.events",
		metric.WithDescription("Total response lifecycle events by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ListenerPanics, err = m.Int64Counter("parley.listener.panics",
		metric.WithDescription("Total recovered event-listener panics by event type."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMention records a detected mention with the standard attribute set.
// Tier names the matching tier that fired ("exact", "phonetic", "fuzzy",
// "llm").
func (m *Metrics) RecordMention(ctx context.Context, source, tier string) {
	m.MentionsDetected.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("tier", tier),
		),
	)
}

// RecordEscalation records an LLM escalation with its outcome ("confirmed",
// "vetoed", "degraded").
func (m *Metrics) RecordEscalation(ctx context.Context, outcome string) {
	m.Escalations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordCaption counts one final caption fragment entering the pipeline.
func (m *Metrics) RecordCaption(ctx context.Context) {
	m.CaptionsReceived.Add(ctx, 1)
}

// RecordEscalationLatency records one hybrid escalation round trip.
func (m *Metrics) RecordEscalationLatency(ctx context.Context, d time.Duration) {
	m.EscalationDuration.Record(ctx, d.Seconds())
}

// RecordPendingTimeout counts a bare mention that expired without a follow-up.
func (m *Metrics) RecordPendingTimeout(ctx context.Context) {
	m.PendingMentionTimeouts.Add(ctx, 1)
}

// RecordProviderError records an LLM provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordListenerPanic counts a recovered event-listener panic.
func (m *Metrics) RecordListenerPanic(ctx context.Context, event string) {
	m.ListenerPanics.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordGeneration records response-generation latency. Together with
// [Metrics.RecordDelivery] it satisfies [behavior.Instrumentation], so a
// Metrics instance plugs straight into the processor.
func (m *Metrics) RecordGeneration(ctx context.Context, d time.Duration) {
	m.GenerationDuration.Record(ctx, d.Seconds())
}

// RecordDelivery records response-delivery latency for one channel setting.
func (m *Metrics) RecordDelivery(ctx context.Context, channel string, d time.Duration) {
	m.DeliveryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// Compile-time check that Metrics can instrument the behavior processor.
var _ behavior.Instrumentation = (*Metrics)(nil)

// ObserveEvents subscribes m to the processor's event stream and counts every
// response lifecycle event by type. It returns the unsubscribe function.
func (m *Metrics) ObserveEvents(emitter *behavior.Emitter) (unsubscribe func()) {
	return emitter.Subscribe(func(ev behavior.Event) {
		m.ResponseEvents.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", string(ev.Type))),
		)
	})
}

// ObserveQueue registers observable gauges that report the pending-response
// store contents on every metrics collection. The store is read at scrape
// time, so the gauges can never drift from the actual queue state.
func (m *Metrics) ObserveQueue(store *behavior.Store) error {
	openResponses, err := m.meter.Int64ObservableGauge("parley.open_responses",
		metric.WithDescription("Number of non-terminal pending responses."),
	)
	if err != nil {
		return err
	}
	raisedHands, err := m.meter.Int64ObservableGauge("parley.raised_hands",
		metric.WithDescription("Number of responses holding a raised meeting hand."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := store.Stats()
		open := st.Pending + st.Approved + st.HandRaised + st.Sending
		o.ObserveInt64(openResponses, int64(open))
		o.ObserveInt64(raisedHands, int64(st.HandRaised))
		return nil
	}, openResponses, raisedHands)
	return err
}
