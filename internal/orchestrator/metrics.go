package orchestrator

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/interrupt"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records response outcomes. A nil *Metrics records nothing.
type Metrics struct {
	requests      metric.Int64Counter
	noResults     metric.Int64Counter
	interrupted   metric.Int64Counter
	synthFailures metric.Int64Counter
	drainTimeouts metric.Int64Counter
	firstFragment metric.Float64Histogram
}

// NewMetrics registers the response instruments on meter. When registry is
// non-nil the number of tracked sessions is exported as a gauge.
func NewMetrics(meter metric.Meter, registry *interrupt.Registry) (*Metrics, error) {
	var m Metrics
	var err error
	if m.requests, err = meter.Int64Counter("loqa_responses_total",
		metric.WithDescription("Responses started")); err != nil {
		return nil, err
	}
	if m.noResults, err = meter.Int64Counter("loqa_responses_no_results_total",
		metric.WithDescription("Responses answered without retrieved documents")); err != nil {
		return nil, err
	}
	if m.interrupted, err = meter.Int64Counter("loqa_responses_interrupted_total",
		metric.WithDescription("Responses superseded by a newer request")); err != nil {
		return nil, err
	}
	if m.synthFailures, err = meter.Int64Counter("loqa_synthesis_failures_total",
		metric.WithDescription("Sentences whose synthesis failed")); err != nil {
		return nil, err
	}
	if m.drainTimeouts, err = meter.Int64Counter("loqa_synthesis_drain_timeouts_total",
		metric.WithDescription("Responses whose synthesis worker was cancelled at the drain deadline")); err != nil {
		return nil, err
	}
	if m.firstFragment, err = meter.Float64Histogram("loqa_first_fragment_seconds",
		metric.WithDescription("Latency from request start to the first generated fragment"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if registry != nil {
		gauge, err := meter.Int64ObservableGauge("loqa_sessions_tracked",
			metric.WithDescription("Sessions known to the interruption registry"))
		if err != nil {
			return nil, err
		}
		if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, int64(registry.Len()))
			return nil
		}, gauge); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) request(ctx context.Context) {
	if m != nil {
		m.requests.Add(ctx, 1)
	}
}

func (m *Metrics) noResult(ctx context.Context) {
	if m != nil {
		m.noResults.Add(ctx, 1)
	}
}

func (m *Metrics) interruptedResponse(ctx context.Context) {
	if m != nil {
		m.interrupted.Add(ctx, 1)
	}
}

func (m *Metrics) synthesisFailures(ctx context.Context, n int) {
	if m != nil && n > 0 {
		m.synthFailures.Add(ctx, int64(n))
	}
}

func (m *Metrics) drainTimeout(ctx context.Context) {
	if m != nil {
		m.drainTimeouts.Add(ctx, 1)
	}
}

func (m *Metrics) firstFragmentAfter(ctx context.Context, d time.Duration) {
	if m != nil {
		m.firstFragment.Record(ctx, d.Seconds())
	}
}
