package stt

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics counts recognition outcomes. A nil *Metrics records nothing.
type Metrics struct {
	interims     metric.Int64Counter
	finals       metric.Int64Counter
	decodeErrors metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	interims, err := meter.Int64Counter("loqa_stt_interim_results_total",
		metric.WithDescription("Interim recognition results emitted"))
	if err != nil {
		return nil, err
	}
	finals, err := meter.Int64Counter("loqa_stt_final_results_total",
		metric.WithDescription("Utterances closed by end or silence"))
	if err != nil {
		return nil, err
	}
	decodeErrors, err := meter.Int64Counter("loqa_stt_decode_errors_total",
		metric.WithDescription("Audio frames dropped after a decoder error"))
	if err != nil {
		return nil, err
	}
	return &Metrics{interims: interims, finals: finals, decodeErrors: decodeErrors}, nil
}

func (m *Metrics) interim(ctx context.Context) {
	if m != nil {
		m.interims.Add(ctx, 1)
	}
}

func (m *Metrics) final(ctx context.Context) {
	if m != nil {
		m.finals.Add(ctx, 1)
	}
}

func (m *Metrics) decodeError(ctx context.Context) {
	if m != nil {
		m.decodeErrors.Add(ctx, 1)
	}
}
