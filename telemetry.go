package clenzy

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mazy06/clenzy-sub010"

var (
	attrTopic   = attribute.Key("realtime.topic")
	attrChannel = attribute.Key("event.channel")
	attrReason  = attribute.Key("event.drop_reason")
	attrDomain  = attribute.Key("cache.domain")
	attrOutcome = attribute.Key("mutation.outcome")
)

const (
	outcomeCommitted  = "committed"
	outcomeRolledBack = "rolled_back"
)

// Metrics records SDK counters through the OpenTelemetry metric API.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	frames     metric.Int64Counter
	dropped    metric.Int64Counter
	reconnects metric.Int64Counter
	mutations  metric.Int64Counter
}

// NewMetrics creates the SDK instruments on provider, or on the global
// meter provider when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	frames, err := meter.Int64Counter("clenzy.realtime.frames",
		metric.WithDescription("Inbound realtime frames delivered to handlers."))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("clenzy.realtime.frames.dropped",
		metric.WithDescription("Inbound events dropped because they could not be decoded."))
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter("clenzy.realtime.reconnects",
		metric.WithDescription("Transport reconnect attempts."))
	if err != nil {
		return nil, err
	}
	mutations, err := meter.Int64Counter("clenzy.mutations",
		metric.WithDescription("Optimistic mutations by outcome."))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		frames:     frames,
		dropped:    dropped,
		reconnects: reconnects,
		mutations:  mutations,
	}, nil
}

func defaultMetrics() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) frameReceived(ctx context.Context, topic string) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attrTopic.String(topic)))
}

func (m *Metrics) frameDropped(ctx context.Context, channel Channel, reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		attrChannel.String(string(channel)),
		attrReason.String(reason),
	))
}

func (m *Metrics) reconnectAttempt(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) mutationSettled(ctx context.Context, key Key, outcome string) {
	if m == nil || m.mutations == nil {
		return
	}
	domain := ""
	if len(key) > 0 {
		domain = fmt.Sprint(key[0])
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attrDomain.String(domain),
		attrOutcome.String(outcome),
	))
}
