// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/brokerish/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/brokerish"

var _ broker.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the MQTT broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	messagesDropped     metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize    metric.Int64Histogram
	fanOutDuration metric.Float64Histogram
}

// NewMetrics creates the broker instruments on meter. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{meter: meter}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.connectionsTotal, "mqtt.connections.total", "Total number of MQTT connections", "{connection}"},
		{&m.disconnectionsTotal, "mqtt.disconnections.total", "Total number of MQTT disconnections", "{connection}"},
		{&m.messagesReceived, "mqtt.messages.received.total", "Total PUBLISH packets received from clients", "{message}"},
		{&m.messagesSent, "mqtt.messages.sent.total", "Total PUBLISH packets written to clients", "{message}"},
		{&m.messagesDropped, "mqtt.messages.dropped.total", "Outgoing packets dropped on a full outbox", "{message}"},
		{&m.bytesReceived, "mqtt.bytes.received.total", "Total payload bytes received", "By"},
		{&m.bytesSent, "mqtt.bytes.sent.total", "Total bytes written for PUBLISH packets", "By"},
		{&m.errorsTotal, "mqtt.errors.total", "Total errors by type", "{error}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"mqtt.connections.current",
		metric.WithDescription("Current number of registered MQTT clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = meter.Int64UpDownCounter(
		"mqtt.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"mqtt.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.fanOutDuration, err = meter.Float64Histogram(
		"mqtt.fanout.duration.ms",
		metric.WithDescription("Time to route one PUBLISH to its subscribers in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanOutDuration histogram: %w", err)
	}

	return m, nil
}

// ObserveBroker registers asynchronous gauges read from the broker snapshot.
func (m *Metrics) ObserveBroker(stats func() broker.Snapshot) (metric.Registration, error) {
	queueDepth, err := m.meter.Int64ObservableGauge(
		"mqtt.broker.queue.depth",
		metric.WithDescription("Commands waiting for the broker loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}
	leased, err := m.meter.Int64ObservableGauge(
		"mqtt.broker.buffers.leased",
		metric.WithDescription("Receive buffers currently leased from the pool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create leased buffers gauge: %w", err)
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(queueDepth, int64(s.QueueDepth))
		o.ObserveInt64(leased, s.LeasedBuffers)
		return nil
	}, queueDepth, leased)
}

// RecordConnection records a newly registered client.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("version", "5.0")))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a client leaving the registry.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a PUBLISH received from a client.
func (m *Metrics) RecordMessageReceived(sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageSent records a PUBLISH written to a client.
func (m *Metrics) RecordMessageSent(sizeBytes int64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordMessageDropped() {
	m.messagesDropped.Add(context.Background(), 1)
}

func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

func (m *Metrics) RecordSubscriptionRemoved(n int) {
	if n == 0 {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -int64(n))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

func (m *Metrics) RecordFanOutDuration(durationMs float64) {
	m.fanOutDuration.Record(context.Background(), durationMs)
}
