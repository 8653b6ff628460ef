// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/forge/pkg/errors"
)

// Metrics holds the forge instruments. A nil *Metrics records nothing.
type Metrics struct {
	sessionsStarted  metric.Int64Counter
	sessionsFinished metric.Int64Counter
	sessionSteps     metric.Int64Histogram
	activeSessions   metric.Int64UpDownCounter
	toolCalls        metric.Int64Counter
	toolLatency      metric.Float64Histogram
	generations      metric.Int64Counter
	rejections       metric.Int64Counter
	streamOverflows  metric.Int64Counter
	errorCounter     metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(ScopeName)
	m := &Metrics{}
	var err error

	if m.sessionsStarted, err = meter.Int64Counter("forge.sessions.started",
		metric.WithDescription("Sessions started")); err != nil {
		return nil, err
	}
	if m.sessionsFinished, err = meter.Int64Counter("forge.sessions.finished",
		metric.WithDescription("Sessions finished by status")); err != nil {
		return nil, err
	}
	if m.sessionSteps, err = meter.Int64Histogram("forge.sessions.steps",
		metric.WithDescription("Reasoning steps per session")); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("forge.sessions.active",
		metric.WithDescription("Sessions currently running")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("forge.capability.calls",
		metric.WithDescription("Capability invocations by name and outcome")); err != nil {
		return nil, err
	}
	if m.toolLatency, err = meter.Float64Histogram("forge.capability.duration",
		metric.WithDescription("Capability invocation latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.generations, err = meter.Int64Counter("forge.generations",
		metric.WithDescription("Capability generation requests by outcome")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("forge.validation.rejections",
		metric.WithDescription("Validator rejections by kind")); err != nil {
		return nil, err
	}
	if m.streamOverflows, err = meter.Int64Counter("forge.stream.overflows",
		metric.WithDescription("Subscribers closed for backpressure")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("forge.errors",
		metric.WithDescription("Errors by kind and component")); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionStarted records a session entering running.
func (m *Metrics) SessionStarted(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAgentID, agentID)))
	m.activeSessions.Add(ctx, 1)
}

// SessionFinished records a terminal status and the steps taken.
func (m *Metrics) SessionFinished(ctx context.Context, status string, steps int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrStatus, status))
	m.sessionsFinished.Add(ctx, 1, attrs)
	m.sessionSteps.Record(ctx, int64(steps), attrs)
	m.activeSessions.Add(ctx, -1)
}

// ToolCall records one capability invocation.
func (m *Metrics) ToolCall(ctx context.Context, name string, success bool, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrCapabilityName, name),
		attribute.Bool(AttrToolSuccess, success),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, durationMs, attrs)
}

// Generation records a generation outcome: accepted, rejected or error.
func (m *Metrics) Generation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Rejection records a validator rejection.
func (m *Metrics) Rejection(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrValidationKind, kind)))
}

// StreamOverflow records a subscriber closed for backpressure.
func (m *Metrics) StreamOverflow(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamOverflows.Add(ctx, 1)
}

// Error records err against component.
func (m *Metrics) Error(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	fe := errors.AsForgeError(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorKind, string(fe.Code)),
		attribute.String(AttrRecoverable, fe.RecoverableString()),
		attribute.String("component", component),
	))
}
