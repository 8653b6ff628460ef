// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires slog, OpenTelemetry tracing and metrics for forge.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans and metrics.
const (
	AttrAgentID   = "forge.agent.id"
	AttrWorldID   = "forge.world.id"
	AttrSessionID = "forge.session.id"
	AttrGoal      = "forge.session.goal"
	AttrStatus    = "forge.session.status"
	AttrStep      = "forge.session.step"
	AttrMaxSteps  = "forge.session.max_steps"

	AttrCapabilityName     = "forge.capability.name"
	AttrCapabilityCategory = "forge.capability.category"
	AttrToolCallID         = "forge.tool.call_id"
	AttrToolSuccess        = "forge.tool.success"
	AttrToolDurationMs     = "forge.tool.duration_ms"

	AttrValidationKind    = "forge.validation.kind"
	AttrValidationReasons = "forge.validation.reasons"
	AttrAttempt           = "forge.generation.attempt"

	AttrErrorKind   = "forge.error.kind"
	AttrRecoverable = "forge.error.recoverable"

	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMToolCalls    = "gen_ai.tool_calls"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
)

// SessionAttributes returns attributes for a session span.
func SessionAttributes(sessionID, agentID, worldID, goal string, maxSteps int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrAgentID, agentID),
		attribute.Int(AttrMaxSteps, maxSteps),
	}
	if worldID != "" {
		attrs = append(attrs, attribute.String(AttrWorldID, worldID))
	}
	if goal != "" {
		attrs = append(attrs, attribute.String(AttrGoal, truncate(goal, 200)))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a capability call span.
func ToolCallAttributes(name, callID string, durationMs float64, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCapabilityName, name),
		attribute.String(AttrToolCallID, callID),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
}

// LLMAttributes returns attributes for a reasoning or generation call.
func LLMAttributes(model string, msgCount, toolCallCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if toolCallCount > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCallCount))
	}
	return attrs
}

// UsageAttributes returns token usage attributes.
func UsageAttributes(input, output int) []attribute.KeyValue {
	if input == 0 && output == 0 {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int(AttrLLMTokensInput, input),
		attribute.Int(AttrLLMTokensOutput, output),
	}
}

// ValidationAttributes returns attributes describing a validator verdict.
func ValidationAttributes(kind string, reasons int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrValidationKind, kind),
		attribute.Int(AttrValidationReasons, reasons),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
