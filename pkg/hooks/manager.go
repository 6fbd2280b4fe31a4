// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package hooks interposes on every tool call an agent makes, without the
// agent's backend knowing hooks exist. Pre-tool hooks can deny a call before
// it runs; post-tool hooks can append injections after its result. Hooks
// never mutate conversation buffers directly: they return decisions and the
// orchestrator applies them, so the buffer ordering invariant stays in one
// place.
package hooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/tools"
)

// Action is a hook's verdict on a tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Injection is coordination content to append after the tool result.
type Injection struct {
	Content string
}

// Decision is the outcome of a single hook execution.
type Decision struct {
	Action Action
	Reason string
	Inject *Injection
}

// Allow returns a plain allow decision.
func Allow() *Decision {
	return &Decision{Action: ActionAllow}
}

// AllowWithInjection allows the call and requests an injection.
func AllowWithInjection(content string) *Decision {
	return &Decision{Action: ActionAllow, Inject: &Injection{Content: content}}
}

// Deny blocks the tool call with a reason the model will see.
func Deny(reason string) *Decision {
	return &Decision{Action: ActionDeny, Reason: reason}
}

// ToolContext describes the call being intercepted.
type ToolContext struct {
	AgentID string
	Call    tools.Call
	Round   int
	Attempt int
}

// PreToolUseHook runs before a tool call is dispatched.
type PreToolUseHook interface {
	Name() string
	PreToolUse(ctx context.Context, tc *ToolContext) (*Decision, error)
}

// PostToolUseHook runs after a tool call produced a result.
type PostToolUseHook interface {
	Name() string
	PostToolUse(ctx context.Context, tc *ToolContext, res *tools.Result) (*Decision, error)
}

// PipelineResult aggregates a hook chain run.
type PipelineResult struct {
	Denied     bool
	DenyReason string
	DeniedBy   string

	// Injections in hook registration order
	Injections []string
}

// Manager runs registered hooks in registration order. The first deny
// short-circuits the remainder of the chain. A hook error is logged and
// treated as allow: a broken hook must not wedge the session.
type Manager struct {
	pre  []PreToolUseHook
	post []PostToolUseHook

	tracer observability.Tracer
	logger *zap.Logger
}

// NewManager creates an empty hook manager. Tracer and logger may be nil.
func NewManager(tracer observability.Tracer, logger *zap.Logger) *Manager {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{tracer: tracer, logger: logger}
}

// RegisterPre appends a pre-tool hook. Not safe after the session starts.
func (m *Manager) RegisterPre(h PreToolUseHook) {
	m.pre = append(m.pre, h)
}

// RegisterPost appends a post-tool hook. Not safe after the session starts.
func (m *Manager) RegisterPost(h PostToolUseHook) {
	m.post = append(m.post, h)
}

// RunPre executes the pre-tool chain for a call.
func (m *Manager) RunPre(ctx context.Context, tc *ToolContext) *PipelineResult {
	result := &PipelineResult{}
	for _, h := range m.pre {
		hctx, span := m.tracer.StartSpan(ctx, observability.SpanHookPre,
			observability.WithAttribute(observability.AttrHookName, h.Name()),
			observability.WithAttribute(observability.AttrToolName, tc.Call.Name),
			observability.WithAttribute(observability.AttrAgentID, tc.AgentID))

		decision, err := h.PreToolUse(hctx, tc)
		m.finishSpan(span, h.Name(), decision, err)

		if err != nil {
			m.logger.Warn("pre-tool hook failed, treating as allow",
				zap.String("hook", h.Name()),
				zap.String("tool", tc.Call.Name),
				zap.Error(err))
			continue
		}
		if m.apply(result, h.Name(), decision) {
			return result
		}
	}
	return result
}

// RunPost executes the post-tool chain for a completed call.
func (m *Manager) RunPost(ctx context.Context, tc *ToolContext, res *tools.Result) *PipelineResult {
	result := &PipelineResult{}
	for _, h := range m.post {
		hctx, span := m.tracer.StartSpan(ctx, observability.SpanHookPost,
			observability.WithAttribute(observability.AttrHookName, h.Name()),
			observability.WithAttribute(observability.AttrToolName, tc.Call.Name),
			observability.WithAttribute(observability.AttrAgentID, tc.AgentID))

		decision, err := h.PostToolUse(hctx, tc, res)
		m.finishSpan(span, h.Name(), decision, err)

		if err != nil {
			m.logger.Warn("post-tool hook failed, treating as allow",
				zap.String("hook", h.Name()),
				zap.String("tool", tc.Call.Name),
				zap.Error(err))
			continue
		}
		if m.apply(result, h.Name(), decision) {
			return result
		}
	}
	return result
}

// apply folds one decision into the pipeline result and reports whether the
// chain should stop.
func (m *Manager) apply(result *PipelineResult, hookName string, decision *Decision) bool {
	if decision == nil {
		return false
	}
	if decision.Inject != nil && decision.Inject.Content != "" {
		result.Injections = append(result.Injections, decision.Inject.Content)
		m.tracer.RecordMetric(observability.MetricHookInjections, 1, map[string]string{"hook": hookName})
	}
	if decision.Action == ActionDeny {
		result.Denied = true
		result.DenyReason = decision.Reason
		result.DeniedBy = hookName
		m.tracer.RecordMetric(observability.MetricHookDenials, 1, map[string]string{"hook": hookName})
		return true
	}
	return false
}

func (m *Manager) finishSpan(span *observability.Span, hookName string, decision *Decision, err error) {
	if span != nil {
		if err != nil {
			span.RecordError(err)
		} else if decision != nil {
			span.SetAttribute(observability.AttrHookDecision, string(decision.Action))
		}
	}
	m.tracer.EndSpan(span)
}
