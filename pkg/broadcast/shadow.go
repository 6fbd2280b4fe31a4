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
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/massgen/pkg/conversation"
	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// BackendProvider resolves an agent's backend for shadow runs.
type BackendProvider func(agentID string) types.Backend

// TranscriptProvider returns the recent conversation of an agent, already
// reduced to simple user/assistant messages.
type TranscriptProvider func(agentID string, tail int) []types.Message

// NotifyFunc delivers the informational "you were asked and answered" note to
// the target agent after its shadow responded. The orchestrator wires this to
// the agent's buffer.
type NotifyFunc func(agentID, note string)

// ShadowConfig bounds shadow runs. Zero values fall back to defaults.
type ShadowConfig struct {
	// Parallelism caps concurrent shadow runs per broadcast.
	Parallelism int

	// Timeout bounds one shadow's model call.
	Timeout time.Duration

	// ContextTail is how many recent transcript messages the shadow inherits.
	ContextTail int
}

func (c *ShadowConfig) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ContextTail <= 0 {
		c.ContextTail = 6
	}
}

// ShadowRunner answers broadcasts in agents mode by running an ephemeral
// clone of each target: the target's own backend, a slice of its recent
// transcript, and a simplified system prompt. Shadows share no mutable state
// with the real agent turn.
type ShadowRunner struct {
	cfg        ShadowConfig
	channel    *Channel
	backends   BackendProvider
	transcript TranscriptProvider
	notify     NotifyFunc

	tracer observability.Tracer
	logger *zap.Logger
}

// NewShadowRunner creates a runner. notify may be nil.
func NewShadowRunner(cfg ShadowConfig, channel *Channel, backends BackendProvider, transcript TranscriptProvider, notify NotifyFunc, tracer observability.Tracer, logger *zap.Logger) *ShadowRunner {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShadowRunner{
		cfg:        cfg,
		channel:    channel,
		backends:   backends,
		transcript: transcript,
		notify:     notify,
		tracer:     tracer,
		logger:     logger,
	}
}

// Run fans the request out to one shadow per target and returns immediately.
// Every target yields exactly one response: its answer, or an "[Error: …]"
// entry when the shadow failed. A failed shadow never cancels its siblings.
func (s *ShadowRunner) Run(ctx context.Context, req *Request) {
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Parallelism)

		for _, target := range req.Targets {
			target := target
			g.Go(func() error {
				content, err := s.runShadow(ctx, req, target)
				if err != nil {
					content = fmt.Sprintf("[Error: %s]", err.Error())
					s.logger.Warn("shadow run failed",
						zap.String("request_id", req.ID),
						zap.String("target", target),
						zap.Error(err))
				} else if s.notify != nil {
					s.notify(target, conversation.ShadowNote(req.Question(), content))
				}

				alias, aliasErr := s.channel.tracker.AliasFor(target)
				if aliasErr != nil {
					alias = target
				}
				if collectErr := s.channel.CollectResponse(Response{
					RequestID:      req.ID,
					ResponderID:    target,
					ResponderAlias: alias,
					Content:        content,
					Timestamp:      time.Now(),
				}); collectErr != nil {
					s.logger.Debug("shadow response not collected",
						zap.String("request_id", req.ID),
						zap.Error(collectErr))
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// runShadow executes one shadow turn and returns its answer text.
func (s *ShadowRunner) runShadow(ctx context.Context, req *Request, target string) (string, error) {
	var span *observability.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartSpan(ctx, observability.SpanShadowRun)
		defer s.tracer.EndSpan(span)
		span.SetAttribute(observability.AttrBroadcastID, req.ID)
		span.SetAttribute(observability.AttrAgentID, target)
	}
	if s.tracer != nil {
		s.tracer.RecordMetric(observability.MetricShadowRuns, 1, nil)
	}

	backend := s.backends(target)
	if backend == nil {
		return "", fmt.Errorf("no backend for agent %s", target)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	messages := []types.Message{types.NewSystemMessage(conversation.ShadowSystemPrompt)}
	if s.transcript != nil {
		messages = append(messages, s.transcript(target, s.cfg.ContextTail)...)
	}
	messages = append(messages, types.NewUserMessage(
		conversation.BroadcastPrompt(req.FromAlias, req.ID, req.Question())))

	stream, err := backend.Stream(ctx, messages, []tools.Definition{tools.RespondBroadcastDefinition()})
	if err != nil {
		return "", fmt.Errorf("shadow stream: %w", err)
	}

	var text strings.Builder
	var answer string
	for chunk := range stream {
		switch chunk.Type {
		case types.ChunkContent:
			text.WriteString(chunk.Text)
		case types.ChunkCompleteMessage:
			if chunk.Message != nil {
				text.WriteString(chunk.Message.Content)
			}
		case types.ChunkToolCall:
			for _, call := range chunk.ToolCalls {
				if call.Name != tools.ToolRespondBroadcast {
					continue
				}
				payload, perr := tools.ParseRespondBroadcast(call.Arguments)
				if perr != nil {
					continue
				}
				if payload.RequestID != req.ID {
					s.logger.Debug("shadow answered with mismatched request id",
						zap.String("want", req.ID),
						zap.String("got", payload.RequestID))
				}
				answer = payload.Answer
			}
		case types.ChunkError:
			return "", fmt.Errorf("shadow backend: %s", chunk.Err)
		}
	}

	// Prefer the explicit tool response; fall back to accumulated text for
	// models that answered in prose.
	if answer == "" {
		answer = strings.TrimSpace(text.String())
	}
	if answer == "" {
		return "", fmt.Errorf("shadow produced no response")
	}
	return answer, nil
}
