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
// Package backend provides the backend registry and the deterministic
// scripted backend used by tests and demo runs. The reference streaming
// backend lives in the anthropic subpackage.
package backend

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// ScriptToolCall is a scripted tool invocation.
type ScriptToolCall struct {
	Name string                 `yaml:"name"`
	Args map[string]interface{} `yaml:"args"`
}

// ScriptStep is one emission within a scripted turn. Exactly one field should
// be set; a step with multiple fields emits them in the order reasoning,
// content, tool call, error.
type ScriptStep struct {
	Content   string          `yaml:"content,omitempty"`
	Reasoning string          `yaml:"reasoning,omitempty"`
	ToolCall  *ScriptToolCall `yaml:"tool_call,omitempty"`
	Error     string          `yaml:"error,omitempty"`
}

// Script is an ordered list of turns; each Stream call replays the next one.
type Script struct {
	Turns [][]ScriptStep `yaml:"turns"`
}

// LoadScript reads a YAML scenario file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied scenario path
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(script.Turns) == 0 {
		return nil, fmt.Errorf("script %s has no turns", path)
	}
	return &script, nil
}

// Scripted is a deterministic backend that replays a scenario turn per Stream
// call. It is the workhorse of the end-to-end tests and of demo sessions; it
// never touches the network.
type Scripted struct {
	name  string
	turns [][]ScriptStep

	mu    sync.Mutex
	next  int
	calls int
}

// NewScripted creates a scripted backend named name that replays turns.
func NewScripted(name string, turns [][]ScriptStep) *Scripted {
	return &Scripted{name: name, turns: turns}
}

// Name implements types.Backend.
func (s *Scripted) Name() string { return "scripted" }

// Model implements types.Backend.
func (s *Scripted) Model() string { return s.name }

// Calls reports how many Stream invocations the backend served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Stream implements types.Backend by replaying the next scripted turn.
// Streaming past the last turn yields an error chunk, which surfaces scenario
// bugs as failed turns instead of hangs.
func (s *Scripted) Stream(ctx context.Context, messages []types.Message, tls []tools.Definition) (<-chan types.Chunk, error) {
	s.mu.Lock()
	s.calls++
	turn := s.next
	if turn < len(s.turns) {
		s.next++
	}
	s.mu.Unlock()

	out := make(chan types.Chunk, 16)
	go func() {
		defer close(out)

		if turn >= len(s.turns) {
			s.emit(ctx, out, types.ErrorChunk(fmt.Errorf("script for %s exhausted after %d turns", s.name, len(s.turns))))
			return
		}

		for _, step := range s.turns[turn] {
			if step.Reasoning != "" {
				if !s.emit(ctx, out, types.ReasoningChunk(step.Reasoning)) {
					return
				}
			}
			if step.Content != "" {
				if !s.emit(ctx, out, types.ContentChunk(step.Content)) {
					return
				}
			}
			if step.ToolCall != nil {
				call := tools.Call{
					ID:        uuid.New().String(),
					Name:      step.ToolCall.Name,
					Arguments: step.ToolCall.Args,
				}
				if !s.emit(ctx, out, types.ToolCallChunk(call)) {
					return
				}
			}
			if step.Error != "" {
				s.emit(ctx, out, types.ErrorChunk(fmt.Errorf("%s", step.Error)))
				return
			}
		}
		s.emit(ctx, out, types.DoneChunk(nil))
	}()
	return out, nil
}

func (s *Scripted) emit(ctx context.Context, out chan<- types.Chunk, c types.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Step builders keep scenario literals in tests compact.

// Say returns a content step.
func Say(text string) ScriptStep { return ScriptStep{Content: text} }

// Think returns a reasoning step.
func Think(text string) ScriptStep { return ScriptStep{Reasoning: text} }

// CallTool returns a tool invocation step.
func CallTool(name string, args map[string]interface{}) ScriptStep {
	return ScriptStep{ToolCall: &ScriptToolCall{Name: name, Args: args}}
}

// Fail returns a backend error step.
func Fail(message string) ScriptStep { return ScriptStep{Error: message} }

// Answer returns a new_answer step.
func Answer(content string) ScriptStep {
	return CallTool(tools.ToolNewAnswer, map[string]interface{}{"content": content})
}

// Vote returns a vote step for the given anonymous candidate.
func Vote(alias, reason string) ScriptStep {
	return CallTool(tools.ToolVote, map[string]interface{}{"agent_id": alias, "reason": reason})
}

var _ types.Backend = (*Scripted)(nil)
