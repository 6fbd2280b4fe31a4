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
package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MakeNowJust/heredoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/massgen/pkg/config"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

func collect(t *testing.T, b types.Backend) []types.Chunk {
	t.Helper()
	stream, err := b.Stream(context.Background(), []types.Message{types.NewUserMessage("task")}, nil)
	require.NoError(t, err)

	var chunks []types.Chunk
	for c := range stream {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestScripted_ReplaysTurnsInOrder(t *testing.T) {
	b := NewScripted("skeptic", [][]ScriptStep{
		{Think("considering"), Say("working"), Answer("my answer")},
		{Vote("agent1", "best candidate")},
	})

	first := collect(t, b)
	require.Len(t, first, 4)
	assert.Equal(t, types.ChunkReasoning, first[0].Type)
	assert.Equal(t, types.ChunkContent, first[1].Type)
	assert.Equal(t, types.ChunkToolCall, first[2].Type)
	assert.Equal(t, tools.ToolNewAnswer, first[2].ToolCalls[0].Name)
	assert.Equal(t, "my answer", first[2].ToolCalls[0].Arguments["content"])
	assert.NotEmpty(t, first[2].ToolCalls[0].ID, "call IDs are synthesized")
	assert.Equal(t, types.ChunkDone, first[3].Type)

	second := collect(t, b)
	require.Len(t, second, 2)
	assert.Equal(t, tools.ToolVote, second[0].ToolCalls[0].Name)
	assert.Equal(t, "agent1", second[0].ToolCalls[0].Arguments["agent_id"])

	assert.Equal(t, 2, b.Calls())
}

func TestScripted_ExhaustionYieldsError(t *testing.T) {
	b := NewScripted("one-turn", [][]ScriptStep{{Answer("only")}})
	collect(t, b)

	chunks := collect(t, b)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.ChunkError, chunks[0].Type)
	assert.Contains(t, chunks[0].Err, "exhausted")
}

func TestScripted_ErrorStepTerminatesTurn(t *testing.T) {
	b := NewScripted("flaky", [][]ScriptStep{
		{Say("partial"), Fail("connection reset"), Say("never emitted")},
	})

	chunks := collect(t, b)
	require.Len(t, chunks, 2)
	assert.Equal(t, types.ChunkContent, chunks[0].Type)
	assert.Equal(t, types.ChunkError, chunks[1].Type)
	assert.Equal(t, "connection reset", chunks[1].Err)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(heredoc.Doc(`
		turns:
		  - - content: "thinking out loud"
		    - tool_call:
		        name: new_answer
		        args: {content: "42"}
		  - - tool_call:
		        name: vote
		        args: {agent_id: agent1, reason: "correct"}
	`)), 0o600))

	script, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, script.Turns, 2)
	require.Len(t, script.Turns[0], 2)
	assert.Equal(t, "thinking out loud", script.Turns[0][0].Content)
	require.NotNil(t, script.Turns[0][1].ToolCall)
	assert.Equal(t, "new_answer", script.Turns[0][1].ToolCall.Name)
	assert.Equal(t, "42", script.Turns[0][1].ToolCall.Args["content"])
}

func TestLoadScript_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turns: []\n"), 0o600))
	_, err := LoadScript(path)
	assert.Error(t, err)

	_, err = LoadScript(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNew_Registry(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(scriptPath, []byte("turns:\n  - - content: hi\n"), 0o600))

	tests := []struct {
		name    string
		agent   config.Agent
		wantErr string
	}{
		{
			name:  "scripted",
			agent: config.Agent{ID: "a", Backend: config.AgentBackend{Type: config.BackendScripted, Script: scriptPath}},
		},
		{
			name:    "scripted without script",
			agent:   config.Agent{ID: "a", Backend: config.AgentBackend{Type: config.BackendScripted}},
			wantErr: "requires a script file",
		},
		{
			name:    "anthropic without key",
			agent:   config.Agent{ID: "a", Backend: config.AgentBackend{Type: config.BackendAnthropic}},
			wantErr: "API key",
		},
		{
			name:    "unknown type",
			agent:   config.Agent{ID: "a", Backend: config.AgentBackend{Type: "carrier-pigeon"}},
			wantErr: "unknown backend type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.agent, nil)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, b)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
