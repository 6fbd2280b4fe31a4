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
package conversation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

func TestBuffer_FlushTurnOrdering(t *testing.T) {
	b := NewBuffer()
	b.SetSystem("you are agent1")
	b.AddUser("solve the task")

	b.AccumulateContent("I think ")
	b.AccumulateReasoning("let me consider the options")
	b.AccumulateContent("the answer is 42.")

	call := tools.Call{ID: "c1", Name: tools.ToolNewAnswer, Arguments: map[string]interface{}{"content": "42"}}
	msg, flushed := b.FlushTurn([]tools.Call{call})
	require.True(t, flushed)

	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "I think the answer is 42.", msg.Content)
	assert.Equal(t, "let me consider the options", msg.ReasoningContent)
	require.Len(t, msg.ToolCalls, 1)

	// Accumulators are cleared by the flush.
	assert.Empty(t, b.PendingContent())
	_, flushed = b.FlushTurn(nil)
	assert.False(t, flushed)

	// Entry order: user task, then the flushed assistant turn.
	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, types.RoleUser, entries[0].Message.Role)
	assert.Equal(t, types.RoleAssistant, entries[1].Message.Role)
}

func TestBuffer_InjectionAndEnforcementKinds(t *testing.T) {
	b := NewBuffer()
	b.AddUser("task")
	b.AddToolResult("c1", tools.OK("searched"))
	b.AddInjection("UPDATE: new answers available")
	b.AddEnforcement("call a workflow tool")

	entries := b.Entries()
	require.Len(t, entries, 4)

	assert.Equal(t, KindOrganic, entries[1].Kind)
	assert.Equal(t, types.RoleTool, entries[1].Message.Role)

	assert.Equal(t, KindInjection, entries[2].Kind)
	assert.Equal(t, types.RoleUser, entries[2].Message.Role)
	assert.Equal(t, types.SourceInjection, entries[2].Message.Source)

	assert.Equal(t, KindEnforcement, entries[3].Kind)
	assert.Equal(t, types.SourceEnforcement, entries[3].Message.Source)
}

func TestBuffer_ToMessages(t *testing.T) {
	b := NewBuffer()
	b.AddUser("hello")
	// No system message yet: entries only.
	assert.Len(t, b.ToMessages(), 1)

	b.SetSystem("rules")
	msgs := b.ToMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, "rules", msgs[0].Content)
}

func TestBuffer_ToSimpleMessagesMergesAndStrips(t *testing.T) {
	b := NewBuffer()
	b.SetSystem("ignored by simple view")
	b.AddUser("task")
	b.AccumulateContent("partial answer")
	b.AccumulateReasoning("hidden thinking")
	b.FlushTurn([]tools.Call{{ID: "c1", Name: "web_search"}})
	b.AddToolResult("c1", tools.OK("result data"))
	b.AddInjection("peer update")
	b.AddEnforcement("second user entry in a row")

	simple := b.ToSimpleMessages()
	require.Len(t, simple, 3)
	assert.Equal(t, types.RoleUser, simple[0].Role)
	assert.Equal(t, types.RoleAssistant, simple[1].Role)
	assert.Equal(t, "partial answer", simple[1].Content)
	assert.Empty(t, simple[1].ReasoningContent)
	assert.Empty(t, simple[1].ToolCalls)

	// Injection and enforcement are both user-role and got merged.
	assert.Equal(t, types.RoleUser, simple[2].Role)
	assert.True(t, strings.Contains(simple[2].Content, "peer update"))
	assert.True(t, strings.Contains(simple[2].Content, "second user entry"))
}

func TestBuffer_Tail(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < 5; i++ {
		b.AddUser("u")
		b.AccumulateContent("a")
		b.FlushTurn(nil)
	}
	// 10 entries merge into 10 alternating simple messages.
	assert.Len(t, b.Tail(0), 10)
	assert.Len(t, b.Tail(4), 4)
	assert.Len(t, b.Tail(100), 10)
}

func TestBuffer_JSONRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.SetSystem("sys")
	b.AddUser("task")
	b.AccumulateContent("answer")
	b.FlushTurn([]tools.Call{{ID: "c9", Name: tools.ToolVote, Arguments: map[string]interface{}{"agent_id": "agent1", "reason": "best"}}})
	b.AddInjection("update")

	data, err := json.Marshal(b)
	require.NoError(t, err)

	restored := NewBuffer()
	require.NoError(t, json.Unmarshal(data, restored))

	assert.Equal(t, b.System(), restored.System())
	require.Equal(t, b.Len(), restored.Len())

	orig, rest := b.Entries(), restored.Entries()
	for i := range orig {
		assert.Equal(t, orig[i].Kind, rest[i].Kind, "entry %d kind", i)
		assert.Equal(t, orig[i].Message.Role, rest[i].Message.Role, "entry %d role", i)
		assert.Equal(t, orig[i].Message.Content, rest[i].Message.Content, "entry %d content", i)
	}
	require.Len(t, rest[1].Message.ToolCalls, 1)
	assert.Equal(t, "agent1", rest[1].Message.ToolCalls[0].Arguments["agent_id"])
}

func TestBuffer_CloneIsIndependent(t *testing.T) {
	b := NewBuffer()
	b.SetSystem("sys")
	b.AddUser("task")
	b.AccumulateContent("pending text")

	clone := b.Clone()
	assert.Equal(t, 1, clone.Len())
	assert.Empty(t, clone.PendingContent(), "accumulators reset in clone")

	clone.AddUser("clone only")
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestBuffer_TokenCount(t *testing.T) {
	b := NewBuffer()
	assert.Zero(t, b.TokenCount())

	b.SetSystem("you are an agent")
	b.AddUser("what is the capital of France?")
	assert.Greater(t, b.TokenCount(), 0)
}

func TestTemplates(t *testing.T) {
	assert.Contains(t, EnforcementInvalidVote([]string{"agent1", "agent2"}), "agent1, agent2")
	assert.Contains(t, EnforcementInvalidVote(nil), "new_answer")
	assert.Contains(t, EnforcementMalformedPayload("content is required"), "content is required")
	assert.Contains(t, RestartInjection([]string{"agent2.1"}), "agent2.1")
	prompt := BroadcastPrompt("agent3", "req-9", "which dataset?")
	assert.Contains(t, prompt, "which dataset?")
	assert.Contains(t, prompt, "req-9")
	assert.Contains(t, AsyncBroadcastUpdate("req-1", []string{"resp"}), "req-1")
}
