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
package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWorkflowTool(t *testing.T) {
	assert.True(t, IsWorkflowTool(ToolNewAnswer))
	assert.True(t, IsWorkflowTool(ToolVote))
	assert.True(t, IsWorkflowTool(ToolAskOthers))
	assert.True(t, IsWorkflowTool(ToolRespondBroadcast))
	assert.False(t, IsWorkflowTool("web_search"))
	assert.False(t, IsWorkflowTool(""))
}

func TestParseNewAnswer(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		want    string
		wantErr bool
	}{
		{
			name: "valid content",
			args: map[string]interface{}{"content": "The answer is 42."},
			want: "The answer is 42.",
		},
		{
			name: "trims whitespace",
			args: map[string]interface{}{"content": "  padded  "},
			want: "padded",
		},
		{
			name:    "missing content",
			args:    map[string]interface{}{},
			wantErr: true,
		},
		{
			name:    "nil args",
			args:    nil,
			wantErr: true,
		},
		{
			name:    "whitespace only",
			args:    map[string]interface{}{"content": "   "},
			wantErr: true,
		},
		{
			name:    "wrong type",
			args:    map[string]interface{}{"content": 42},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ParseNewAnswer(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				var perr *ProtocolError
				assert.True(t, errors.As(err, &perr), "expected ProtocolError, got %T", err)
				assert.Equal(t, ToolNewAnswer, perr.Tool)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload.Content)
		})
	}
}

func TestParseVote(t *testing.T) {
	payload, err := ParseVote(map[string]interface{}{
		"agent_id": "agent2",
		"reason":   "most thorough analysis",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent2", payload.AgentID)
	assert.Equal(t, "most thorough analysis", payload.Reason)

	_, err = ParseVote(map[string]interface{}{"agent_id": "agent1"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	_, err = ParseVote(map[string]interface{}{"agent_id": "agent1", "reason": "  "})
	require.ErrorAs(t, err, &perr)
}

func TestParseAskOthers(t *testing.T) {
	t.Run("single question defaults", func(t *testing.T) {
		payload, err := ParseAskOthers(map[string]interface{}{"question": "what sources did you use?"})
		require.NoError(t, err)
		assert.Equal(t, []Question{{Text: "what sources did you use?"}}, payload.Questions)
		assert.Empty(t, payload.Targets)
		assert.True(t, payload.Wait)
	})

	t.Run("questions takes precedence over question", func(t *testing.T) {
		payload, err := ParseAskOthers(map[string]interface{}{
			"question":  "ignored",
			"questions": []interface{}{"first?", "second?"},
		})
		require.NoError(t, err)
		assert.Equal(t, []Question{{Text: "first?"}, {Text: "second?"}}, payload.Questions)
	})

	t.Run("structured question entries", func(t *testing.T) {
		payload, err := ParseAskOthers(map[string]interface{}{
			"questions": []interface{}{
				map[string]interface{}{
					"text": "which dataset should we trust?",
					"options": []interface{}{
						map[string]interface{}{"id": "census", "label": "Census 2020"},
						map[string]interface{}{"id": "acs", "label": "ACS", "description": "yearly survey"},
					},
					"allowOther": true,
				},
			},
		})
		require.NoError(t, err)
		require.Len(t, payload.Questions, 1)
		q := payload.Questions[0]
		assert.Equal(t, "which dataset should we trust?", q.Text)
		require.Len(t, q.Options, 2)
		assert.Equal(t, "acs", q.Options[1].ID)
		assert.True(t, q.AllowOther)

		rendered := q.Render()
		assert.Contains(t, rendered, "census: Census 2020")
		assert.Contains(t, rendered, "acs: ACS (yearly survey)")
		assert.Contains(t, rendered, "your own words")
	})

	t.Run("structured question without text rejected", func(t *testing.T) {
		_, err := ParseAskOthers(map[string]interface{}{
			"questions": []interface{}{map[string]interface{}{"options": []interface{}{}}},
		})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("empty questions list is a protocol error", func(t *testing.T) {
		_, err := ParseAskOthers(map[string]interface{}{
			"question":  "fallback",
			"questions": []interface{}{},
		})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("targets and wait", func(t *testing.T) {
		payload, err := ParseAskOthers(map[string]interface{}{
			"question": "opinions?",
			"targets":  []interface{}{"agent1", "agent3"},
			"wait":     false,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"agent1", "agent3"}, payload.Targets)
		assert.False(t, payload.Wait)
	})

	t.Run("neither question nor questions", func(t *testing.T) {
		_, err := ParseAskOthers(map[string]interface{}{"wait": true})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("non-string target", func(t *testing.T) {
		_, err := ParseAskOthers(map[string]interface{}{
			"question": "q",
			"targets":  []interface{}{7},
		})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})
}

func TestParseRespondBroadcast(t *testing.T) {
	payload, err := ParseRespondBroadcast(map[string]interface{}{
		"request_id": "req-123",
		"answer":     "I used the census data.",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", payload.RequestID)
	assert.Equal(t, "I used the census data.", payload.Answer)

	_, err = ParseRespondBroadcast(map[string]interface{}{"answer": "no id"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestVoteDefinition_CandidateEnum(t *testing.T) {
	def := VoteDefinition([]string{"agent1", "agent2"})
	require.NotNil(t, def.InputSchema.Properties["agent_id"])
	assert.Equal(t, []interface{}{"agent1", "agent2"}, def.InputSchema.Properties["agent_id"].Enum)

	// No candidates means no enum constraint.
	open := VoteDefinition(nil)
	assert.Nil(t, open.InputSchema.Properties["agent_id"].Enum)
}

func TestResult_Text(t *testing.T) {
	assert.Equal(t, "done", OK("done").Text())
	assert.Equal(t, "bad input", Fail("invalid", "bad input").Text())
	assert.Equal(t, "", (*Result)(nil).Text())
	assert.Equal(t, "tool execution failed", (&Result{}).Text())
}

func TestJSONSchema_RoundTrip(t *testing.T) {
	schema := NewObjectSchema("params", map[string]*JSONSchema{
		"name": NewStringSchema("the name").WithEnum("a", "b"),
	}, []string{"name"})

	data, err := schema.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "object", decoded.Type)
	assert.Equal(t, []string{"name"}, decoded.Required)
	assert.Len(t, decoded.Properties["name"].Enum, 2)
}
