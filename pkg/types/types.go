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
// Package types defines the shared domain types for multi-agent coordination:
// conversation messages, the streaming chunk vocabulary, the abstract model
// backend, and usage accounting.
package types

import (
	"context"
	"time"

	"github.com/teradata-labs/massgen/pkg/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message sources. Source distinguishes injected entries from organic ones.
const (
	SourceOrganic     = ""
	SourceInjection   = "injection"
	SourceEnforcement = "enforcement"
)

// Message represents a single conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ReasoningContent holds extended thinking emitted alongside content.
	// Never sent back to backends that don't support it.
	ReasoningContent string `json:"reasoning_content,omitempty"`

	// ToolCalls requested by an assistant message
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`

	// ToolCallID correlates a tool message with the call it answers
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Source marks how the entry came to be (organic, injection, enforcement)
	Source string `json:"source,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage creates a user message stamped now.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantMessage creates an assistant message stamped now.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// NewSystemMessage creates a system message stamped now.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// NewToolMessage creates a tool result message correlated to a call.
func NewToolMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Timestamp: time.Now()}
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	// ChunkContent is a delta of visible answer text.
	ChunkContent ChunkType = "content"

	// ChunkReasoning is a delta of extended thinking.
	ChunkReasoning ChunkType = "reasoning"

	// ChunkToolCall carries one or more tool invocations from the model.
	ChunkToolCall ChunkType = "tool_call"

	// ChunkToolResult reports a completed tool execution back to observers.
	ChunkToolResult ChunkType = "tool_result"

	// ChunkCompleteMessage carries a fully formed message from backends that
	// don't stream deltas.
	ChunkCompleteMessage ChunkType = "complete_message"

	// ChunkExternalToolCalls surfaces calls the embedding application must
	// execute; the agent's turn parks until results are submitted.
	ChunkExternalToolCalls ChunkType = "external_tool_calls"

	// ChunkAgentStatus is an orchestration event (answer recorded, vote cast,
	// restart, enforcement) for observers.
	ChunkAgentStatus ChunkType = "agent_status"

	// ChunkDone terminates a successful stream.
	ChunkDone ChunkType = "done"

	// ChunkError terminates a failed stream.
	ChunkError ChunkType = "error"

	// ChunkResult is the single terminal chunk of a coordination session.
	ChunkResult ChunkType = "result"
)

// Chunk is the unit of streaming output. Backends emit untagged chunks; the
// orchestrator stamps AgentID before forwarding them to the caller.
type Chunk struct {
	Type    ChunkType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`

	// Text for content, reasoning, and agent_status chunks
	Text string `json:"text,omitempty"`

	// ToolCalls for tool_call and external_tool_calls chunks
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`

	// ToolCallID and ToolResult for tool_result chunks
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolResult *tools.Result `json:"tool_result,omitempty"`

	// Message for complete_message chunks
	Message *Message `json:"message,omitempty"`

	// Result for the terminal result chunk
	Result *FinalResult `json:"result,omitempty"`

	// Err for error chunks; a string so chunks stay serializable
	Err string `json:"error,omitempty"`

	// Usage accounting, typically on done chunks
	Usage *Usage `json:"usage,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ContentChunk builds a content delta chunk.
func ContentChunk(text string) Chunk {
	return Chunk{Type: ChunkContent, Text: text, Timestamp: time.Now()}
}

// ReasoningChunk builds a reasoning delta chunk.
func ReasoningChunk(text string) Chunk {
	return Chunk{Type: ChunkReasoning, Text: text, Timestamp: time.Now()}
}

// ToolCallChunk builds a tool invocation chunk.
func ToolCallChunk(calls ...tools.Call) Chunk {
	return Chunk{Type: ChunkToolCall, ToolCalls: calls, Timestamp: time.Now()}
}

// DoneChunk builds a successful stream terminator.
func DoneChunk(usage *Usage) Chunk {
	return Chunk{Type: ChunkDone, Usage: usage, Timestamp: time.Now()}
}

// ErrorChunk builds a failed stream terminator.
func ErrorChunk(err error) Chunk {
	c := Chunk{Type: ChunkError, Timestamp: time.Now()}
	if err != nil {
		c.Err = err.Error()
	}
	return c
}

// FinalResult is the outcome of a coordination session.
type FinalResult struct {
	// WinnerID is the real agent ID of the consensus winner
	WinnerID string `json:"winner_id"`

	// WinnerAlias is the winner's anonymous ID as peers saw it
	WinnerAlias string `json:"winner_alias"`

	// Answer is the final presented answer
	Answer string `json:"answer"`

	// VoteCounts keyed by anonymous alias
	VoteCounts map[string]int `json:"vote_counts"`

	// Rounds the session ran before consensus
	Rounds int `json:"rounds"`

	// Unanimous is true when every effective vote named the winner
	Unanimous bool `json:"unanimous"`
}

// HumanExchange is one question/answer pair from the human operator,
// retained for the rest of the session.
type HumanExchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Usage tracks token consumption and cost for backend calls.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// Backend streams model output for one agent turn iteration.
//
// One Stream call corresponds to one model invocation. The returned channel
// is closed after a terminal done or error chunk. Implementations must honor
// ctx cancellation; the orchestrator always drains the channel.
type Backend interface {
	// Name returns the backend identifier (e.g. "anthropic", "scripted").
	Name() string

	// Model returns the model identifier used for requests.
	Model() string

	// Stream sends the conversation to the model and streams the response.
	Stream(ctx context.Context, messages []Message, tls []tools.Definition) (<-chan Chunk, error)
}
