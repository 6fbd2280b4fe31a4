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
// Package conversation provides the per-agent message buffer used during
// coordination. Each agent owns exactly one Buffer; it is never shared
// between agents. Streaming deltas accumulate until FlushTurn materializes
// them into a single assistant entry, keeping entry order stable no matter
// how the backend chunks its output.
package conversation

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// EntryKind classifies how an entry entered the buffer.
type EntryKind string

const (
	// KindOrganic entries come from the agent or the task itself.
	KindOrganic EntryKind = "organic"

	// KindInjection entries are coordination updates inserted by hooks.
	KindInjection EntryKind = "injection"

	// KindEnforcement entries are corrective prompts after protocol
	// violations.
	KindEnforcement EntryKind = "enforcement"
)

// Entry is one buffered message plus its provenance.
type Entry struct {
	Message types.Message `json:"message"`
	Kind    EntryKind     `json:"kind"`
}

// Buffer holds one agent's conversation: a single system message, ordered
// entries, and in-flight streaming accumulators.
//
// Thread-safe: the turn loop writes while observers snapshot.
type Buffer struct {
	mu      sync.RWMutex
	system  string
	entries []Entry

	contentAcc   strings.Builder
	reasoningAcc strings.Builder
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// SetSystem replaces the system message. There is at most one; rebuilding it
// each turn keeps coordination context current.
func (b *Buffer) SetSystem(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = content
}

// System returns the current system message.
func (b *Buffer) System() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.system
}

// AddUser appends an organic user entry.
func (b *Buffer) AddUser(content string) {
	b.append(Entry{Message: types.NewUserMessage(content), Kind: KindOrganic})
}

// AddEnforcement appends a corrective user entry after a protocol violation.
func (b *Buffer) AddEnforcement(content string) {
	msg := types.NewUserMessage(content)
	msg.Source = types.SourceEnforcement
	b.append(Entry{Message: msg, Kind: KindEnforcement})
}

// AddInjection appends a coordination update as a user entry. Injections
// always land after the entry they follow; hooks never reorder history.
func (b *Buffer) AddInjection(content string) {
	msg := types.NewUserMessage(content)
	msg.Source = types.SourceInjection
	b.append(Entry{Message: msg, Kind: KindInjection})
}

// AddCompleteMessage appends a fully formed message from a backend that does
// not stream deltas.
func (b *Buffer) AddCompleteMessage(msg types.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.append(Entry{Message: msg, Kind: KindOrganic})
}

// AddToolResult appends a tool message correlated with callID.
func (b *Buffer) AddToolResult(callID string, res *tools.Result) {
	b.append(Entry{Message: types.NewToolMessage(callID, res.Text()), Kind: KindOrganic})
}

func (b *Buffer) append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
}

// AccumulateContent buffers a streamed content delta.
func (b *Buffer) AccumulateContent(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contentAcc.WriteString(delta)
}

// AccumulateReasoning buffers a streamed reasoning delta.
func (b *Buffer) AccumulateReasoning(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasoningAcc.WriteString(delta)
}

// PendingContent returns accumulated content that has not been flushed yet.
func (b *Buffer) PendingContent() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.contentAcc.String()
}

// FlushTurn materializes the accumulators into one assistant entry carrying
// the given tool calls, then resets them. The flush is atomic: observers see
// either the old entry list or the new one, never a partial turn.
//
// Returns the flushed message and true, or a zero message and false when
// there was nothing to flush.
func (b *Buffer) FlushTurn(toolCalls []tools.Call) (types.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	content := b.contentAcc.String()
	reasoning := b.reasoningAcc.String()
	b.contentAcc.Reset()
	b.reasoningAcc.Reset()

	if content == "" && reasoning == "" && len(toolCalls) == 0 {
		return types.Message{}, false
	}

	msg := types.Message{
		Role:             types.RoleAssistant,
		Content:          content,
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
		Timestamp:        time.Now(),
	}
	b.entries = append(b.entries, Entry{Message: msg, Kind: KindOrganic})
	return msg, true
}

// Len returns the number of entries (system message excluded).
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Entries returns a copy of the entry list.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// ToMessages renders the buffer in full fidelity: system message first, then
// every entry in arrival order.
func (b *Buffer) ToMessages() []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Message, 0, len(b.entries)+1)
	if b.system != "" {
		out = append(out, types.NewSystemMessage(b.system))
	}
	for _, e := range b.entries {
		out = append(out, e.Message)
	}
	return out
}

// ToSimpleMessages renders a reduced view for backends without tool support:
// reasoning stripped, tool plumbing dropped, consecutive same-role entries
// merged. Shadow agents use this to give a peer a readable transcript.
func (b *Buffer) ToSimpleMessages() []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Message, 0, len(b.entries))
	for _, e := range b.entries {
		m := e.Message
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		simple := types.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
		if n := len(out); n > 0 && out[n-1].Role == simple.Role {
			out[n-1].Content = out[n-1].Content + "\n\n" + simple.Content
			continue
		}
		out = append(out, simple)
	}
	return out
}

// Tail returns the last n simple messages (all of them when n exceeds the
// transcript length).
func (b *Buffer) Tail(n int) []types.Message {
	simple := b.ToSimpleMessages()
	if n <= 0 || n >= len(simple) {
		return simple
	}
	return simple[len(simple)-n:]
}

// Clone deep-copies the buffer. Accumulators are reset in the clone; a shadow
// agent starts from flushed history only.
func (b *Buffer) Clone() *Buffer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clone := &Buffer{system: b.system}
	clone.entries = make([]Entry, len(b.entries))
	for i, e := range b.entries {
		msg := e.Message
		if len(msg.ToolCalls) > 0 {
			calls := make([]tools.Call, len(msg.ToolCalls))
			copy(calls, msg.ToolCalls)
			msg.ToolCalls = calls
		}
		clone.entries[i] = Entry{Message: msg, Kind: e.Kind}
	}
	return clone
}

// TokenCount estimates the token footprint of the rendered conversation.
func (b *Buffer) TokenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counter := GetTokenCounter()
	total := counter.Count(b.system)
	for _, e := range b.entries {
		total += messageOverheadTokens
		total += counter.Count(e.Message.Content)
		total += counter.Count(e.Message.ReasoningContent)
	}
	return total
}

type bufferJSON struct {
	System  string  `json:"system"`
	Entries []Entry `json:"entries"`
}

// MarshalJSON serializes the buffer for session persistence. Accumulators
// are transient and not serialized; callers flush before saving.
func (b *Buffer) MarshalJSON() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return json.Marshal(bufferJSON{System: b.system, Entries: b.entries})
}

// UnmarshalJSON restores a buffer serialized with MarshalJSON.
func (b *Buffer) UnmarshalJSON(data []byte) error {
	var decoded bufferJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.system = decoded.System
	b.entries = decoded.Entries
	b.contentAcc.Reset()
	b.reasoningAcc.Reset()
	return nil
}
