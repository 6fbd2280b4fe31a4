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
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/teradata-labs/massgen/pkg/conversation"
	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/tools"
)

// PeerAnswerInjection delivers restart signals mid-turn. After a successful
// non-workflow tool result, if the agent has an outstanding restart signal,
// the hook consumes it (the only path that clears restart_pending), counts
// the injection, and returns the new peer answers as an injection so the
// agent can course-correct without losing its stream.
type PeerAnswerInjection struct {
	tracker *coordination.Tracker

	mu       sync.Mutex
	lastSeen map[string]int // agentID -> answer seq included in its system message
}

// NewPeerAnswerInjection creates the restart delivery hook.
func NewPeerAnswerInjection(tracker *coordination.Tracker) *PeerAnswerInjection {
	return &PeerAnswerInjection{
		tracker:  tracker,
		lastSeen: make(map[string]int),
	}
}

// Name implements PostToolUseHook.
func (h *PeerAnswerInjection) Name() string { return "peer_answer_injection" }

// MarkSeen records the answer sequence already reflected in the agent's
// system message; only answers after it are named in injections. The
// orchestrator calls this when it builds the turn's system message.
func (h *PeerAnswerInjection) MarkSeen(agentID string, seq int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen[agentID] = seq
}

// PostToolUse implements PostToolUseHook.
func (h *PeerAnswerInjection) PostToolUse(ctx context.Context, tc *ToolContext, res *tools.Result) (*Decision, error) {
	if res == nil || !res.Success {
		return Allow(), nil
	}
	if !h.tracker.RestartPending(tc.AgentID) {
		return Allow(), nil
	}

	h.mu.Lock()
	seen := h.lastSeen[tc.AgentID]
	h.mu.Unlock()

	var labels []string
	for _, a := range h.tracker.AnswersSince(seen) {
		if a.AgentID == tc.AgentID {
			continue
		}
		labels = append(labels, a.Label)
	}

	// Consume the signal regardless: a stale restart (no unseen answers)
	// still clears, and the round must advance exactly once per signal.
	h.tracker.CompleteAgentRestart(tc.AgentID)

	h.mu.Lock()
	h.lastSeen[tc.AgentID] = h.tracker.LastSeq()
	h.mu.Unlock()

	if len(labels) == 0 {
		return Allow(), nil
	}
	h.tracker.IncrementInjection(tc.AgentID)
	return AllowWithInjection(conversation.RestartInjection(labels)), nil
}

// RoundTimeout enforces per-turn wall-clock limits. Past the soft limit it
// injects a single nudge to conclude; past the hard limit it denies further
// tool calls, which forces the turn into the enforcement path.
type RoundTimeout struct {
	soft time.Duration
	hard time.Duration
	now  func() time.Time

	mu        sync.Mutex
	turnStart map[string]time.Time
	nudged    map[string]bool
	denials   map[string]int
}

// NewRoundTimeout creates the turn timeout hook. A non-positive limit
// disables that limit.
func NewRoundTimeout(soft, hard time.Duration) *RoundTimeout {
	return &RoundTimeout{
		soft:      soft,
		hard:      hard,
		now:       time.Now,
		turnStart: make(map[string]time.Time),
		nudged:    make(map[string]bool),
		denials:   make(map[string]int),
	}
}

// WithClock replaces the time source for tests.
func (h *RoundTimeout) WithClock(now func() time.Time) *RoundTimeout {
	h.now = now
	return h
}

// Name implements both hook interfaces.
func (h *RoundTimeout) Name() string { return "round_timeout" }

// BeginTurn starts the clock for an agent's turn.
func (h *RoundTimeout) BeginTurn(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turnStart[agentID] = h.now()
	h.nudged[agentID] = false
}

// EndTurn stops tracking an agent's turn.
func (h *RoundTimeout) EndTurn(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turnStart, agentID)
	delete(h.nudged, agentID)
	delete(h.denials, agentID)
}

// ConsecutiveDenials reports how many tool calls in a row were denied for an
// agent since its last allowed workflow call.
func (h *RoundTimeout) ConsecutiveDenials(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.denials[agentID]
}

func (h *RoundTimeout) elapsed(agentID string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start, ok := h.turnStart[agentID]
	if !ok {
		return 0, false
	}
	return h.now().Sub(start), true
}

// PreToolUse implements PreToolUseHook: hard limit enforcement.
func (h *RoundTimeout) PreToolUse(ctx context.Context, tc *ToolContext) (*Decision, error) {
	// Workflow tools always pass: an agent concluding must never be blocked.
	if tools.IsWorkflowTool(tc.Call.Name) {
		h.mu.Lock()
		h.denials[tc.AgentID] = 0
		h.mu.Unlock()
		return Allow(), nil
	}
	elapsed, ok := h.elapsed(tc.AgentID)
	if !ok || h.hard <= 0 || elapsed < h.hard {
		return Allow(), nil
	}
	h.mu.Lock()
	h.denials[tc.AgentID]++
	h.mu.Unlock()
	return Deny("turn time limit exceeded; conclude with vote or new_answer"), nil
}

// PostToolUse implements PostToolUseHook: soft limit nudge, at most once per
// turn.
func (h *RoundTimeout) PostToolUse(ctx context.Context, tc *ToolContext, res *tools.Result) (*Decision, error) {
	elapsed, ok := h.elapsed(tc.AgentID)
	if !ok || h.soft <= 0 || elapsed < h.soft {
		return Allow(), nil
	}

	h.mu.Lock()
	already := h.nudged[tc.AgentID]
	h.nudged[tc.AgentID] = true
	h.mu.Unlock()

	if already {
		return Allow(), nil
	}
	return AllowWithInjection(conversation.SoftTimeoutNudge), nil
}

// AsyncResult is a completed non-blocking side task (e.g. a wait:false
// broadcast) destined for an agent.
type AsyncResult struct {
	AgentID   string
	RequestID string
	Summaries []string
}

// AsyncSubagentResult delivers completed async side-task results at the next
// tool boundary. Producers enqueue from any goroutine; delivery happens on
// the agent's own turn so the buffer ordering invariant holds.
type AsyncSubagentResult struct {
	mu      sync.Mutex
	pending map[string][]AsyncResult
}

// NewAsyncSubagentResult creates the async result delivery hook.
func NewAsyncSubagentResult() *AsyncSubagentResult {
	return &AsyncSubagentResult{pending: make(map[string][]AsyncResult)}
}

// Name implements PostToolUseHook.
func (h *AsyncSubagentResult) Name() string { return "async_subagent_result" }

// Enqueue queues a completed result for delivery to its agent.
func (h *AsyncSubagentResult) Enqueue(res AsyncResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[res.AgentID] = append(h.pending[res.AgentID], res)
}

// Pending reports how many results await delivery for an agent.
func (h *AsyncSubagentResult) Pending(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[agentID])
}

// PostToolUse implements PostToolUseHook.
func (h *AsyncSubagentResult) PostToolUse(ctx context.Context, tc *ToolContext, res *tools.Result) (*Decision, error) {
	h.mu.Lock()
	queued := h.pending[tc.AgentID]
	delete(h.pending, tc.AgentID)
	h.mu.Unlock()

	if len(queued) == 0 {
		return Allow(), nil
	}

	var parts []string
	for _, q := range queued {
		parts = append(parts, conversation.AsyncBroadcastUpdate(q.RequestID, q.Summaries))
	}
	return AllowWithInjection(joinParagraphs(parts)), nil
}

func joinParagraphs(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// Interface compliance.
var (
	_ PostToolUseHook = (*PeerAnswerInjection)(nil)
	_ PreToolUseHook  = (*RoundTimeout)(nil)
	_ PostToolUseHook = (*RoundTimeout)(nil)
	_ PostToolUseHook = (*AsyncSubagentResult)(nil)
)
