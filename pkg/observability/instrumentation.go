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
package observability

// Standard span names for consistency across the coordination pipeline.
// Use these constants instead of hardcoding strings.
const (
	// Orchestrator spans
	SpanSession          = "orchestrator.session"
	SpanRound            = "orchestrator.round"
	SpanAgentTurn        = "orchestrator.turn"
	SpanStreamIteration  = "orchestrator.stream_iteration"
	SpanWinnerSelection  = "orchestrator.winner_selection"
	SpanPresentationTurn = "orchestrator.presentation"

	// Backend spans
	SpanBackendStream = "backend.stream"

	// Tool spans
	SpanToolDispatch = "tool.dispatch"
	SpanToolWorkflow = "tool.workflow"

	// Hook spans
	SpanHookPre  = "hook.pre_tool_use"
	SpanHookPost = "hook.post_tool_use"

	// Coordination spans
	SpanRecordAnswer = "coordination.record_answer"
	SpanRecordVote   = "coordination.record_vote"

	// Broadcast spans
	SpanBroadcastCreate   = "broadcast.create"
	SpanBroadcastDispatch = "broadcast.dispatch"
	SpanBroadcastWait     = "broadcast.wait"
	SpanShadowRun         = "broadcast.shadow"
	SpanHumanPrompt       = "broadcast.human"

	// Workspace spans
	SpanSnapshotSave = "workspace.snapshot_save"
	SpanSnapshotCopy = "workspace.snapshot_copy"
)

// Standard metric names for consistency.
const (
	MetricRounds             = "session.rounds.total"
	MetricTurns              = "session.turns.total"
	MetricAnswers            = "coordination.answers.total"
	MetricVotes              = "coordination.votes.total"
	MetricRestarts           = "coordination.restarts.total"
	MetricEnforcementRetries = "orchestrator.enforcement_retries.total"
	MetricTurnDuration       = "orchestrator.turn.duration"
	MetricTokensInput        = "backend.tokens.input"  // #nosec G101 -- not a credential, just metric name
	MetricTokensOutput       = "backend.tokens.output" // #nosec G101 -- not a credential, just metric name
	MetricBroadcasts         = "broadcast.requests.total"
	MetricShadowRuns         = "broadcast.shadows.total"
	MetricHookDenials        = "hooks.denials.total"
	MetricHookInjections     = "hooks.injections.total"
)

// Standard attribute names for span and event attributes.
const (
	AttrSessionID  = "session.id"
	AttrTraceID    = "trace.id"
	AttrSpanID     = "span.id"
	AttrAgentID    = "agent.id"
	AttrAgentAlias = "agent.alias"
	AttrRound      = "round"
	AttrAttempt    = "attempt"

	AttrBackendName  = "backend.name"
	AttrBackendModel = "backend.model"

	AttrToolName   = "tool.name"
	AttrToolCallID = "tool.call_id"

	AttrHookName     = "hook.name"
	AttrHookDecision = "hook.decision"

	AttrBroadcastID   = "broadcast.id"
	AttrBroadcastMode = "broadcast.mode"

	AttrWinnerID    = "winner.id"
	AttrWinnerAlias = "winner.alias"
	AttrVoteCount   = "vote.count"
	AttrUnanimous   = "vote.unanimous"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)
