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
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/conversation"
	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/prompts"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
	"github.com/teradata-labs/massgen/pkg/workspace"
)

// finalize selects the winner, runs the presentation turn, and emits the
// terminal result chunk.
func (o *Orchestrator) finalize(ctx context.Context, rounds int) {
	_, span := o.tracer.StartSpan(ctx, observability.SpanWinnerSelection)

	var winnerID string
	var tally *coordination.Tally
	if !o.coord.SkipVoting {
		if t, err := o.tracker.Winner(); err == nil {
			tally = t
			winnerID = t.WinnerID
		}
	}
	if winnerID == "" {
		// No votes on record (skip_voting, or every voter failed): the first
		// registered agent with an answer wins.
		for _, id := range o.order {
			if _, ok := o.tracker.LatestAnswer(id); ok {
				winnerID = id
				break
			}
		}
	}
	if winnerID == "" {
		o.tracer.EndSpan(span)
		o.emitOrchestration(types.ErrorChunk(errors.New("session produced no answers")))
		return
	}

	alias, err := o.tracker.AliasFor(winnerID)
	if err != nil {
		o.tracer.EndSpan(span)
		o.emitOrchestration(types.ErrorChunk(err))
		return
	}
	span.SetAttribute(observability.AttrWinnerID, winnerID)
	span.SetAttribute(observability.AttrWinnerAlias, alias)
	if tally != nil {
		span.SetAttribute(observability.AttrVoteCount, len(tally.Effective))
		span.SetAttribute(observability.AttrUnanimous, tally.Unanimous)
	}
	o.tracer.EndSpan(span)

	o.emitOrchestration(statusChunk(winnerID, "consensus reached; presenting final answer as "+alias))

	result := &types.FinalResult{
		WinnerID:    winnerID,
		WinnerAlias: alias,
		Answer:      o.present(ctx, winnerID, tally),
		VoteCounts:  map[string]int{},
		Rounds:      rounds,
	}
	if tally != nil {
		result.VoteCounts = tally.Counts
		result.Unanimous = tally.Unanimous
	}

	o.logger.Info("session complete",
		zap.String("winner_id", winnerID),
		zap.String("winner_alias", alias),
		zap.Int("rounds", rounds))
	o.emitOrchestration(types.Chunk{Type: types.ChunkResult, Result: result, Timestamp: time.Now()})
}

// present runs the winner's presentation turn. Any failure falls back to the
// winner's last recorded answer, so a session with an answer never ends
// without one.
func (o *Orchestrator) present(ctx context.Context, winnerID string, tally *coordination.Tally) string {
	rt := o.runtimes[winnerID]

	fallback := ""
	if last, ok := o.tracker.LatestAnswer(winnerID); ok {
		fallback = last.Content
	}

	pctx, span := o.tracer.StartSpan(ctx, observability.SpanPresentationTurn,
		observability.WithAttribute(observability.AttrAgentID, winnerID))
	defer o.tracer.EndSpan(span)

	o.copyWinnerSnapshot(pctx, winnerID)

	var reasons []prompts.VoteReason
	if tally != nil {
		for _, v := range tally.Effective {
			if v.VotedForID != winnerID {
				continue
			}
			voterAlias, err := o.tracker.AliasFor(v.VoterID)
			if err != nil {
				continue
			}
			reasons = append(reasons, prompts.VoteReason{VoterAlias: voterAlias, Reason: v.Reason})
		}
	}

	snap, err := o.tracker.TrackContext(winnerID)
	if err != nil {
		return fallback
	}
	rt.buffer.SetSystem(o.builder.Build(o.promptInput(pctx, snap, prompts.ModePresentation, reasons)))
	rt.buffer.AddUser("Coordination is complete and your answer was selected. Deliver the final answer now with new_answer.")

	for attempt := 1; attempt <= o.coord.MaxEnforcementRetries; attempt++ {
		calls, serr := o.streamOnce(pctx, rt, prompts.ModePresentation, snap)
		if serr != nil {
			o.logger.Warn("presentation stream failed",
				zap.String("winner_id", winnerID),
				zap.Error(serr))
			break
		}

		answer := ""
		for _, call := range calls {
			if call.Name != tools.ToolNewAnswer {
				res := tools.Fail("not_available", "only new_answer is available in the final turn")
				rt.buffer.AddToolResult(call.ID, res)
				o.emitToolResult(winnerID, call.ID, res)
				continue
			}
			payload, perr := tools.ParseNewAnswer(call.Arguments)
			if perr != nil {
				res := tools.Fail("malformed_payload", perr.Error())
				rt.buffer.AddToolResult(call.ID, res)
				o.emitToolResult(winnerID, call.ID, res)
				rt.buffer.AddEnforcement(conversation.EnforcementMalformedPayload(perr.Error()))
				continue
			}
			res := tools.OK("Final answer delivered.")
			rt.buffer.AddToolResult(call.ID, res)
			o.emitToolResult(winnerID, call.ID, res)
			answer = payload.Content
		}
		if answer != "" {
			o.tracker.SetStatus(winnerID, coordination.StatusDone)
			return answer
		}
		if len(calls) == 0 {
			rt.buffer.AddEnforcement(conversation.EnforcementNoWorkflowCall)
		}
	}

	o.logger.Warn("presentation fell back to last recorded answer",
		zap.String("winner_id", winnerID))
	return fallback
}

// promptInput assembles the system message input for one turn.
func (o *Orchestrator) promptInput(ctx context.Context, snap *coordination.Context, mode prompts.TurnMode, reasons []prompts.VoteReason) prompts.Input {
	rt := o.runtimes[snap.AgentID]
	in := prompts.Input{
		Alias:            snap.Alias,
		AgentCount:       len(o.order),
		Persona:          rt.spec.Persona,
		Mode:             mode,
		Round:            snap.State.Round,
		Candidates:       snap.Candidates,
		VoteCounts:       snap.VoteCounts,
		VoteReasons:      reasons,
		Planning:         o.promptCfg.Planning,
		Skills:           o.promptCfg.Skills,
		Memory:           o.promptCfg.Memory,
		WorkspaceFiles:   o.workspaceFiles(ctx),
		HumanQA:          o.channel.History(),
		BroadcastEnabled: o.channel.Enabled() && mode != prompts.ModePresentation,
	}
	if snap.State.Round > 1 {
		hist := o.tracker.History()
		for _, a := range hist.Answers {
			if a.AgentID == snap.AgentID {
				in.PreviousAnswers = append(in.PreviousAnswers, a)
			}
		}
	}
	return in
}

// workspaceFiles lists every agent's latest snapshot, aliased, one line per
// file. Nil without a workspace collaborator.
func (o *Orchestrator) workspaceFiles(ctx context.Context) []string {
	if o.ws == nil {
		return nil
	}
	var lines []string
	for _, id := range o.order {
		infos, err := o.ws.List(ctx, id)
		if err != nil || len(infos) == 0 {
			continue
		}
		alias, err := o.tracker.AliasFor(id)
		if err != nil {
			continue
		}
		lines = append(lines, workspace.Describe(infos[len(infos)-1], alias)...)
	}
	return lines
}

// saveAnswerSnapshot persists a recorded answer as a workspace snapshot.
// Snapshot failures are logged, never fatal: the answer is already tracked.
func (o *Orchestrator) saveAnswerSnapshot(ctx context.Context, agentID string, answer *coordination.AgentAnswer) {
	if o.ws == nil {
		return
	}
	id, err := o.ws.SaveSnapshot(ctx, agentID, map[string][]byte{
		"answer.md": []byte(answer.Content),
	})
	if err != nil {
		o.logger.Warn("answer snapshot failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	o.mu.Lock()
	o.snapshots[agentID] = id
	o.mu.Unlock()
}

// copyWinnerSnapshot makes the winner's latest snapshot visible to the
// presentation turn under a dedicated agent directory.
func (o *Orchestrator) copyWinnerSnapshot(ctx context.Context, winnerID string) {
	if o.ws == nil {
		return
	}
	o.mu.Lock()
	snapID, ok := o.snapshots[winnerID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := o.ws.CopySnapshot(ctx, snapID, "presentation"); err != nil {
		o.logger.Debug("presentation snapshot copy failed",
			zap.String("winner_id", winnerID),
			zap.Error(err))
	}
}
