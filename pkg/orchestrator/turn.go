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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/broadcast"
	"github.com/teradata-labs/massgen/pkg/conversation"
	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/hooks"
	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/prompts"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// disposition is the outcome of handling one tool call.
type disposition int

const (
	// dispContinue keeps streaming within the same attempt.
	dispContinue disposition = iota

	// dispConcluded ends the turn successfully (answer recorded or vote cast).
	dispConcluded

	// dispRetry ends the attempt with an enforcement message already queued.
	dispRetry

	// dispAbort ends the turn on a canceled context.
	dispAbort
)

// runTurn executes one agent turn to conclusion: a workflow tool success, an
// error outcome after retries, or a consumed vote-only restart.
func (o *Orchestrator) runTurn(ctx context.Context, rt *agentRuntime, task string, voteOnly bool) {
	agentID := rt.spec.ID
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent turn panicked",
				zap.String("agent_id", agentID),
				zap.Any("panic", r))
			o.tracker.MarkFailed(agentID)
			o.emit(agentID, types.ErrorChunk(fmt.Errorf("turn panicked: %v", r)))
		}
	}()

	st, err := o.tracker.State(agentID)
	if err != nil {
		o.emit(agentID, types.ErrorChunk(err))
		return
	}

	// Restart signals not consumed mid-stream are consumed here, between
	// turns; the fresh system message carries the new answers. A voter that
	// never answered keeps its vote and skips the backend call entirely.
	if st.RestartPending {
		o.tracker.CompleteAgentRestart(agentID)
		o.tracer.RecordMetric(observability.MetricRestarts, 1, nil)
		if st.HasVoted && !st.HasAnswer {
			o.emit(agentID, statusChunk(agentID, "restart consumed; existing vote stands"))
			return
		}
	}

	ctx, span := o.tracer.StartSpan(ctx, observability.SpanAgentTurn,
		observability.WithAttribute(observability.AttrAgentID, agentID),
		observability.WithAttribute(observability.AttrBackendName, rt.spec.Backend.Name()))
	defer o.tracer.EndSpan(span)
	o.tracer.RecordMetric(observability.MetricTurns, 1, nil)

	// Mark the injection watermark before snapshotting: answers landing in
	// the gap get delivered twice at worst, never dropped.
	o.peerHook.MarkSeen(agentID, o.tracker.LastSeq())
	snap, err := o.tracker.TrackContext(agentID)
	if err != nil {
		o.emit(agentID, types.ErrorChunk(err))
		return
	}

	mode := prompts.ModeCoordinate
	if voteOnly && snap.HasCandidates() {
		mode = prompts.ModeVoteOnly
	}
	rt.buffer.SetSystem(o.builder.Build(o.promptInput(ctx, snap, mode, nil)))
	if rt.buffer.Len() == 0 {
		rt.buffer.AddUser(task)
	}

	o.turnClock.BeginTurn(agentID)
	defer o.turnClock.EndTurn(agentID)
	o.tracker.SetStatus(agentID, coordination.StatusStreaming)

	start := o.now()
	defer func() {
		o.tracer.RecordMetric(observability.MetricTurnDuration, o.now().Sub(start).Seconds(), nil)
	}()

	for attempt := 1; attempt <= o.coord.MaxEnforcementRetries; attempt++ {
		o.tracker.BeginAttempt(agentID, attempt)
		if attempt > 1 {
			o.tracer.RecordMetric(observability.MetricEnforcementRetries, 1, nil)
		}

		concluded, retry, err := o.attempt(ctx, rt, snap, mode, attempt)
		if err != nil {
			o.logger.Warn("agent turn failed",
				zap.String("agent_id", agentID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			o.tracker.MarkFailed(agentID)
			o.emit(agentID, types.ErrorChunk(err))
			return
		}
		if concluded {
			return
		}
		if !retry {
			break
		}
	}

	o.tracker.MarkFailed(agentID)
	o.emit(agentID, types.ErrorChunk(
		fmt.Errorf("agent %s did not conclude within %d attempts", agentID, o.coord.MaxEnforcementRetries)))
}

// attempt runs stream iterations until a workflow conclusion, an enforcement
// violation (retry), or a hard failure.
func (o *Orchestrator) attempt(ctx context.Context, rt *agentRuntime, snap *coordination.Context, mode prompts.TurnMode, attempt int) (concluded, retry bool, fatal error) {
	for iter := 1; iter <= o.coord.MaxStreamIterations; iter++ {
		calls, err := o.streamOnce(ctx, rt, mode, snap)
		if err != nil {
			return false, false, err
		}

		if len(calls) == 0 {
			rt.buffer.AddEnforcement(conversation.EnforcementNoWorkflowCall)
			return false, true, nil
		}

		var wantsAnswer, wantsVote bool
		for _, c := range calls {
			switch c.Name {
			case tools.ToolNewAnswer:
				wantsAnswer = true
			case tools.ToolVote:
				wantsVote = true
			}
		}
		if wantsAnswer && wantsVote {
			// Neither concluder is applied; the model must pick one.
			o.failCalls(rt, calls, "conflicting_workflow_calls", "not applied: new_answer and vote in the same turn")
			rt.buffer.AddEnforcement(conversation.EnforcementBothTools)
			return false, true, nil
		}

		for i, call := range calls {
			disp, enforcement := o.handleCall(ctx, rt, snap, mode, call, attempt)
			switch disp {
			case dispConcluded:
				o.failCalls(rt, calls[i+1:], "turn_concluded", "not executed: turn already concluded")
				return true, false, nil
			case dispRetry:
				o.failCalls(rt, calls[i+1:], "turn_interrupted", "not executed: correction required first")
				if enforcement != "" {
					rt.buffer.AddEnforcement(enforcement)
				}
				return false, true, nil
			case dispAbort:
				return false, false, ctx.Err()
			}
		}
	}
	return false, false, fmt.Errorf("stream iteration budget (%d) exceeded", o.coord.MaxStreamIterations)
}

// streamOnce performs one backend invocation and returns the tool calls the
// model requested, with content and reasoning already accumulated and the
// assistant entry flushed.
func (o *Orchestrator) streamOnce(ctx context.Context, rt *agentRuntime, mode prompts.TurnMode, snap *coordination.Context) ([]tools.Call, error) {
	agentID := rt.spec.ID
	sctx, span := o.tracer.StartSpan(ctx, observability.SpanStreamIteration,
		observability.WithAttribute(observability.AttrAgentID, agentID),
		observability.WithAttribute(observability.AttrBackendModel, rt.spec.Backend.Model()))
	defer o.tracer.EndSpan(span)

	stream, err := rt.spec.Backend.Stream(sctx, rt.buffer.ToMessages(), o.toolsFor(rt, mode, snap))
	if err != nil {
		return nil, err
	}

	var streamed, complete []tools.Call
	var streamErr error
	for chunk := range stream {
		switch chunk.Type {
		case types.ChunkContent:
			rt.buffer.AccumulateContent(chunk.Text)
			o.emit(agentID, chunk)
		case types.ChunkReasoning:
			rt.buffer.AccumulateReasoning(chunk.Text)
			o.emit(agentID, chunk)
		case types.ChunkToolCall:
			streamed = append(streamed, chunk.ToolCalls...)
			o.emit(agentID, chunk)
		case types.ChunkCompleteMessage:
			if chunk.Message != nil {
				rt.buffer.AddCompleteMessage(*chunk.Message)
				complete = append(complete, chunk.Message.ToolCalls...)
			}
			o.emit(agentID, chunk)
		case types.ChunkDone:
			o.addUsage(chunk.Usage)
		case types.ChunkError:
			streamErr = errors.New(chunk.Err)
		}
	}

	rt.buffer.FlushTurn(streamed)
	if streamErr != nil {
		return nil, streamErr
	}
	return append(streamed, complete...), nil
}

// handleCall dispatches one tool call through the hook pipeline and the
// workflow, broadcast, external, or executor paths.
func (o *Orchestrator) handleCall(ctx context.Context, rt *agentRuntime, snap *coordination.Context, mode prompts.TurnMode, call tools.Call, attempt int) (disposition, string) {
	agentID := rt.spec.ID
	tc := &hooks.ToolContext{
		AgentID: agentID,
		Call:    call,
		Round:   snap.State.Round,
		Attempt: attempt,
	}

	pre := o.hookMgr.RunPre(ctx, tc)
	if pre.Denied {
		res := tools.Fail("denied_by_hook", pre.DenyReason)
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	}

	switch {
	case call.Name == tools.ToolNewAnswer:
		return o.handleNewAnswer(ctx, rt, mode, call)
	case call.Name == tools.ToolVote:
		return o.handleVote(ctx, rt, call)
	case call.Name == tools.ToolAskOthers:
		return o.handleAskOthers(ctx, rt, tc, call)
	case call.Name == tools.ToolRespondBroadcast:
		// Only shadow runs answer broadcasts; in a regular turn the call is
		// a protocol misfire, reported but not fatal.
		res := tools.Fail("not_available", "respond_to_broadcast is only available when answering a broadcast")
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	case o.externalSet[call.Name]:
		return o.handleExternal(ctx, rt, tc, call)
	default:
		return o.handleExecutor(ctx, rt, tc, call)
	}
}

func (o *Orchestrator) handleNewAnswer(ctx context.Context, rt *agentRuntime, mode prompts.TurnMode, call tools.Call) (disposition, string) {
	agentID := rt.spec.ID

	if mode != prompts.ModeCoordinate && mode != prompts.ModePresentation {
		res := tools.Fail("not_available", "new answers are closed; evaluate the candidates and vote")
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispRetry, ""
	}

	payload, err := tools.ParseNewAnswer(call.Arguments)
	if err != nil {
		res := tools.Fail("malformed_payload", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispRetry, conversation.EnforcementMalformedPayload(err.Error())
	}

	wctx, span := o.tracer.StartSpan(ctx, observability.SpanToolWorkflow,
		observability.WithAttribute(observability.AttrToolName, call.Name))
	answer, restarted, err := o.tracker.RecordAnswer(agentID, payload.Content)
	o.tracer.EndSpan(span)
	if err != nil {
		res := tools.Fail("record_failed", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispRetry, conversation.EnforcementMalformedPayload(err.Error())
	}
	o.tracer.RecordMetric(observability.MetricAnswers, 1, nil)

	o.saveAnswerSnapshot(wctx, agentID, answer)

	res := tools.OK(fmt.Sprintf("Answer recorded as %s.", answer.Label))
	rt.buffer.AddToolResult(call.ID, res)
	o.emitToolResult(agentID, call.ID, res)
	o.emit(agentID, statusChunk(agentID,
		fmt.Sprintf("answer %s recorded; %d peer(s) signalled to restart", answer.Label, len(restarted))))
	return dispConcluded, ""
}

func (o *Orchestrator) handleVote(ctx context.Context, rt *agentRuntime, call tools.Call) (disposition, string) {
	agentID := rt.spec.ID

	payload, err := tools.ParseVote(call.Arguments)
	if err != nil {
		res := tools.Fail("malformed_payload", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispRetry, conversation.EnforcementMalformedPayload(err.Error())
	}

	_, span := o.tracer.StartSpan(ctx, observability.SpanToolWorkflow,
		observability.WithAttribute(observability.AttrToolName, call.Name))
	vote, err := o.tracker.RecordVote(agentID, payload.AgentID, payload.Reason)
	o.tracer.EndSpan(span)
	if err != nil {
		res := tools.Fail("invalid_vote", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)

		if errors.Is(err, coordination.ErrUnknownCandidate) || errors.Is(err, coordination.ErrNoAnswers) {
			valid := o.currentCandidateAliases(agentID)
			return dispRetry, conversation.EnforcementInvalidVote(valid)
		}
		return dispRetry, conversation.EnforcementMalformedPayload(err.Error())
	}
	o.tracer.RecordMetric(observability.MetricVotes, 1, nil)

	res := tools.OK(fmt.Sprintf("Vote for %s recorded.", vote.VotedForAlias))
	rt.buffer.AddToolResult(call.ID, res)
	o.emitToolResult(agentID, call.ID, res)
	o.emit(agentID, statusChunk(agentID, fmt.Sprintf("voted for %s", vote.VotedForAlias)))
	return dispConcluded, ""
}

func (o *Orchestrator) handleAskOthers(ctx context.Context, rt *agentRuntime, tc *hooks.ToolContext, call tools.Call) (disposition, string) {
	agentID := rt.spec.ID

	if !o.channel.Enabled() {
		res := tools.Fail("not_available", "broadcast is disabled for this session")
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	}

	payload, err := tools.ParseAskOthers(call.Arguments)
	if err != nil {
		res := tools.Fail("malformed_payload", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	}

	req, err := o.channel.Create(ctx, agentID, payload)
	if err != nil {
		res := tools.Fail("broadcast_rejected", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	}
	if err := o.channel.Dispatch(ctx, req, o.shadows); err != nil {
		o.channel.Cleanup(req.ID)
		res := tools.Fail("broadcast_failed", err.Error())
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		return dispContinue, ""
	}

	var res *tools.Result
	if payload.Wait {
		responses, werr := o.channel.Wait(ctx, req.ID, o.coord.BroadcastWaitTimeout)
		if werr != nil && !errors.Is(werr, broadcast.ErrBroadcastTimeout) {
			res = tools.Fail("broadcast_failed", werr.Error())
		} else {
			res = tools.OK(broadcast.RenderResponses(responses, req.ExpectedResponses))
		}
		o.channel.Cleanup(req.ID)
	} else {
		res = tools.OK(fmt.Sprintf(
			"Question broadcast as request %s; responses will arrive as a coordination update.", req.ID))
		go o.collectAsync(ctx, agentID, req.ID)
	}

	rt.buffer.AddToolResult(call.ID, res)
	o.emitToolResult(agentID, call.ID, res)
	o.runPost(ctx, rt, tc, res)
	return dispContinue, ""
}

// collectAsync waits out a non-blocking broadcast and queues its responses
// for delivery at the asker's next tool boundary.
func (o *Orchestrator) collectAsync(ctx context.Context, agentID, requestID string) {
	responses, err := o.channel.Wait(ctx, requestID, o.coord.BroadcastWaitTimeout)
	if err != nil && !errors.Is(err, broadcast.ErrBroadcastTimeout) {
		o.logger.Debug("async broadcast abandoned",
			zap.String("request_id", requestID),
			zap.Error(err))
		o.channel.Cleanup(requestID)
		return
	}
	summaries := make([]string, 0, len(responses))
	for _, r := range responses {
		name := r.ResponderAlias
		if r.IsHuman {
			name = "human"
		}
		summaries = append(summaries, fmt.Sprintf("%s: %s", name, r.Content))
	}
	o.asyncHook.Enqueue(hooks.AsyncResult{
		AgentID:   agentID,
		RequestID: requestID,
		Summaries: summaries,
	})
	o.channel.Cleanup(requestID)
}

func (o *Orchestrator) handleExternal(ctx context.Context, rt *agentRuntime, tc *hooks.ToolContext, call tools.Call) (disposition, string) {
	agentID := rt.spec.ID
	o.emit(agentID, types.Chunk{
		Type:      types.ChunkExternalToolCalls,
		ToolCalls: []tools.Call{call},
		Timestamp: time.Now(),
	})

	select {
	case results := <-rt.external:
		res, ok := results[call.ID]
		if !ok || res == nil {
			res = tools.Fail("missing_result", fmt.Sprintf("no result submitted for call %s", call.ID))
		}
		rt.buffer.AddToolResult(call.ID, res)
		o.emitToolResult(agentID, call.ID, res)
		o.runPost(ctx, rt, tc, res)
		return dispContinue, ""
	case <-ctx.Done():
		return dispAbort, ""
	}
}

func (o *Orchestrator) handleExecutor(ctx context.Context, rt *agentRuntime, tc *hooks.ToolContext, call tools.Call) (disposition, string) {
	agentID := rt.spec.ID

	var res *tools.Result
	if rt.spec.Dispatcher == nil {
		res = tools.Fail("no_executor", fmt.Sprintf("no executor for tool %s", call.Name))
	} else {
		dctx, span := o.tracer.StartSpan(ctx, observability.SpanToolDispatch,
			observability.WithAttribute(observability.AttrToolName, call.Name),
			observability.WithAttribute(observability.AttrToolCallID, call.ID))
		var err error
		res, err = rt.spec.Dispatcher.Execute(dctx, call)
		o.tracer.EndSpan(span)
		if err != nil {
			res = tools.Fail("execution_error", err.Error())
		} else if res == nil {
			res = tools.Fail("execution_error", "executor returned no result")
		}
	}

	rt.buffer.AddToolResult(call.ID, res)
	o.emitToolResult(agentID, call.ID, res)
	o.runPost(ctx, rt, tc, res)
	return dispContinue, ""
}

// runPost runs post hooks and appends any injections to the buffer.
func (o *Orchestrator) runPost(ctx context.Context, rt *agentRuntime, tc *hooks.ToolContext, res *tools.Result) {
	post := o.hookMgr.RunPost(ctx, tc, res)
	for _, inj := range post.Injections {
		rt.buffer.AddInjection(inj)
	}
}

// failCalls records a failed result for each remaining call so the transcript
// stays well-formed for backends that require one result per call.
func (o *Orchestrator) failCalls(rt *agentRuntime, calls []tools.Call, code, message string) {
	for _, c := range calls {
		res := tools.Fail(code, message)
		rt.buffer.AddToolResult(c.ID, res)
		o.emitToolResult(rt.spec.ID, c.ID, res)
	}
}

func (o *Orchestrator) emitToolResult(agentID, callID string, res *tools.Result) {
	o.emit(agentID, types.Chunk{
		Type:       types.ChunkToolResult,
		ToolCallID: callID,
		ToolResult: res,
		Timestamp:  time.Now(),
	})
}

// currentCandidateAliases re-reads the live candidate set for enforcement
// messages; the turn snapshot may be stale by the time a vote fails.
func (o *Orchestrator) currentCandidateAliases(agentID string) []string {
	snap, err := o.tracker.TrackContext(agentID)
	if err != nil {
		return nil
	}
	return snap.CandidateAliases()
}

// toolsFor assembles the tool surface for one stream iteration.
func (o *Orchestrator) toolsFor(rt *agentRuntime, mode prompts.TurnMode, snap *coordination.Context) []tools.Definition {
	if mode == prompts.ModePresentation {
		return []tools.Definition{tools.NewAnswerDefinition()}
	}

	var defs []tools.Definition
	if mode != prompts.ModeVoteOnly {
		defs = append(defs, tools.NewAnswerDefinition())
	}
	if snap.HasCandidates() {
		defs = append(defs, tools.VoteDefinition(snap.CandidateAliases()))
	}
	if o.channel.Enabled() {
		defs = append(defs, tools.AskOthersDefinition())
	}
	for _, name := range o.session.ExternalTools {
		defs = append(defs, tools.Definition{
			Name:        name,
			Description: "Executed by the embedding application.",
			InputSchema: tools.NewObjectSchema("", nil, nil),
		})
	}
	if rt.spec.Dispatcher != nil {
		defs = append(defs, rt.spec.Dispatcher.Definitions()...)
	}
	return defs
}
