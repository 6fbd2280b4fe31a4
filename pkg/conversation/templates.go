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
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
)

// Corrective and coordination message templates. These are the only texts the
// orchestrator ever inserts into an agent's buffer on its own behalf, so they
// live in one place.

// EnforcementNoWorkflowCall nudges an agent that ended its turn without
// calling new_answer or vote.
var EnforcementNoWorkflowCall = heredoc.Doc(`
	You must conclude your turn by calling exactly one of the coordination tools:
	- new_answer: submit your answer to the task
	- vote: vote for the best existing candidate answer
	Plain text responses do not end your turn. Call one of the tools now.
`)

// EnforcementBothTools corrects an agent that called new_answer and vote in
// the same response. Neither call was applied.
var EnforcementBothTools = heredoc.Doc(`
	You called both new_answer and vote in a single response. These are mutually
	exclusive; neither was applied. Decide whether to submit a new answer or
	vote for an existing candidate, then call exactly one of the two tools.
`)

// EnforcementInvalidVote corrects a vote for an unknown candidate.
func EnforcementInvalidVote(validIDs []string) string {
	if len(validIDs) == 0 {
		return heredoc.Doc(`
			Your vote was rejected: there are no candidate answers yet. Submit your own
			answer with new_answer instead.
		`)
	}
	return fmt.Sprintf(heredoc.Doc(`
		Your vote was rejected: the agent_id you voted for does not exist.
		Valid candidates: %s. Vote again with one of these IDs, or submit a
		better answer with new_answer.
	`), strings.Join(validIDs, ", "))
}

// EnforcementMalformedPayload corrects a structurally invalid workflow tool
// payload.
func EnforcementMalformedPayload(detail string) string {
	return fmt.Sprintf(heredoc.Doc(`
		Your coordination tool call was malformed and was not applied: %s.
		Repeat the call with a valid payload.
	`), detail)
}

// RestartInjection tells a working agent that new peer answers arrived
// mid-turn. Labels are anonymous work-product labels such as "agent2.1".
func RestartInjection(labels []string) string {
	return fmt.Sprintf(heredoc.Doc(`
		UPDATE: new candidate answers were submitted by your peers while you were
		working: %s. They are included in your refreshed context. Reconsider your
		current approach before concluding; you may still submit your own answer
		or vote for the strongest candidate.
	`), strings.Join(labels, ", "))
}

// SoftTimeoutNudge asks an agent to wrap up before the hard turn limit.
var SoftTimeoutNudge = heredoc.Doc(`
	You are approaching the time limit for this turn. Conclude now: either submit
	your answer with new_answer or vote for the best candidate with vote.
`)

// ShadowSystemPrompt is the simplified system message for a shadow run. The
// shadow answers one external question; it takes no part in coordination.
var ShadowSystemPrompt = heredoc.Doc(`
	You are being asked an external question about the task you are working on.
	Answer concisely from your work so far. Do not start new work and do not
	produce a full deliverable; a short direct answer is expected.
`)

// BroadcastPrompt frames a peer question for a shadow agent.
func BroadcastPrompt(fromAlias, requestID, question string) string {
	return fmt.Sprintf(heredoc.Doc(`
		Another agent (%s) working on the same task asks you:

		%s

		Answer concisely based on your work so far, then submit your response with
		the respond_to_broadcast tool using request_id %q.
	`), fromAlias, question, requestID)
}

// ShadowNote informs an agent that a shadow run answered on its behalf.
func ShadowNote(question, answer string) string {
	return fmt.Sprintf(heredoc.Doc(`
		While you were working, a peer asked you: %s
		You answered: %s
	`), question, answer)
}

// AsyncBroadcastUpdate delivers late responses for a non-blocking broadcast.
func AsyncBroadcastUpdate(requestID string, responses []string) string {
	return fmt.Sprintf(heredoc.Doc(`
		UPDATE: responses arrived for your earlier question (request %s):

		%s
	`), requestID, strings.Join(responses, "\n\n"))
}
