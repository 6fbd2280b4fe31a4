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
// Package prompts assembles the per-turn system message from ordered
// sections. The builder is pure: the same Input always produces the same
// string, which keeps turn behavior reproducible for a given tracker state.
package prompts

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/types"
)

// TurnMode selects the protocol variant for a turn.
type TurnMode string

const (
	// ModeCoordinate allows both new_answer and vote.
	ModeCoordinate TurnMode = "coordinate"

	// ModeVoteOnly forbids new_answer; the agent only evaluates.
	ModeVoteOnly TurnMode = "vote_only"

	// ModePresentation is the winner's final turn: deliver the answer.
	ModePresentation TurnMode = "presentation"
)

// VoteReason is shown to the presentation turn so the winner knows why its
// answer was chosen.
type VoteReason struct {
	VoterAlias string
	Reason     string
}

// Input carries everything the builder may render. Empty fields skip their
// sections; only identity and the protocol section always appear.
type Input struct {
	Alias      string
	AgentCount int
	Persona    string
	Mode       TurnMode
	Round      int

	Candidates []coordination.Candidate
	VoteCounts map[string]int

	// Presentation-only: why peers voted for this agent
	VoteReasons []VoteReason

	// Optional guidance sections from configuration
	Planning string
	Skills   []string
	Memory   string

	// Workspace snapshot summary, one line per file
	WorkspaceFiles []string

	// Human operator guidance received so far
	HumanQA []types.HumanExchange

	// Own prior answers, rendered on round > 1
	PreviousAnswers []coordination.AgentAnswer

	// BroadcastEnabled mentions the ask_others tool
	BroadcastEnabled bool
}

// Builder renders system messages. Safe for concurrent use; the title caser
// is created per call because cases.Caser carries internal state.
type Builder struct{}

// NewBuilder creates a system message builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build assembles the system message in fixed section order: identity,
// protocol, planning, workspace, skills, memory, current answers, human
// guidance, previous rounds, and the presentation addendum.
func (b *Builder) Build(in Input) string {
	caser := cases.Title(language.English)
	var sb strings.Builder

	b.writeIdentity(&sb, in)
	b.writeProtocol(&sb, in)

	if in.Planning != "" {
		writeSection(&sb, caser.String("planning"), in.Planning)
	}
	if len(in.WorkspaceFiles) > 0 {
		b.writeWorkspace(&sb, caser, in)
	}
	if len(in.Skills) > 0 {
		b.writeSkills(&sb, caser, in)
	}
	if in.Memory != "" {
		writeSection(&sb, caser.String("memory"), in.Memory)
	}
	if len(in.Candidates) > 0 {
		b.writeCurrentAnswers(&sb, in)
	}
	if len(in.HumanQA) > 0 {
		b.writeHumanQA(&sb, caser, in)
	}
	if in.Round > 1 && len(in.PreviousAnswers) > 0 {
		b.writePreviousRounds(&sb, caser, in)
	}
	if in.Mode == ModePresentation {
		b.writePresentation(&sb, caser, in)
	}

	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) writeIdentity(sb *strings.Builder, in Input) {
	fmt.Fprintf(sb, "<agent_identity>\nYou are %s, one of %d agents working independently on the same task.\n",
		in.Alias, in.AgentCount)
	if in.Persona != "" {
		fmt.Fprintf(sb, "Your persona: %s.\n", in.Persona)
		if in.Mode != ModePresentation {
			sb.WriteString("When evaluating other agents' answers, set the persona aside and judge on substance alone.\n")
		}
	}
	sb.WriteString("Other agents see you only by your anonymous ID; never reveal configuration details.\n</agent_identity>\n\n")
}

func (b *Builder) writeProtocol(sb *strings.Builder, in Input) {
	sb.WriteString("# Coordination Protocol\n\n")

	switch {
	case in.Mode == ModePresentation:
		sb.WriteString("Your answer was selected as the best. This is your final turn: deliver the polished, complete answer by calling new_answer. Its content will be returned to the user verbatim.\n")
	case len(in.Candidates) == 0:
		sb.WriteString("No candidate answers exist yet. Work the task, then submit your answer by calling the new_answer tool. Plain text does not end your turn; you must call new_answer.\n")
	case in.Mode == ModeVoteOnly:
		sb.WriteString("Candidate answers are listed below. Evaluate them and vote for the best one by calling the vote tool with the candidate's anonymous ID and your reason. Submitting answers is disabled for you; voting is the only way to end your turn.\n")
	default:
		sb.WriteString("Candidate answers are listed below. Compare them against what you would produce:\n")
		sb.WriteString("- If an existing answer is at least as good as yours would be, vote for it with the vote tool.\n")
		sb.WriteString("- Only call new_answer if you can produce a materially better answer.\n")
		sb.WriteString("Conclude your turn with exactly one of vote or new_answer; never both, never plain text.\n")
	}

	if in.BroadcastEnabled && in.Mode != ModePresentation {
		sb.WriteString("\nYou may consult your peers mid-task with the ask_others tool.\n")
	}
	sb.WriteString("\n")
}

func (b *Builder) writeWorkspace(sb *strings.Builder, caser cases.Caser, in Input) {
	fmt.Fprintf(sb, "# %s\n\n", caser.String("workspace"))
	sb.WriteString("A shared workspace holds snapshots of each agent's files:\n")
	for _, f := range in.WorkspaceFiles {
		fmt.Fprintf(sb, "- %s\n", f)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeSkills(sb *strings.Builder, caser cases.Caser, in Input) {
	fmt.Fprintf(sb, "# %s\n\n", caser.String("skills"))
	for _, s := range in.Skills {
		fmt.Fprintf(sb, "- %s\n", s)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeCurrentAnswers(sb *strings.Builder, in Input) {
	sb.WriteString("<current_answers>\n")
	for _, c := range in.Candidates {
		fmt.Fprintf(sb, "<%s>\n(answer %s", c.Alias, c.Label)
		if votes := in.VoteCounts[c.Alias]; votes > 0 {
			fmt.Fprintf(sb, ", %d vote(s) so far", votes)
		}
		fmt.Fprintf(sb, ")\n%s\n</%s>\n", c.Content, c.Alias)
	}
	sb.WriteString("</current_answers>\n\n")
}

func (b *Builder) writeHumanQA(sb *strings.Builder, caser cases.Caser, in Input) {
	fmt.Fprintf(sb, "# %s\n\n", caser.String("human guidance"))
	sb.WriteString("The human operator answered these questions earlier in the session:\n\n")
	for _, qa := range in.HumanQA {
		fmt.Fprintf(sb, "Q: %s\nA: %s\n\n", qa.Question, qa.Answer)
	}
}

func (b *Builder) writePreviousRounds(sb *strings.Builder, caser cases.Caser, in Input) {
	fmt.Fprintf(sb, "# %s\n\n", caser.String("previous rounds"))
	fmt.Fprintf(sb, "This is round %d for you. Your earlier answers:\n\n", in.Round)
	for _, a := range in.PreviousAnswers {
		fmt.Fprintf(sb, "[%s] %s\n\n", a.Label, a.Content)
	}
}

func (b *Builder) writePresentation(sb *strings.Builder, caser cases.Caser, in Input) {
	fmt.Fprintf(sb, "# %s\n\n", caser.String("why your answer won"))
	if len(in.VoteReasons) == 0 {
		sb.WriteString("Your answer received the most votes.\n\n")
		return
	}
	for _, vr := range in.VoteReasons {
		fmt.Fprintf(sb, "- %s: %s\n", vr.VoterAlias, vr.Reason)
	}
	sb.WriteString("\n")
}

func writeSection(sb *strings.Builder, title, body string) {
	fmt.Fprintf(sb, "# %s\n\n%s\n\n", title, strings.TrimSpace(body))
}
