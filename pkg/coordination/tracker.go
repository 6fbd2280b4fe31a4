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
// Package coordination holds the single source of truth for cross-agent
// session state: who answered, who voted, who must restart, and how agents
// are anonymized to each other.
//
// All mutations go through the Tracker under one lock. Answers and votes are
// append-only; derived views (candidates, tallies, consensus) are computed
// from the full history so observers can replay how a session converged.
package coordination

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/observability"
)

// Sentinel errors surfaced to the orchestrator's enforcement path.
var (
	ErrNotRegistered     = errors.New("agent not registered")
	ErrAlreadyRegistered = errors.New("agents already registered")
	ErrNoAnswers         = errors.New("no candidate answers to vote on")
	ErrUnknownCandidate  = errors.New("vote names an unknown candidate")
	ErrNoVotes           = errors.New("no votes recorded")
	ErrEmptyAnswer       = errors.New("answer content is empty")
)

// AgentStatus tracks where an agent is in its lifecycle.
type AgentStatus string

const (
	StatusIdle       AgentStatus = "idle"
	StatusStreaming  AgentStatus = "streaming"
	StatusRestarting AgentStatus = "restarting"
	StatusVoted      AgentStatus = "voted"
	StatusFailed     AgentStatus = "failed"
	StatusDone       AgentStatus = "done"
)

// AgentState is the tracker's view of one agent.
type AgentState struct {
	ID         string      `json:"id"`
	Alias      string      `json:"alias"`
	Registered time.Time   `json:"registered"`
	Status     AgentStatus `json:"status"`

	HasAnswer      bool `json:"has_answer"`
	HasVoted       bool `json:"has_voted"`
	RestartPending bool `json:"restart_pending"`

	// InjectionCount counts coordination updates delivered mid-turn
	InjectionCount int `json:"injection_count"`

	// Round increments on every restart completion
	Round int `json:"round"`

	// Attempt is the current enforcement attempt within a turn
	Attempt int `json:"attempt"`
}

// AgentAnswer is one submitted answer. Label is the anonymous work-product
// label peers see, e.g. "agent2.1" for agent2's first answer.
type AgentAnswer struct {
	AgentID   string    `json:"agent_id"`
	Alias     string    `json:"alias"`
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	Round     int       `json:"round"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentVote is one cast vote. VotedForID is the resolved real agent ID; the
// voter only ever saw the alias.
type AgentVote struct {
	VoterID       string    `json:"voter_id"`
	VotedForID    string    `json:"voted_for_id"`
	VotedForAlias string    `json:"voted_for_alias"`
	Reason        string    `json:"reason"`
	Round         int       `json:"round"`
	Seq           int       `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`

	// Forced marks votes synthesized at session timeout
	Forced bool `json:"forced,omitempty"`
}

// Candidate is one entry in an agent's view of current answers: the latest
// answer per answering agent, identified only by alias and label.
type Candidate struct {
	Alias   string `json:"alias"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Context is an immutable snapshot handed to prompt building and turn logic.
type Context struct {
	AgentID    string
	Alias      string
	State      AgentState
	Candidates []Candidate
	VoteCounts map[string]int // alias -> effective vote count
}

// HasCandidates reports whether any answers exist in this snapshot.
func (c *Context) HasCandidates() bool {
	return len(c.Candidates) > 0
}

// CandidateAliases returns the aliases of all current candidates in order.
func (c *Context) CandidateAliases() []string {
	aliases := make([]string, len(c.Candidates))
	for i, cand := range c.Candidates {
		aliases[i] = cand.Alias
	}
	return aliases
}

// Tally is the outcome of winner determination.
type Tally struct {
	WinnerID    string
	WinnerAlias string

	// Counts keyed by candidate alias, effective votes only
	Counts map[string]int

	// Effective is the latest vote per voter, in voter registration order
	Effective []AgentVote

	Unanimous bool
}

// Snapshot is a full copy of tracker history for results and persistence.
type Snapshot struct {
	Order   []string              `json:"order"`
	States  map[string]AgentState `json:"states"`
	Answers []AgentAnswer         `json:"answers"`
	Votes   []AgentVote           `json:"votes"`
}

// Tracker coordinates cross-agent state. Thread-safe.
type Tracker struct {
	mu sync.RWMutex

	order   []string // registration order, drives tie-breaks
	states  map[string]*AgentState
	aliases map[string]string // real ID -> alias
	reverse map[string]string // alias -> real ID

	answers []AgentAnswer
	votes   []AgentVote
	seq     int

	tracer observability.Tracer
	logger *zap.Logger
}

// NewTracker creates an empty tracker. Tracer and logger may be nil.
func NewTracker(tracer observability.Tracer, logger *zap.Logger) *Tracker {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		states:  make(map[string]*AgentState),
		aliases: make(map[string]string),
		reverse: make(map[string]string),
		tracer:  tracer,
		logger:  logger,
	}
}

// RegisterAgents fixes the session roster and the anonymous identity map.
// Aliases agent1..agentN are assigned by lexicographic order of real IDs so
// the mapping is stable regardless of registration order. Can only be called
// once per tracker.
func (t *Tracker) RegisterAgents(ids []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) > 0 {
		return ErrAlreadyRegistered
	}
	if len(ids) == 0 {
		return errors.New("at least one agent is required")
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return errors.New("agent ID must not be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent ID %q", id)
		}
		seen[id] = true
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	now := time.Now()
	for i, id := range sorted {
		alias := fmt.Sprintf("agent%d", i+1)
		t.aliases[id] = alias
		t.reverse[alias] = id
	}
	for _, id := range ids {
		t.states[id] = &AgentState{
			ID:         id,
			Alias:      t.aliases[id],
			Registered: now,
			Status:     StatusIdle,
			Round:      1,
			Attempt:    1,
		}
	}
	t.order = append(t.order, ids...)

	t.logger.Info("agents registered",
		zap.Int("count", len(ids)),
		zap.Strings("agents", ids))
	return nil
}

// Agents returns real IDs in registration order.
func (t *Tracker) Agents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// AliasFor resolves a real agent ID to its anonymous alias.
func (t *Tracker) AliasFor(realID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	alias, ok := t.aliases[realID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, realID)
	}
	return alias, nil
}

// RealFor resolves an anonymous alias to the real agent ID.
func (t *Tracker) RealFor(alias string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.reverse[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCandidate, alias)
	}
	return id, nil
}

// State returns a copy of an agent's state.
func (t *Tracker) State(agentID string) (AgentState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[agentID]
	if !ok {
		return AgentState{}, fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	return *st, nil
}

// SetStatus updates an agent's lifecycle status.
func (t *Tracker) SetStatus(agentID string, status AgentStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[agentID]; ok {
		st.Status = status
	}
}

// BeginAttempt records the enforcement attempt an agent is on.
func (t *Tracker) BeginAttempt(agentID string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[agentID]; ok {
		st.Attempt = attempt
	}
}

// IncrementInjection bumps the count of mid-turn coordination updates.
func (t *Tracker) IncrementInjection(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[agentID]; ok {
		st.InjectionCount++
	}
}

// RestartPending reports whether a restart signal is outstanding.
func (t *Tracker) RestartPending(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[agentID]
	return ok && st.RestartPending
}

// RecordAnswer appends an answer for agentID and signals every other live
// agent to restart. Returns the stored answer (with its label) and the IDs
// of agents whose RestartPending was newly set.
func (t *Tracker) RecordAnswer(agentID, content string) (*AgentAnswer, []string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	if content == "" {
		return nil, nil, ErrEmptyAnswer
	}

	t.seq++
	count := 1
	for _, a := range t.answers {
		if a.AgentID == agentID {
			count++
		}
	}
	answer := AgentAnswer{
		AgentID:   agentID,
		Alias:     st.Alias,
		Label:     fmt.Sprintf("%s.%d", st.Alias, count),
		Content:   content,
		Round:     st.Round,
		Seq:       t.seq,
		Timestamp: time.Now(),
	}
	t.answers = append(t.answers, answer)
	st.HasAnswer = true

	var restartTargets []string
	for _, id := range t.order {
		if id == agentID {
			continue
		}
		peer := t.states[id]
		if peer.Status == StatusFailed {
			continue
		}
		if !peer.RestartPending {
			peer.RestartPending = true
			restartTargets = append(restartTargets, id)
		}
	}

	t.tracer.RecordMetric(observability.MetricAnswers, 1, map[string]string{"agent": st.Alias})
	t.logger.Info("answer recorded",
		zap.String("agent_id", agentID),
		zap.String("label", answer.Label),
		zap.Int("round", answer.Round),
		zap.Int("restart_targets", len(restartTargets)))

	return &answer, restartTargets, nil
}

// RecordVote appends a vote by voterID for the candidate behind the given
// alias. The alias must resolve to a registered agent that has answered.
func (t *Tracker) RecordVote(voterID, votedForAlias, reason string) (*AgentVote, error) {
	return t.recordVote(voterID, votedForAlias, reason, false)
}

func (t *Tracker) recordVote(voterID, votedForAlias, reason string, forced bool) (*AgentVote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	voter, ok := t.states[voterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, voterID)
	}
	if len(t.answers) == 0 {
		return nil, ErrNoAnswers
	}

	candidateID, ok := t.reverse[votedForAlias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCandidate, votedForAlias)
	}
	candidate := t.states[candidateID]
	if !candidate.HasAnswer {
		return nil, fmt.Errorf("%w: %s has no answer", ErrUnknownCandidate, votedForAlias)
	}

	t.seq++
	vote := AgentVote{
		VoterID:       voterID,
		VotedForID:    candidateID,
		VotedForAlias: votedForAlias,
		Reason:        reason,
		Round:         voter.Round,
		Seq:           t.seq,
		Timestamp:     time.Now(),
		Forced:        forced,
	}
	t.votes = append(t.votes, vote)
	voter.HasVoted = true
	voter.Status = StatusVoted

	t.tracer.RecordMetric(observability.MetricVotes, 1, map[string]string{"voter": voter.Alias})
	t.logger.Info("vote recorded",
		zap.String("voter_id", voterID),
		zap.String("voted_for", votedForAlias),
		zap.Bool("forced", forced))

	return &vote, nil
}

// CompleteAgentRestart consumes an outstanding restart signal. This is the
// only place RestartPending transitions back to false; the agent's round
// advances with it. Returns whether a signal was actually pending.
func (t *Tracker) CompleteAgentRestart(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[agentID]
	if !ok || !st.RestartPending {
		return false
	}
	st.RestartPending = false
	st.Round++

	t.tracer.RecordMetric(observability.MetricRestarts, 1, map[string]string{"agent": st.Alias})
	t.logger.Debug("restart completed",
		zap.String("agent_id", agentID),
		zap.Int("round", st.Round))
	return true
}

// MarkFailed removes an agent from the consensus quorum. Any outstanding
// restart signal is left in place; every consumer skips failed agents.
func (t *Tracker) MarkFailed(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[agentID]; ok {
		st.Status = StatusFailed
	}
}

// candidatesLocked returns the latest answer per answering agent ordered by
// alias. Callers hold at least the read lock.
func (t *Tracker) candidatesLocked() []Candidate {
	latest := make(map[string]*AgentAnswer)
	for i := range t.answers {
		a := &t.answers[i]
		latest[a.AgentID] = a
	}

	out := make([]Candidate, 0, len(latest))
	for _, a := range latest {
		out = append(out, Candidate{Alias: a.Alias, Label: a.Label, Content: a.Content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// effectiveVotesLocked returns each voter's latest vote, ordered by voter
// registration order. Callers hold at least the read lock.
func (t *Tracker) effectiveVotesLocked() []AgentVote {
	latest := make(map[string]AgentVote)
	for _, v := range t.votes {
		latest[v.VoterID] = v
	}

	out := make([]AgentVote, 0, len(latest))
	for _, id := range t.order {
		if v, ok := latest[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// TrackContext snapshots everything one agent may see about the session.
func (t *Tracker) TrackContext(agentID string) (*Context, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}

	counts := make(map[string]int)
	for _, v := range t.effectiveVotesLocked() {
		counts[v.VotedForAlias]++
	}

	return &Context{
		AgentID:    agentID,
		Alias:      st.Alias,
		State:      *st,
		Candidates: t.candidatesLocked(),
		VoteCounts: counts,
	}, nil
}

// ConsensusReached reports whether every live agent has voted and no restart
// signal is outstanding.
func (t *Tracker) ConsensusReached() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live := 0
	for _, id := range t.order {
		st := t.states[id]
		if st.Status == StatusFailed {
			continue
		}
		live++
		if !st.HasVoted || st.RestartPending {
			return false
		}
	}
	return live > 0
}

// Winner tallies effective votes (latest per voter) and returns the winner.
// Ties break toward the earliest registered candidate among the tied.
func (t *Tracker) Winner() (*Tally, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	effective := t.effectiveVotesLocked()
	if len(effective) == 0 {
		return nil, ErrNoVotes
	}

	counts := make(map[string]int)
	countsByAlias := make(map[string]int)
	for _, v := range effective {
		counts[v.VotedForID]++
		countsByAlias[v.VotedForAlias]++
	}

	best := -1
	winnerID := ""
	for _, id := range t.order {
		if c, ok := counts[id]; ok && c > best {
			best = c
			winnerID = id
		}
	}

	tally := &Tally{
		WinnerID:    winnerID,
		WinnerAlias: t.aliases[winnerID],
		Counts:      countsByAlias,
		Effective:   effective,
		Unanimous:   best == len(effective),
	}

	t.logger.Info("winner determined",
		zap.String("winner_id", winnerID),
		zap.String("winner_alias", tally.WinnerAlias),
		zap.Int("votes", best),
		zap.Bool("unanimous", tally.Unanimous))
	return tally, nil
}

// ForceVotes synthesizes a vote for every live agent that has not voted,
// targeting the earliest registered candidate with an answer. Used when the
// session deadline forces convergence: the caller proceeds straight to
// Winner, so outstanding restart signals are deliberately not consumed here.
func (t *Tracker) ForceVotes(reason string) []AgentVote {
	t.mu.Lock()
	candidateID := ""
	for _, id := range t.order {
		if t.states[id].HasAnswer && t.states[id].Status != StatusFailed {
			candidateID = id
			break
		}
	}
	if candidateID == "" {
		t.mu.Unlock()
		return nil
	}
	candidateAlias := t.aliases[candidateID]

	var pending []string
	for _, id := range t.order {
		st := t.states[id]
		if st.Status == StatusFailed || st.HasVoted {
			continue
		}
		pending = append(pending, id)
	}
	t.mu.Unlock()

	forced := make([]AgentVote, 0, len(pending))
	for _, id := range pending {
		if v, err := t.recordVote(id, candidateAlias, reason, true); err == nil {
			forced = append(forced, *v)
		}
	}
	return forced
}

// AnswerCount returns the total number of answers recorded.
func (t *Tracker) AnswerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.answers)
}

// LatestAnswer returns the most recent answer for an agent, if any.
func (t *Tracker) LatestAnswer(agentID string) (*AgentAnswer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.answers) - 1; i >= 0; i-- {
		if t.answers[i].AgentID == agentID {
			a := t.answers[i]
			return &a, true
		}
	}
	return nil, false
}

// AnswersSince returns answers with Seq greater than afterSeq, in order.
func (t *Tracker) AnswersSince(afterSeq int) []AgentAnswer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []AgentAnswer
	for _, a := range t.answers {
		if a.Seq > afterSeq {
			out = append(out, a)
		}
	}
	return out
}

// LastSeq returns the latest issued sequence number.
func (t *Tracker) LastSeq() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// History returns a full copy of tracker state for results and persistence.
func (t *Tracker) History() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Order:   make([]string, len(t.order)),
		States:  make(map[string]AgentState, len(t.states)),
		Answers: make([]AgentAnswer, len(t.answers)),
		Votes:   make([]AgentVote, len(t.votes)),
	}
	copy(snap.Order, t.order)
	copy(snap.Answers, t.answers)
	copy(snap.Votes, t.votes)
	for id, st := range t.states {
		snap.States[id] = *st
	}
	return snap
}
