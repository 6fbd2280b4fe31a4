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
// Package orchestrator drives the multi-agent coordination protocol: rounds
// of concurrent agent turns, workflow tool enforcement, restart signalling,
// winner selection, and the presentation turn that produces the final answer.
//
// The orchestrator is the only component that writes to conversation buffers
// and the only consumer of hook decisions, so every ordering invariant of an
// agent's history is enforced in one place.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/broadcast"
	"github.com/teradata-labs/massgen/pkg/config"
	"github.com/teradata-labs/massgen/pkg/conversation"
	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/hooks"
	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/prompts"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
	"github.com/teradata-labs/massgen/pkg/workspace"
)

var (
	// ErrAlreadyRunning is returned by Run after the first call.
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrAllAgentsFailed terminates a session with no live agents left.
	ErrAllAgentsFailed = errors.New("all agents failed")

	// ErrNotWaiting is returned by SubmitExternalResults when the agent has
	// no parked external tool calls.
	ErrNotWaiting = errors.New("agent is not waiting for external tool results")
)

// AgentSpec configures one coordination participant.
type AgentSpec struct {
	ID      string
	Backend types.Backend
	Persona string

	// Dispatcher executes non-workflow tools for this agent. Optional; calls
	// with no dispatcher fail back to the model as tool errors.
	Dispatcher tools.Executor
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(tracer observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithSession overrides session-level settings.
func WithSession(s config.Session) Option {
	return func(o *Orchestrator) { o.session = s }
}

// WithCoordination overrides protocol tunables.
func WithCoordination(c config.Coordination) Option {
	return func(o *Orchestrator) { o.coord = c }
}

// WithPrompts sets the optional system message sections.
func WithPrompts(p config.Prompts) Option {
	return func(o *Orchestrator) { o.promptCfg = p }
}

// WithHumanInterface attaches the human operator collaborator, required when
// session broadcast mode is human.
func WithHumanInterface(h broadcast.HumanInterface) Option {
	return func(o *Orchestrator) { o.human = h }
}

// WithWorkspace attaches the filesystem collaborator. Without one, answer
// snapshots and the workspace prompt section are skipped.
func WithWorkspace(ws workspace.Workspace) Option {
	return func(o *Orchestrator) { o.ws = ws }
}

// WithClock replaces the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// agentRuntime is the orchestrator's per-agent working state.
type agentRuntime struct {
	spec     AgentSpec
	buffer   *conversation.Buffer
	external chan map[string]*tools.Result
}

// Orchestrator runs one coordination session. Construct with New, start with
// Run (once), and consume the returned chunk stream to completion.
type Orchestrator struct {
	order    []string
	runtimes map[string]*agentRuntime

	tracker   *coordination.Tracker
	hookMgr   *hooks.Manager
	peerHook  *hooks.PeerAnswerInjection
	turnClock *hooks.RoundTimeout
	asyncHook *hooks.AsyncSubagentResult
	channel   *broadcast.Channel
	shadows   *broadcast.ShadowRunner
	builder   *prompts.Builder
	ws        workspace.Workspace

	session   config.Session
	coord     config.Coordination
	promptCfg config.Prompts
	human     broadcast.HumanInterface

	externalSet map[string]bool

	tracer observability.Tracer
	logger *zap.Logger
	now    func() time.Time

	running atomic.Bool
	out     chan types.Chunk

	mu        sync.Mutex
	usage     types.Usage
	snapshots map[string]workspace.SnapshotID // latest answer snapshot per agent
	rounds    int
}

// New validates the agent roster and assembles the session machinery.
// Configuration errors surface here, before any turn runs.
func New(specs []AgentSpec, opts ...Option) (*Orchestrator, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one agent is required")
	}

	defaults := config.Default()
	o := &Orchestrator{
		runtimes:  make(map[string]*agentRuntime, len(specs)),
		session:   defaults.Session,
		coord:     defaults.Coordination,
		builder:   prompts.NewBuilder(),
		now:       time.Now,
		snapshots: make(map[string]workspace.SnapshotID),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = observability.NewNoOpTracer()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.New("agent ID must not be empty")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate agent ID %q", spec.ID)
		}
		if spec.Backend == nil {
			return nil, fmt.Errorf("agent %s has no backend", spec.ID)
		}
		seen[spec.ID] = true
		o.order = append(o.order, spec.ID)
		o.runtimes[spec.ID] = &agentRuntime{
			spec:     spec,
			buffer:   conversation.NewBuffer(),
			external: make(chan map[string]*tools.Result, 1),
		}
	}

	o.externalSet = make(map[string]bool, len(o.session.ExternalTools))
	for _, name := range o.session.ExternalTools {
		o.externalSet[name] = true
	}

	o.tracker = coordination.NewTracker(o.tracer, o.logger)

	mode := broadcast.Mode(o.session.Broadcast)
	if mode == "" {
		mode = broadcast.ModeAgents
	}
	channel, err := broadcast.NewChannel(broadcast.Config{
		Mode:                mode,
		MaxInFlightPerAgent: o.coord.MaxInFlightBroadcasts,
		DefaultTimeout:      o.coord.BroadcastWaitTimeout,
	}, o.tracker, o.human, o.tracer, o.logger)
	if err != nil {
		return nil, fmt.Errorf("broadcast channel: %w", err)
	}
	o.channel = channel

	if mode == broadcast.ModeAgents {
		o.shadows = broadcast.NewShadowRunner(
			broadcast.ShadowConfig{Parallelism: o.coord.MaxParallelShadows},
			channel,
			func(agentID string) types.Backend {
				if rt, ok := o.runtimes[agentID]; ok {
					return rt.spec.Backend
				}
				return nil
			},
			func(agentID string, tail int) []types.Message {
				if rt, ok := o.runtimes[agentID]; ok {
					return rt.buffer.Tail(tail)
				}
				return nil
			},
			func(agentID, note string) {
				if rt, ok := o.runtimes[agentID]; ok {
					rt.buffer.AddInjection(note)
				}
			},
			o.tracer, o.logger)
	}

	o.hookMgr = hooks.NewManager(o.tracer, o.logger)
	o.peerHook = hooks.NewPeerAnswerInjection(o.tracker)
	if !o.coord.DisableInjection {
		o.hookMgr.RegisterPost(o.peerHook)
	}
	o.turnClock = hooks.NewRoundTimeout(o.coord.TurnSoftTimeout, o.coord.TurnHardTimeout).WithClock(func() time.Time { return o.now() })
	o.hookMgr.RegisterPre(o.turnClock)
	o.hookMgr.RegisterPost(o.turnClock)
	o.asyncHook = hooks.NewAsyncSubagentResult()
	o.hookMgr.RegisterPost(o.asyncHook)

	return o, nil
}

// Tracker exposes coordination state for observers and tests.
func (o *Orchestrator) Tracker() *coordination.Tracker { return o.tracker }

// Usage returns the aggregated token usage so far.
func (o *Orchestrator) Usage() types.Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usage
}

// Run starts the session for one task and returns the multiplexed chunk
// stream. The stream carries every agent's tagged chunks plus orchestration
// events and terminates with exactly one result or error chunk, then closes.
// Run may be called once per Orchestrator.
func (o *Orchestrator) Run(ctx context.Context, task string) (<-chan types.Chunk, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	if err := o.tracker.RegisterAgents(o.order); err != nil {
		return nil, err
	}

	o.out = make(chan types.Chunk, 64)
	go o.coordinate(ctx, task)
	return o.out, nil
}

// SubmitExternalResults resumes an agent whose turn is parked on external
// tool calls. Results are keyed by tool call ID.
func (o *Orchestrator) SubmitExternalResults(agentID string, results map[string]*tools.Result) error {
	rt, ok := o.runtimes[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", coordination.ErrNotRegistered, agentID)
	}
	select {
	case rt.external <- results:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotWaiting, agentID)
	}
}

// coordinate is the session goroutine: it owns the output channel and runs
// rounds until consensus or forced convergence.
func (o *Orchestrator) coordinate(ctx context.Context, task string) {
	defer close(o.out)

	if o.session.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.session.TaskTimeout)
		defer cancel()
	}
	defer o.channel.CancelAll()

	ctx, span := o.tracer.StartSpan(ctx, observability.SpanSession,
		observability.WithAttribute("agents", len(o.order)))
	defer o.tracer.EndSpan(span)

	for round := 1; ; round++ {
		o.mu.Lock()
		o.rounds = round
		o.mu.Unlock()

		runnable := o.runnableAgents()
		if len(runnable) == 0 && o.liveAgents() == 0 {
			o.emitOrchestration(types.ErrorChunk(ErrAllAgentsFailed))
			return
		}

		if len(runnable) > 0 {
			o.runRound(ctx, round, runnable, task)
		}

		if o.coord.SkipVoting {
			if o.allLiveAnswered() {
				o.finalize(ctx, round)
				return
			}
		} else if o.tracker.ConsensusReached() {
			o.finalize(ctx, round)
			return
		}

		if ctx.Err() != nil || round >= o.session.MaxRounds {
			if !o.coord.SkipVoting {
				forced := o.tracker.ForceVotes("session deadline reached")
				if len(forced) > 0 {
					o.emitOrchestration(statusChunk("", fmt.Sprintf("forced %d vote(s) to converge", len(forced))))
				}
			}
			o.finalize(ctx, round)
			return
		}

		if len(runnable) == 0 {
			// No agent can make progress and consensus is out of reach.
			o.emitOrchestration(types.ErrorChunk(ErrAllAgentsFailed))
			return
		}
	}
}

// runRound spawns one turn goroutine per runnable agent and joins them.
func (o *Orchestrator) runRound(ctx context.Context, round int, runnable []string, task string) {
	rctx, span := o.tracer.StartSpan(ctx, observability.SpanRound,
		observability.WithAttribute(observability.AttrRound, round),
		observability.WithAttribute("agents", len(runnable)))
	defer o.tracer.EndSpan(span)
	o.tracer.RecordMetric(observability.MetricRounds, 1, nil)

	o.logger.Info("round started",
		zap.Int("round", round),
		zap.Strings("agents", runnable))

	// Last regular round: agents with candidates in view must converge, so
	// new_answer is withheld and only voting can conclude their turns.
	voteOnly := !o.coord.SkipVoting && round >= o.session.MaxRounds && o.tracker.AnswerCount() > 0

	var wg sync.WaitGroup
	for _, id := range runnable {
		rt := o.runtimes[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runTurn(rctx, rt, task, voteOnly)
		}()
	}
	wg.Wait()
}

// runnableAgents returns agents that still need a turn: no vote yet (no
// answer yet under skip_voting), or an unconsumed restart signal.
func (o *Orchestrator) runnableAgents() []string {
	var out []string
	for _, id := range o.order {
		st, err := o.tracker.State(id)
		if err != nil || st.Status == coordination.StatusFailed {
			continue
		}
		if o.coord.SkipVoting {
			if !st.HasAnswer {
				out = append(out, id)
			}
			continue
		}
		if !st.HasVoted || st.RestartPending {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) liveAgents() int {
	n := 0
	for _, id := range o.order {
		if st, err := o.tracker.State(id); err == nil && st.Status != coordination.StatusFailed {
			n++
		}
	}
	return n
}

func (o *Orchestrator) allLiveAnswered() bool {
	live := 0
	for _, id := range o.order {
		st, err := o.tracker.State(id)
		if err != nil || st.Status == coordination.StatusFailed {
			continue
		}
		live++
		if !st.HasAnswer {
			return false
		}
	}
	return live > 0
}

// emit forwards a chunk tagged with its source agent.
func (o *Orchestrator) emit(agentID string, c types.Chunk) {
	c.AgentID = agentID
	o.out <- c
}

// emitOrchestration forwards an untagged orchestration chunk.
func (o *Orchestrator) emitOrchestration(c types.Chunk) {
	o.out <- c
}

func statusChunk(agentID, text string) types.Chunk {
	return types.Chunk{Type: types.ChunkAgentStatus, AgentID: agentID, Text: text, Timestamp: time.Now()}
}

func (o *Orchestrator) addUsage(u *types.Usage) {
	if u == nil {
		return
	}
	o.mu.Lock()
	o.usage.Add(u)
	o.mu.Unlock()
	o.tracer.RecordMetric(observability.MetricTokensInput, float64(u.InputTokens), nil)
	o.tracer.RecordMetric(observability.MetricTokensOutput, float64(u.OutputTokens), nil)
}
