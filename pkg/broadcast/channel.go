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

// Package broadcast implements mid-task request/response fan-out between
// agents, or between agents and a human operator. An agent asks a question
// with ask_others; depending on the channel mode the question is answered by
// ephemeral shadow runs of the other agents, by the human, or not at all.
//
// All request state lives behind one channel mutex. Waiters block on a
// per-request completion channel, so collecting responses never contends with
// waiting.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// Mode selects who answers broadcast questions.
type Mode string

const (
	// ModeAgents fans questions out to shadow runs of the other agents.
	ModeAgents Mode = "agents"
	// ModeHuman prompts the human operator, one question at a time.
	ModeHuman Mode = "human"
	// ModeOff rejects ask_others calls.
	ModeOff Mode = "off"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAgents, ModeHuman, ModeOff:
		return true
	}
	return false
}

// Status is the lifecycle state of a broadcast request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCollecting Status = "collecting"
	StatusComplete   Status = "complete"
	StatusTimeout    Status = "timeout"
)

// Channel errors. Most surface to the asking agent as a failed tool result,
// not as a session failure.
var (
	ErrDisabled         = errors.New("broadcast is disabled")
	ErrNoTargets        = errors.New("no broadcast targets besides the sender")
	ErrUnknownTarget    = errors.New("unknown broadcast target")
	ErrRateLimited      = errors.New("broadcast rate limit exceeded")
	ErrTooManyInFlight  = errors.New("too many broadcasts in flight")
	ErrUnknownRequest   = errors.New("unknown broadcast request")
	ErrBroadcastTimeout = errors.New("broadcast timed out")
	ErrNoHumanInterface = errors.New("human mode requires a human interface")
)

// Response is one answer to a broadcast request. Shadow failures are recorded
// as responses with "[Error: …]" content so the asker always sees one entry
// per target.
type Response struct {
	RequestID      string    `json:"request_id"`
	ResponderID    string    `json:"responder_id"`
	ResponderAlias string    `json:"responder_alias"`
	Content        string    `json:"content"`
	IsHuman        bool      `json:"is_human"`
	Timestamp      time.Time `json:"timestamp"`
}

// Request is one live broadcast. Responses and status are guarded by the
// channel mutex; done is closed exactly once when the expected number of
// responses has arrived.
type Request struct {
	ID                string
	FromAgent         string // real agent ID
	FromAlias         string
	Questions         []tools.Question
	Targets           []string // real agent IDs, sender excluded
	Wait              bool
	ExpectedResponses int
	CreatedAt         time.Time

	status    Status
	responses []Response
	done      chan struct{}
}

// Question renders all questions of the request as one prompt block.
func (r *Request) Question() string {
	if len(r.Questions) == 1 {
		return r.Questions[0].Render()
	}
	var parts []string
	for i, q := range r.Questions {
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, q.Render()))
	}
	return joinParagraphs(parts)
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

// Config carries the channel limits. Zero values fall back to defaults.
type Config struct {
	Mode Mode

	// MaxInFlightPerAgent caps concurrent unfinished broadcasts per sender.
	MaxInFlightPerAgent int

	// Burst is the rate limiter bucket size per sender; RefillInterval is how
	// often one token returns.
	Burst          int
	RefillInterval time.Duration

	// DefaultTimeout bounds Wait when the caller passes none.
	DefaultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAgents
	}
	if c.MaxInFlightPerAgent <= 0 {
		c.MaxInFlightPerAgent = 3
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = 12 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 120 * time.Second
	}
}

// Channel manages broadcast requests for one session.
type Channel struct {
	mu sync.Mutex

	cfg      Config
	tracker  *coordination.Tracker
	requests map[string]*Request
	inFlight map[string]int
	limiters map[string]*rate.Limiter

	human HumanInterface
	// humanMu serializes human prompts so two agents never stack modals.
	humanMu      sync.Mutex
	humanHistory []types.HumanExchange

	tracer observability.Tracer
	logger *zap.Logger
}

// NewChannel creates a broadcast channel. The human interface may be nil
// unless cfg.Mode is ModeHuman.
func NewChannel(cfg Config, tracker *coordination.Tracker, human HumanInterface, tracer observability.Tracer, logger *zap.Logger) (*Channel, error) {
	cfg.applyDefaults()
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid broadcast mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeHuman && human == nil {
		return nil, ErrNoHumanInterface
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		tracker:  tracker,
		requests: make(map[string]*Request),
		inFlight: make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		human:    human,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

// Mode returns the configured mode.
func (c *Channel) Mode() Mode { return c.cfg.Mode }

// Enabled reports whether ask_others is available at all.
func (c *Channel) Enabled() bool { return c.cfg.Mode != ModeOff }

// Create registers a new broadcast for fromAgent. Targets in the payload are
// anonymous aliases; they are resolved against the tracker and the sender is
// always excluded. In human mode exactly one response is expected regardless
// of targets.
func (c *Channel) Create(ctx context.Context, fromAgent string, payload *tools.AskOthersPayload) (*Request, error) {
	var span *observability.Span
	if c.tracer != nil {
		_, span = c.tracer.StartSpan(ctx, observability.SpanBroadcastCreate)
		defer c.tracer.EndSpan(span)
		span.SetAttribute(observability.AttrAgentID, fromAgent)
		span.SetAttribute(observability.AttrBroadcastMode, string(c.cfg.Mode))
	}

	if c.cfg.Mode == ModeOff {
		return nil, ErrDisabled
	}
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("broadcast requires at least one question")
	}

	fromAlias, err := c.tracker.AliasFor(fromAgent)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	// Human mode always expects exactly one response and ignores targets, so
	// a single-agent session can still ask the operator.
	var targets []string
	expected := 1
	if c.cfg.Mode == ModeAgents {
		targets, err = c.resolveTargets(fromAgent, payload.Targets)
		if err != nil {
			return nil, err
		}
		expected = len(targets)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[fromAgent]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.cfg.RefillInterval), c.cfg.Burst)
		c.limiters[fromAgent] = limiter
	}
	if !limiter.Allow() {
		return nil, ErrRateLimited
	}
	if c.inFlight[fromAgent] >= c.cfg.MaxInFlightPerAgent {
		return nil, fmt.Errorf("%w: %d already pending", ErrTooManyInFlight, c.inFlight[fromAgent])
	}

	req := &Request{
		ID:                uuid.New().String(),
		FromAgent:         fromAgent,
		FromAlias:         fromAlias,
		Questions:         payload.Questions,
		Targets:           targets,
		Wait:              payload.Wait,
		ExpectedResponses: expected,
		CreatedAt:         time.Now(),
		status:            StatusPending,
		done:              make(chan struct{}),
	}
	c.requests[req.ID] = req
	c.inFlight[fromAgent]++

	if span != nil {
		span.SetAttribute(observability.AttrBroadcastID, req.ID)
		span.SetAttribute("broadcast.targets", len(targets))
	}
	if c.tracer != nil {
		c.tracer.RecordMetric(observability.MetricBroadcasts, 1, map[string]string{
			"mode": string(c.cfg.Mode),
		})
	}
	c.logger.Debug("broadcast created",
		zap.String("request_id", req.ID),
		zap.String("from", fromAgent),
		zap.Int("targets", len(targets)),
		zap.Bool("wait", req.Wait))

	return req, nil
}

// resolveTargets maps anonymous aliases to real agent IDs, excluding the
// sender. Empty targets means all registered peers.
func (c *Channel) resolveTargets(fromAgent string, aliases []string) ([]string, error) {
	if len(aliases) == 0 {
		var targets []string
		for _, id := range c.tracker.Agents() {
			if id != fromAgent {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			return nil, ErrNoTargets
		}
		return targets, nil
	}

	var targets []string
	for _, alias := range aliases {
		real, err := c.tracker.RealFor(alias)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, alias)
		}
		if real == fromAgent {
			continue
		}
		targets = append(targets, real)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets, nil
}

// Dispatch starts answering the request according to the channel mode. In
// agents mode responses arrive asynchronously through CollectResponse; in
// human mode the prompt runs on the calling goroutine under the serialization
// lock and completes the request before returning.
func (c *Channel) Dispatch(ctx context.Context, req *Request, shadows *ShadowRunner) error {
	var span *observability.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartSpan(ctx, observability.SpanBroadcastDispatch)
		defer c.tracer.EndSpan(span)
		span.SetAttribute(observability.AttrBroadcastID, req.ID)
		span.SetAttribute(observability.AttrBroadcastMode, string(c.cfg.Mode))
	}

	c.mu.Lock()
	if req.status == StatusPending {
		req.status = StatusCollecting
	}
	c.mu.Unlock()

	switch c.cfg.Mode {
	case ModeAgents:
		if shadows == nil {
			return fmt.Errorf("agents mode requires a shadow runner")
		}
		shadows.Run(ctx, req)
		return nil
	case ModeHuman:
		return c.askHuman(ctx, req)
	default:
		return ErrDisabled
	}
}

// CollectResponse appends one response. When the expected count is reached the
// request completes and waiters are released. Responses for finished or
// unknown requests are dropped.
func (c *Channel) CollectResponse(resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[resp.RequestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}
	if req.status == StatusComplete || req.status == StatusTimeout {
		c.logger.Debug("late broadcast response dropped",
			zap.String("request_id", resp.RequestID),
			zap.String("responder", resp.ResponderID))
		return nil
	}

	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	req.responses = append(req.responses, resp)
	req.status = StatusCollecting
	if len(req.responses) >= req.ExpectedResponses {
		req.status = StatusComplete
		close(req.done)
	}
	return nil
}

// Wait blocks until the request completes, the timeout elapses, or ctx is
// cancelled. On timeout or cancellation the responses gathered so far are
// returned together with the error, and the request is marked timed out.
func (c *Channel) Wait(ctx context.Context, requestID string, timeout time.Duration) ([]Response, error) {
	var span *observability.Span
	if c.tracer != nil {
		_, span = c.tracer.StartSpan(ctx, observability.SpanBroadcastWait)
		defer c.tracer.EndSpan(span)
		span.SetAttribute(observability.AttrBroadcastID, requestID)
	}

	c.mu.Lock()
	req, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	select {
	case <-req.done:
		responses := c.Responses(requestID)
		if status, _ := c.Status(requestID); status == StatusTimeout {
			// Released by CancelAll during shutdown.
			return responses, fmt.Errorf("broadcast %s cancelled: %w", requestID, ErrBroadcastTimeout)
		}
		return responses, nil
	case <-time.After(timeout):
		partial := c.markTimeout(requestID)
		if span != nil {
			span.SetAttribute("timeout", true)
		}
		c.logger.Warn("broadcast timed out",
			zap.String("request_id", requestID),
			zap.Int("received", len(partial)),
			zap.Int("expected", req.ExpectedResponses))
		return partial, fmt.Errorf("broadcast %s after %s: %w", requestID, timeout, ErrBroadcastTimeout)
	case <-ctx.Done():
		partial := c.markTimeout(requestID)
		return partial, ctx.Err()
	}
}

func (c *Channel) markTimeout(requestID string) []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return nil
	}
	if req.status != StatusComplete {
		req.status = StatusTimeout
	}
	out := make([]Response, len(req.responses))
	copy(out, req.responses)
	return out
}

// Responses returns a copy of the responses collected so far.
func (c *Channel) Responses(requestID string) []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return nil
	}
	out := make([]Response, len(req.responses))
	copy(out, req.responses)
	return out
}

// Status returns the request status.
func (c *Channel) Status(requestID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return "", false
	}
	return req.status, true
}

// InFlight returns the number of unfinished broadcasts for an agent.
func (c *Channel) InFlight(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[agentID]
}

// Cleanup removes all state for a finished request and frees the sender's
// in-flight slot. Idempotent.
func (c *Channel) Cleanup(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return
	}
	delete(c.requests, requestID)
	if n := c.inFlight[req.FromAgent]; n > 0 {
		c.inFlight[req.FromAgent] = n - 1
	}
}

// CancelAll marks every unfinished request as timed out. Called on session
// shutdown so no waiter is left hanging.
func (c *Channel) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range c.requests {
		if req.status == StatusPending || req.status == StatusCollecting {
			req.status = StatusTimeout
			close(req.done)
		}
	}
}

// RenderResponses formats responses as the textual tool result returned to
// the asking agent.
func RenderResponses(responses []Response, expected int) string {
	if len(responses) == 0 {
		return "No responses were received before the deadline."
	}
	var parts []string
	for _, r := range responses {
		name := r.ResponderAlias
		if r.IsHuman {
			name = "human"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, r.Content))
	}
	body := joinParagraphs(parts)
	if len(responses) < expected {
		body += fmt.Sprintf("\n\n(%d of %d responses arrived before the deadline.)", len(responses), expected)
	}
	return body
}
