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
package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/massgen/pkg/coordination"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

func newTestTracker(t *testing.T, ids ...string) *coordination.Tracker {
	t.Helper()
	tracker := coordination.NewTracker(nil, nil)
	require.NoError(t, tracker.RegisterAgents(ids))
	return tracker
}

func askPayload(question string, targets ...string) *tools.AskOthersPayload {
	return &tools.AskOthersPayload{
		Questions: []tools.Question{{Text: question}},
		Targets:   targets,
		Wait:      true,
	}
}

func TestChannel_CreateResolvesTargets(t *testing.T) {
	tracker := newTestTracker(t, "alpha", "bravo", "charlie")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	t.Run("no targets means all peers", func(t *testing.T) {
		req, err := ch.Create(context.Background(), "bravo", askPayload("thoughts?"))
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "charlie"}, req.Targets)
		assert.Equal(t, 2, req.ExpectedResponses)
		assert.Equal(t, "agent2", req.FromAlias)
		ch.Cleanup(req.ID)
	})

	t.Run("explicit aliases resolve to real ids", func(t *testing.T) {
		req, err := ch.Create(context.Background(), "bravo", askPayload("thoughts?", "agent1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, req.Targets)
		assert.Equal(t, 1, req.ExpectedResponses)
		ch.Cleanup(req.ID)
	})

	t.Run("targeting only yourself fails", func(t *testing.T) {
		_, err := ch.Create(context.Background(), "bravo", askPayload("thoughts?", "agent2"))
		require.ErrorIs(t, err, ErrNoTargets)
	})

	t.Run("unknown alias fails", func(t *testing.T) {
		_, err := ch.Create(context.Background(), "bravo", askPayload("thoughts?", "agent9"))
		require.ErrorIs(t, err, ErrUnknownTarget)
	})
}

func TestChannel_ModeOff(t *testing.T) {
	tracker := newTestTracker(t, "a", "b")
	ch, err := NewChannel(Config{Mode: ModeOff}, tracker, nil, nil, nil)
	require.NoError(t, err)

	_, err = ch.Create(context.Background(), "a", askPayload("anyone?"))
	assert.ErrorIs(t, err, ErrDisabled)
	assert.False(t, ch.Enabled())
}

func TestChannel_InFlightCap(t *testing.T) {
	tracker := newTestTracker(t, "a", "b")
	ch, err := NewChannel(Config{Mode: ModeAgents, MaxInFlightPerAgent: 2}, tracker, nil, nil, nil)
	require.NoError(t, err)

	first, err := ch.Create(context.Background(), "a", askPayload("q1"))
	require.NoError(t, err)
	_, err = ch.Create(context.Background(), "a", askPayload("q2"))
	require.NoError(t, err)

	_, err = ch.Create(context.Background(), "a", askPayload("q3"))
	require.ErrorIs(t, err, ErrTooManyInFlight)
	assert.Equal(t, 2, ch.InFlight("a"))

	// Finishing one frees a slot.
	ch.Cleanup(first.ID)
	_, err = ch.Create(context.Background(), "a", askPayload("q3"))
	require.NoError(t, err)
}

func TestChannel_RateLimit(t *testing.T) {
	tracker := newTestTracker(t, "a", "b")
	ch, err := NewChannel(Config{
		Mode:                ModeAgents,
		MaxInFlightPerAgent: 10,
		Burst:               2,
		RefillInterval:      time.Hour,
	}, tracker, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := ch.Create(context.Background(), "a", askPayload("q"))
		require.NoError(t, err)
	}
	_, err = ch.Create(context.Background(), "a", askPayload("q"))
	assert.ErrorIs(t, err, ErrRateLimited)

	// The limit is per sender.
	_, err = ch.Create(context.Background(), "b", askPayload("q"))
	assert.NoError(t, err)
}

func TestChannel_CollectAndWait(t *testing.T) {
	tracker := newTestTracker(t, "a", "b", "c")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "a", askPayload("which approach?"))
	require.NoError(t, err)
	require.Equal(t, 2, req.ExpectedResponses)

	require.NoError(t, ch.CollectResponse(Response{RequestID: req.ID, ResponderID: "b", ResponderAlias: "agent2", Content: "greedy"}))
	status, _ := ch.Status(req.ID)
	assert.Equal(t, StatusCollecting, status)

	require.NoError(t, ch.CollectResponse(Response{RequestID: req.ID, ResponderID: "c", ResponderAlias: "agent3", Content: "dp"}))
	status, _ = ch.Status(req.ID)
	assert.Equal(t, StatusComplete, status)

	responses, err := ch.Wait(context.Background(), req.ID, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "greedy", responses[0].Content)
	assert.Equal(t, "dp", responses[1].Content)

	// Late responses for a finished request are dropped without error.
	require.NoError(t, ch.CollectResponse(Response{RequestID: req.ID, ResponderID: "b", Content: "extra"}))
	assert.Len(t, ch.Responses(req.ID), 2)

	ch.Cleanup(req.ID)
	assert.Equal(t, 0, ch.InFlight("a"))
	require.Error(t, ch.CollectResponse(Response{RequestID: req.ID, Content: "ghost"}))
}

func TestChannel_WaitTimeout(t *testing.T) {
	tracker := newTestTracker(t, "a", "b", "c")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "a", askPayload("anyone?"))
	require.NoError(t, err)

	require.NoError(t, ch.CollectResponse(Response{RequestID: req.ID, ResponderID: "b", ResponderAlias: "agent2", Content: "partial"}))

	responses, err := ch.Wait(context.Background(), req.ID, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrBroadcastTimeout)
	require.Len(t, responses, 1)
	assert.Equal(t, "partial", responses[0].Content)

	status, _ := ch.Status(req.ID)
	assert.Equal(t, StatusTimeout, status)
}

func TestChannel_WaitHonorsContext(t *testing.T) {
	tracker := newTestTracker(t, "a", "b")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "a", askPayload("anyone?"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = ch.Wait(ctx, req.ID, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

type scriptedHuman struct {
	mu          sync.Mutex
	answers     []*HumanAnswer
	err         error
	seenHistory [][]types.HumanExchange
}

func (h *scriptedHuman) Ask(ctx context.Context, q *HumanQuestion) (*HumanAnswer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seenHistory = append(h.seenHistory, q.History)
	if h.err != nil {
		return nil, h.err
	}
	if len(h.answers) == 0 {
		return &HumanAnswer{Text: "no opinion"}, nil
	}
	answer := h.answers[0]
	h.answers = h.answers[1:]
	return answer, nil
}

func TestChannel_HumanMode(t *testing.T) {
	tracker := newTestTracker(t, "solo")
	human := &scriptedHuman{answers: []*HumanAnswer{
		{Text: "use the census data"},
		{Text: "", Selections: map[string]string{"dataset": "census"}},
	}}
	ch, err := NewChannel(Config{Mode: ModeHuman}, tracker, human, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "solo", askPayload("which dataset?"))
	require.NoError(t, err)
	assert.Equal(t, 1, req.ExpectedResponses)
	assert.Empty(t, req.Targets)

	require.NoError(t, ch.Dispatch(context.Background(), req, nil))
	responses, err := ch.Wait(context.Background(), req.ID, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].IsHuman)
	assert.Equal(t, "use the census data", responses[0].Content)
	ch.Cleanup(req.ID)

	// The second prompt sees the first exchange as history, and a
	// selections-only answer renders to text.
	req2, err := ch.Create(context.Background(), "solo", askPayload("confirm choice?"))
	require.NoError(t, err)
	require.NoError(t, ch.Dispatch(context.Background(), req2, nil))
	responses, err = ch.Wait(context.Background(), req2.ID, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Content, "dataset: census")

	require.Len(t, human.seenHistory, 2)
	assert.Empty(t, human.seenHistory[0])
	require.Len(t, human.seenHistory[1], 1)
	assert.Equal(t, "which dataset?", human.seenHistory[1][0].Question)

	history := ch.History()
	require.Len(t, history, 2)
}

func TestChannel_HumanModeRequiresInterface(t *testing.T) {
	tracker := newTestTracker(t, "a")
	_, err := NewChannel(Config{Mode: ModeHuman}, tracker, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoHumanInterface)
}

func TestChannel_HumanErrorRecordedAsResponse(t *testing.T) {
	tracker := newTestTracker(t, "a")
	human := &scriptedHuman{err: errors.New("operator walked away")}
	ch, err := NewChannel(Config{Mode: ModeHuman}, tracker, human, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "a", askPayload("anyone there?"))
	require.NoError(t, err)
	require.NoError(t, ch.Dispatch(context.Background(), req, nil))

	responses, err := ch.Wait(context.Background(), req.ID, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Content, "[Error: operator walked away]")
	assert.Empty(t, ch.History(), "failed prompts are not retained as guidance")
}

type fakeBackend struct {
	mu       sync.Mutex
	chunks   []types.Chunk
	err      error
	messages []types.Message
}

func (f *fakeBackend) Name() string  { return "fake" }
func (f *fakeBackend) Model() string { return "fake-model" }

func (f *fakeBackend) Stream(ctx context.Context, messages []types.Message, _ []tools.Definition) (<-chan types.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.messages = messages
	f.mu.Unlock()

	ch := make(chan types.Chunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- c
	}
	ch <- types.DoneChunk(nil)
	close(ch)
	return ch, nil
}

func TestShadowRunner_FanOut(t *testing.T) {
	tracker := newTestTracker(t, "alpha", "bravo", "charlie")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "alpha", askPayload("what sources?"))
	require.NoError(t, err)

	// bravo answers via the tool, charlie in prose.
	backends := map[string]*fakeBackend{
		"bravo": {chunks: []types.Chunk{
			types.ToolCallChunk(tools.Call{
				ID:   "t1",
				Name: tools.ToolRespondBroadcast,
				Arguments: map[string]interface{}{
					"request_id": req.ID,
					"answer":     "census tables",
				},
			}),
		}},
		"charlie": {chunks: []types.Chunk{
			types.ContentChunk("I relied on "),
			types.ContentChunk("state records."),
		}},
	}

	var notesMu sync.Mutex
	notes := map[string]string{}
	runner := NewShadowRunner(ShadowConfig{},
		ch,
		func(id string) types.Backend { return backends[id] },
		func(id string, tail int) []types.Message {
			return []types.Message{types.NewAssistantMessage("my work so far")}
		},
		func(agentID, note string) {
			notesMu.Lock()
			defer notesMu.Unlock()
			notes[agentID] = note
		},
		nil, nil)

	require.NoError(t, ch.Dispatch(context.Background(), req, runner))
	responses, err := ch.Wait(context.Background(), req.ID, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	byAlias := map[string]string{}
	for _, r := range responses {
		byAlias[r.ResponderAlias] = r.Content
	}
	assert.Equal(t, "census tables", byAlias["agent2"])
	assert.Equal(t, "I relied on state records.", byAlias["agent3"])

	// Shadows inherit the target's transcript plus system and question.
	backends["bravo"].mu.Lock()
	msgs := backends["bravo"].messages
	backends["bravo"].mu.Unlock()
	require.Len(t, msgs, 3)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, "my work so far", msgs[1].Content)
	assert.Contains(t, msgs[2].Content, "what sources?")
	assert.Contains(t, msgs[2].Content, req.ID)

	notesMu.Lock()
	defer notesMu.Unlock()
	assert.Contains(t, notes["bravo"], "census tables")
	assert.Contains(t, notes["charlie"], "state records")
}

func TestShadowRunner_FailureRecordedAsResponse(t *testing.T) {
	tracker := newTestTracker(t, "alpha", "bravo", "charlie")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "alpha", askPayload("anyone?"))
	require.NoError(t, err)

	backends := map[string]*fakeBackend{
		"bravo":   {err: errors.New("model unavailable")},
		"charlie": {chunks: []types.Chunk{types.ContentChunk("still here")}},
	}
	runner := NewShadowRunner(ShadowConfig{},
		ch,
		func(id string) types.Backend { return backends[id] },
		nil, nil, nil, nil)

	require.NoError(t, ch.Dispatch(context.Background(), req, runner))
	responses, err := ch.Wait(context.Background(), req.ID, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 2, "one failed shadow must not block the other")

	byAlias := map[string]string{}
	for _, r := range responses {
		byAlias[r.ResponderAlias] = r.Content
	}
	assert.Contains(t, byAlias["agent2"], "[Error:")
	assert.Contains(t, byAlias["agent2"], "model unavailable")
	assert.Equal(t, "still here", byAlias["agent3"])
}

func TestRenderResponses(t *testing.T) {
	responses := []Response{
		{ResponderAlias: "agent2", Content: "greedy works"},
		{ResponderAlias: "agent3", Content: "prefer dp"},
	}
	full := RenderResponses(responses, 2)
	assert.Contains(t, full, "agent2: greedy works")
	assert.Contains(t, full, "agent3: prefer dp")
	assert.NotContains(t, full, "deadline")

	partial := RenderResponses(responses[:1], 2)
	assert.Contains(t, partial, "1 of 2 responses")

	empty := RenderResponses(nil, 2)
	assert.Contains(t, empty, "No responses")

	human := RenderResponses([]Response{{ResponderAlias: "", IsHuman: true, Content: "ship it"}}, 1)
	assert.Contains(t, human, "human: ship it")
}

func TestRequest_Question(t *testing.T) {
	req := &Request{Questions: []tools.Question{{Text: "first?"}}}
	assert.Equal(t, "first?", req.Question())

	req = &Request{Questions: []tools.Question{{Text: "first?"}, {Text: "second?"}}}
	multi := req.Question()
	assert.Contains(t, multi, "1. first?")
	assert.Contains(t, multi, "2. second?")
}

func TestChannel_CancelAll(t *testing.T) {
	tracker := newTestTracker(t, "a", "b")
	ch, err := NewChannel(Config{Mode: ModeAgents}, tracker, nil, nil, nil)
	require.NoError(t, err)

	req, err := ch.Create(context.Background(), "a", askPayload("q"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ch.Wait(context.Background(), req.ID, time.Minute)
	}()

	ch.CancelAll()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by CancelAll")
	}
	status, _ := ch.Status(req.ID)
	assert.Equal(t, StatusTimeout, status)
}
