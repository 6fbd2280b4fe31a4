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
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/observability"
	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

// HumanQuestion is what a human-mode broadcast presents to the operator.
// History carries prior Q&A from this session so the UI can show it instead
// of re-asking.
type HumanQuestion struct {
	FromAlias  string
	Prompt     string
	Structured []tools.Question
	History    []types.HumanExchange
}

// HumanAnswer is the operator's reply. Selections map option question IDs (or
// indexes as strings) to the chosen option IDs.
type HumanAnswer struct {
	Text       string
	Selections map[string]string
}

// Render flattens the answer to the text recorded as the response content.
func (a *HumanAnswer) Render() string {
	if a == nil {
		return ""
	}
	if len(a.Selections) == 0 {
		return a.Text
	}
	var parts []string
	if a.Text != "" {
		parts = append(parts, a.Text)
	}
	for q, opt := range a.Selections {
		parts = append(parts, fmt.Sprintf("%s: %s", q, opt))
	}
	return strings.Join(parts, "\n")
}

// HumanInterface collects answers from the human operator. Implementations
// must honor ctx cancellation; the channel guarantees calls are serialized.
type HumanInterface interface {
	Ask(ctx context.Context, q *HumanQuestion) (*HumanAnswer, error)
}

// askHuman runs a human-mode broadcast under the serialization lock and
// completes the request with the single operator response before returning.
func (c *Channel) askHuman(ctx context.Context, req *Request) error {
	var span *observability.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartSpan(ctx, observability.SpanHumanPrompt)
		defer c.tracer.EndSpan(span)
		span.SetAttribute(observability.AttrBroadcastID, req.ID)
	}

	c.humanMu.Lock()
	defer c.humanMu.Unlock()

	question := &HumanQuestion{
		FromAlias:  req.FromAlias,
		Prompt:     req.Question(),
		Structured: structuredOnly(req.Questions),
		History:    c.History(),
	}

	answer, err := c.human.Ask(ctx, question)
	content := answer.Render()
	if err != nil {
		content = fmt.Sprintf("[Error: %s]", err.Error())
		c.logger.Warn("human prompt failed",
			zap.String("request_id", req.ID),
			zap.Error(err))
	} else {
		c.mu.Lock()
		c.humanHistory = append(c.humanHistory, types.HumanExchange{
			Question: question.Prompt,
			Answer:   content,
		})
		c.mu.Unlock()
	}

	return c.CollectResponse(Response{
		RequestID:   req.ID,
		ResponderID: "human",
		Content:     content,
		IsHuman:     true,
		Timestamp:   time.Now(),
	})
}

func structuredOnly(questions []tools.Question) []tools.Question {
	var out []tools.Question
	for _, q := range questions {
		if len(q.Options) > 0 {
			out = append(out, q)
		}
	}
	return out
}

// History returns a copy of the session's human Q&A pairs in order.
func (c *Channel) History() []types.HumanExchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.HumanExchange, len(c.humanHistory))
	copy(out, c.humanHistory)
	return out
}
