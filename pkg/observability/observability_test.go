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

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpan_SetAttribute(t *testing.T) {
	span := &Span{}
	span.SetAttribute(AttrAgentID, "researcher")
	span.SetAttribute(AttrRound, 3)

	assert.Equal(t, "researcher", span.Attributes[AttrAgentID])
	assert.Equal(t, 3, span.Attributes[AttrRound])
}

func TestSpan_RecordError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus StatusCode
	}{
		{name: "nil error leaves status unset", err: nil, wantStatus: StatusUnset},
		{name: "error sets status", err: errors.New("stream failed"), wantStatus: StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span := &Span{}
			span.RecordError(tt.err)
			assert.Equal(t, tt.wantStatus, span.Status.Code)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), span.Attributes[AttrErrorMessage])
			}
		})
	}
}

func TestNoOpTracer_ParentLinking(t *testing.T) {
	tracer := NewNoOpTracer()

	ctx, parent := tracer.StartSpan(context.Background(), SpanSession)
	_, child := tracer.StartSpan(ctx, SpanRound)

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)

	tracer.EndSpan(child)
	assert.False(t, child.EndTime.IsZero())
	assert.GreaterOrEqual(t, child.Duration, time.Duration(0))
}

func TestNoOpTracer_EndSpanNil(t *testing.T) {
	tracer := NewNoOpTracer()
	assert.NotPanics(t, func() { tracer.EndSpan(nil) })
}

func TestSpanFromContext(t *testing.T) {
	assert.Nil(t, SpanFromContext(context.Background()))

	span := &Span{SpanID: "abc"}
	ctx := ContextWithSpan(context.Background(), span)
	assert.Same(t, span, SpanFromContext(ctx))
}

func TestMockTracer_CapturesSpansAndMetrics(t *testing.T) {
	tracer := NewMockTracer()

	ctx, span := tracer.StartSpan(context.Background(), SpanAgentTurn,
		WithAttribute(AttrAgentID, "skeptic"),
		WithSpanKind("turn"))
	_ = ctx
	tracer.EndSpan(span)

	tracer.RecordMetric(MetricVotes, 1, map[string]string{"agent": "skeptic"})
	tracer.RecordMetric(MetricVotes, 1, nil)

	turns := tracer.SpansByName(SpanAgentTurn)
	require.Len(t, turns, 1)
	assert.Equal(t, "skeptic", turns[0].Attributes[AttrAgentID])
	assert.Equal(t, "turn", turns[0].Attributes["span.kind"])

	assert.Equal(t, []float64{1, 1}, tracer.MetricValues(MetricVotes))

	tracer.Reset()
	assert.Empty(t, tracer.Spans())
	assert.Empty(t, tracer.MetricValues(MetricVotes))
}

func TestStatusCode_String(t *testing.T) {
	assert.Equal(t, "unset", StatusUnset.String())
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", StatusCode(99).String())
}
