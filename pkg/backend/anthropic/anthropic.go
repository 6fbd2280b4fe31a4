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
// Package anthropic is the reference streaming backend on the official
// anthropic-sdk-go client. It translates the coordination message model to
// the Messages API and SDK stream events back to chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/tools"
	"github.com/teradata-labs/massgen/pkg/types"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Config parameterizes the backend.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Backend implements types.Backend on the Anthropic Messages API.
type Backend struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *zap.Logger
}

// New creates the backend. The API key is required.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic backend requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Name implements types.Backend.
func (b *Backend) Name() string { return "anthropic" }

// Model implements types.Backend.
func (b *Backend) Model() string { return b.model }

// Stream implements types.Backend.
func (b *Backend) Stream(ctx context.Context, messages []types.Message, tls []tools.Definition) (<-chan types.Chunk, error) {
	systemPrompt, sdkMessages := convertMessages(messages)
	if len(sdkMessages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		Messages:  sdkMessages,
		MaxTokens: b.maxTokens,
	}
	if b.temperature > 0 {
		params.Temperature = anthropic.Float(b.temperature)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tls) > 0 {
		params.Tools = convertTools(tls)
	}

	out := make(chan types.Chunk, 16)
	go func() {
		defer close(out)
		b.consume(ctx, params, out)
	}()
	return out, nil
}

// consume runs the SDK event loop and forwards chunks.
func (b *Backend) consume(ctx context.Context, params anthropic.MessageNewParams, out chan<- types.Chunk) {
	stream := b.client.Messages.NewStreaming(ctx, params)

	usage := &types.Usage{}

	// Tool inputs stream as JSON fragments per content block index.
	type pendingTool struct {
		id    string
		name  string
		input strings.Builder
	}
	pending := make(map[int64]*pendingTool)

	emit := func(c types.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			usage.InputTokens = event.Message.Usage.InputTokens

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingTool{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" && !emit(types.ContentChunk(event.Delta.Text)) {
					return
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" && !emit(types.ReasoningChunk(event.Delta.Thinking)) {
					return
				}
			case "input_json_delta":
				if p, ok := pending[event.Index]; ok {
					p.input.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			p, ok := pending[event.Index]
			if !ok {
				continue
			}
			delete(pending, event.Index)

			args := map[string]interface{}{}
			if raw := p.input.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					b.logger.Warn("tool input did not parse as JSON",
						zap.String("tool", p.name),
						zap.Error(err))
				}
			}
			if !emit(types.ToolCallChunk(tools.Call{ID: p.id, Name: p.name, Arguments: args})) {
				return
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		emit(types.ErrorChunk(fmt.Errorf("anthropic stream: %w", err)))
		return
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	emit(types.DoneChunk(usage))
}

// convertMessages maps the coordination message model onto SDK params.
// System messages combine into the system prompt; tool results ride as user
// messages per the Messages API convention.
func convertMessages(messages []types.Message) (string, []anthropic.MessageParam) {
	var systemPrompts []string
	var sdkMessages []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}

		case types.RoleUser:
			if msg.Content != "" {
				sdkMessages = append(sdkMessages, anthropic.NewUserMessage(
					anthropic.NewTextBlock(msg.Content),
				))
			}

		case types.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input interface{} = tc.Arguments
				if tc.Arguments == nil {
					input = map[string]interface{}{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				sdkMessages = append(sdkMessages, anthropic.NewAssistantMessage(content...))
			}

		case types.RoleTool:
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}

	return strings.Join(systemPrompts, "\n\n"), sdkMessages
}

func convertTools(tls []tools.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tls))
	for _, def := range tls {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
		}
		if def.InputSchema != nil {
			schemaJSON, _ := json.Marshal(def.InputSchema)
			var inputSchema anthropic.ToolInputSchemaParam
			_ = json.Unmarshal(schemaJSON, &inputSchema)
			tool.InputSchema = inputSchema
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

var _ types.Backend = (*Backend)(nil)
