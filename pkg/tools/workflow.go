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
package tools

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Workflow tool names. These tools are intercepted by the orchestrator and
// never reach an Executor.
const (
	ToolNewAnswer        = "new_answer"
	ToolVote             = "vote"
	ToolAskOthers        = "ask_others"
	ToolRespondBroadcast = "respond_to_broadcast"
)

// IsWorkflowTool reports whether name is one of the coordination tools the
// orchestrator handles itself.
func IsWorkflowTool(name string) bool {
	switch name {
	case ToolNewAnswer, ToolVote, ToolAskOthers, ToolRespondBroadcast:
		return true
	default:
		return false
	}
}

// ProtocolError marks a structurally invalid workflow tool payload. The
// orchestrator converts it into an enforcement retry instead of failing the
// session.
type ProtocolError struct {
	Tool   string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed %s payload: %s", e.Tool, e.Detail)
}

// NewAnswerPayload is the decoded new_answer invocation.
type NewAnswerPayload struct {
	Content string
}

// VotePayload is the decoded vote invocation. AgentID is the anonymous
// candidate ID as shown to the voter; resolution to a real agent happens in
// the coordination tracker.
type VotePayload struct {
	AgentID string
	Reason  string
}

// QuestionOption is a selectable choice on a structured question.
type QuestionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one broadcast question. Plain text questions carry only Text;
// structured questions add options the responder picks from.
type Question struct {
	Text        string           `json:"text"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
	AllowOther  bool             `json:"allowOther,omitempty"`
	Required    bool             `json:"required,omitempty"`
}

// Render flattens the question to prompt text, listing options when present.
func (q Question) Render() string {
	if len(q.Options) == 0 {
		return q.Text
	}
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString("\nOptions:")
	for _, opt := range q.Options {
		b.WriteString("\n- ")
		b.WriteString(opt.ID)
		b.WriteString(": ")
		b.WriteString(opt.Label)
		if opt.Description != "" {
			b.WriteString(" (")
			b.WriteString(opt.Description)
			b.WriteString(")")
		}
	}
	if q.AllowOther {
		b.WriteString("\nYou may also answer in your own words.")
	}
	return b.String()
}

// AskOthersPayload is the decoded ask_others invocation.
type AskOthersPayload struct {
	Questions []Question
	Targets   []string // anonymous IDs; empty means all peers
	Wait      bool
}

// RespondBroadcastPayload is the decoded respond_to_broadcast invocation used
// by shadow agents to answer a broadcast question.
type RespondBroadcastPayload struct {
	RequestID string
	Answer    string
}

// NewAnswerDefinition returns the new_answer tool definition.
func NewAnswerDefinition() Definition {
	one := 1
	return Definition{
		Name:        ToolNewAnswer,
		Description: "Submit your answer to the task, replacing any previous answer you gave. Use this when you can improve on the current candidate answers or none exist yet.",
		InputSchema: NewObjectSchema("", map[string]*JSONSchema{
			"content": NewStringSchema("The complete answer text.").WithLength(&one, nil),
		}, []string{"content"}),
	}
}

// VoteDefinition returns the vote tool definition. The candidate enum is
// baked into the schema so the model only sees currently valid anonymous IDs.
func VoteDefinition(candidates []string) Definition {
	agentID := NewStringSchema("Anonymous ID of the agent whose answer is best.")
	if len(candidates) > 0 {
		values := make([]interface{}, len(candidates))
		for i, c := range candidates {
			values[i] = c
		}
		agentID.WithEnum(values...)
	}
	return Definition{
		Name:        ToolVote,
		Description: "Vote for the candidate answer that best solves the task. Voting ends your turn.",
		InputSchema: NewObjectSchema("", map[string]*JSONSchema{
			"agent_id": agentID,
			"reason":   NewStringSchema("Why this answer is the best candidate."),
		}, []string{"agent_id", "reason"}),
	}
}

// AskOthersDefinition returns the ask_others broadcast tool definition.
func AskOthersDefinition() Definition {
	return Definition{
		Name:        ToolAskOthers,
		Description: "Ask the other agents (or the human operator) a question mid-task. Responses arrive as the tool result when wait is true, or later as an update when wait is false.",
		InputSchema: NewObjectSchema("", map[string]*JSONSchema{
			"question": NewStringSchema("A single question to broadcast."),
			"questions": NewArraySchema("Multiple questions to broadcast together.",
				&JSONSchema{Description: "Plain text, or an object with text and options."}),
			"targets": NewArraySchema("Anonymous agent IDs to ask. Omit to ask all peers.", NewStringSchema("")),
			"wait":    NewBooleanSchema("Whether to wait for responses before continuing.").WithDefault(true),
		}, nil),
	}
}

// RespondBroadcastDefinition returns the tool shadow agents use to answer a
// broadcast question.
func RespondBroadcastDefinition() Definition {
	return Definition{
		Name:        ToolRespondBroadcast,
		Description: "Submit your response to the question you were asked.",
		InputSchema: NewObjectSchema("", map[string]*JSONSchema{
			"request_id": NewStringSchema("ID of the broadcast request being answered."),
			"answer":     NewStringSchema("Your response to the question."),
		}, []string{"request_id", "answer"}),
	}
}

// Compiled validation schemas. The surfaced definitions may carry
// per-session enums (vote candidates); validation here is structural only and
// richer checks (candidate existence) belong to the coordination tracker.
var (
	newAnswerSchema = mustCompileSchema(NewAnswerDefinition().InputSchema)
	voteSchema      = mustCompileSchema(VoteDefinition(nil).InputSchema)
	askOthersSchema = mustCompileSchema(AskOthersDefinition().InputSchema)
	respondSchema   = mustCompileSchema(RespondBroadcastDefinition().InputSchema)
)

func mustCompileSchema(s *JSONSchema) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s))
	if err != nil {
		panic(fmt.Sprintf("tools: invalid workflow schema: %v", err))
	}
	return schema
}

func validatePayload(tool string, schema *gojsonschema.Schema, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			details[i] = verr.String()
		}
		return &ProtocolError{Tool: tool, Detail: strings.Join(details, "; ")}
	}
	return nil
}

// ParseNewAnswer decodes and validates a new_answer payload.
func ParseNewAnswer(args map[string]interface{}) (*NewAnswerPayload, error) {
	if err := validatePayload(ToolNewAnswer, newAnswerSchema, args); err != nil {
		return nil, err
	}
	content, _ := args["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ProtocolError{Tool: ToolNewAnswer, Detail: "content must be a non-empty string"}
	}
	return &NewAnswerPayload{Content: content}, nil
}

// ParseVote decodes and validates a vote payload. The agent_id is NOT
// resolved here; unknown candidates are the tracker's concern.
func ParseVote(args map[string]interface{}) (*VotePayload, error) {
	if err := validatePayload(ToolVote, voteSchema, args); err != nil {
		return nil, err
	}
	agentID, _ := args["agent_id"].(string)
	reason, _ := args["reason"].(string)
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, &ProtocolError{Tool: ToolVote, Detail: "agent_id must be a non-empty string"}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, &ProtocolError{Tool: ToolVote, Detail: "reason must be a non-empty string"}
	}
	return &VotePayload{AgentID: agentID, Reason: reason}, nil
}

// ParseAskOthers decodes and validates an ask_others payload.
// The plural questions field takes precedence over question when both are
// present; a present-but-empty questions list is a protocol error.
func ParseAskOthers(args map[string]interface{}) (*AskOthersPayload, error) {
	if err := validatePayload(ToolAskOthers, askOthersSchema, args); err != nil {
		return nil, err
	}

	payload := &AskOthersPayload{Wait: true}

	if raw, ok := args["questions"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "questions must be an array"}
		}
		if len(list) == 0 {
			return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "questions must not be empty"}
		}
		for _, item := range list {
			q, err := parseQuestion(item)
			if err != nil {
				return nil, err
			}
			payload.Questions = append(payload.Questions, q)
		}
	} else if raw, ok := args["question"]; ok {
		q, ok := raw.(string)
		if !ok || strings.TrimSpace(q) == "" {
			return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "question must be a non-empty string"}
		}
		payload.Questions = []Question{{Text: q}}
	} else {
		return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "either question or questions is required"}
	}

	if raw, ok := args["targets"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "targets must be an array of strings"}
		}
		for _, item := range list {
			target, ok := item.(string)
			if !ok || strings.TrimSpace(target) == "" {
				return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "targets entries must be non-empty strings"}
			}
			payload.Targets = append(payload.Targets, target)
		}
	}

	if raw, ok := args["wait"]; ok {
		wait, ok := raw.(bool)
		if !ok {
			return nil, &ProtocolError{Tool: ToolAskOthers, Detail: "wait must be a boolean"}
		}
		payload.Wait = wait
	}

	return payload, nil
}

// parseQuestion decodes one questions entry, which may be plain text or a
// structured question object.
func parseQuestion(item interface{}) (Question, error) {
	switch v := item.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return Question{}, &ProtocolError{Tool: ToolAskOthers, Detail: "questions entries must not be empty"}
		}
		return Question{Text: v}, nil
	case map[string]interface{}:
		text, _ := v["text"].(string)
		if strings.TrimSpace(text) == "" {
			return Question{}, &ProtocolError{Tool: ToolAskOthers, Detail: "structured questions require a non-empty text field"}
		}
		q := Question{Text: text}
		q.MultiSelect, _ = v["multiSelect"].(bool)
		q.AllowOther, _ = v["allowOther"].(bool)
		q.Required, _ = v["required"].(bool)
		if rawOpts, ok := v["options"].([]interface{}); ok {
			for _, rawOpt := range rawOpts {
				opt, ok := rawOpt.(map[string]interface{})
				if !ok {
					return Question{}, &ProtocolError{Tool: ToolAskOthers, Detail: "question options must be objects with id and label"}
				}
				id, _ := opt["id"].(string)
				label, _ := opt["label"].(string)
				if id == "" || label == "" {
					return Question{}, &ProtocolError{Tool: ToolAskOthers, Detail: "question options require id and label"}
				}
				desc, _ := opt["description"].(string)
				q.Options = append(q.Options, QuestionOption{ID: id, Label: label, Description: desc})
			}
		}
		return q, nil
	default:
		return Question{}, &ProtocolError{Tool: ToolAskOthers, Detail: "questions entries must be strings or question objects"}
	}
}

// ParseRespondBroadcast decodes and validates a respond_to_broadcast payload.
func ParseRespondBroadcast(args map[string]interface{}) (*RespondBroadcastPayload, error) {
	if err := validatePayload(ToolRespondBroadcast, respondSchema, args); err != nil {
		return nil, err
	}
	requestID, _ := args["request_id"].(string)
	answer, _ := args["answer"].(string)
	if strings.TrimSpace(requestID) == "" {
		return nil, &ProtocolError{Tool: ToolRespondBroadcast, Detail: "request_id must be a non-empty string"}
	}
	if strings.TrimSpace(answer) == "" {
		return nil, &ProtocolError{Tool: ToolRespondBroadcast, Detail: "answer must be a non-empty string"}
	}
	return &RespondBroadcastPayload{RequestID: requestID, Answer: answer}, nil
}
