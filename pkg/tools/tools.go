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
// Package tools defines the tool vocabulary shared by backends and the
// orchestrator: tool definitions with JSON Schema parameters, tool calls as
// they arrive from a model stream, and structured execution results.
//
// The coordination workflow tools (new_answer, vote, ask_others) live in
// workflow.go together with their parse-or-error payload decoding. Everything
// else is opaque to the orchestrator and handled by an Executor.
package tools

import (
	"context"
	"encoding/json"
)

// Definition describes a tool surfaced to a model.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema *JSONSchema `json:"input_schema"`
}

// Call is a single tool invocation requested by a model.
type Call struct {
	// ID correlates the call with its result
	ID string `json:"id"`

	// Name of the tool being invoked
	Name string `json:"name"`

	// Arguments as decoded from the model's JSON payload
	Arguments map[string]interface{} `json:"arguments"`
}

// Executor runs non-workflow tools on behalf of an agent.
// Implementations own the tool semantics; the orchestrator only dispatches
// calls and threads results back into the conversation.
type Executor interface {
	// Definitions returns the tools this executor can run.
	Definitions() []Definition

	// Execute runs a single call. A failed execution is reported through
	// Result.Error, not through the error return; the error return is for
	// infrastructure failures only.
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Result represents the outcome of tool execution.
type Result struct {
	// Success indicates if the tool executed successfully
	Success bool `json:"success"`

	// Content is the textual result fed back to the model
	Content string `json:"content,omitempty"`

	// Error contains error information if execution failed
	Error *Error `json:"error,omitempty"`

	// Metadata contains tool-specific metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ExecutionTime in milliseconds
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
}

// Error represents a tool execution error with structured information.
type Error struct {
	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`

	// Details provides additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Retryable indicates if the operation can be retried
	Retryable bool `json:"retryable"`

	// Suggestion provides a suggestion for fixing the error
	Suggestion string `json:"suggestion,omitempty"`
}

// OK builds a successful result with the given content.
func OK(content string) *Result {
	return &Result{Success: true, Content: content}
}

// Fail builds a failed result with a structured error.
func Fail(code, message string) *Result {
	return &Result{
		Success: false,
		Error:   &Error{Code: code, Message: message},
	}
}

// Text renders the result for inclusion in a tool message: the content on
// success, the error message otherwise.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if r.Success {
		return r.Content
	}
	if r.Error != nil {
		return r.Error.Message
	}
	return "tool execution failed"
}

// JSONSchema represents a JSON Schema for tool parameters.
// This follows the JSON Schema spec for type definitions. A schema with an
// empty Type matches any value.
type JSONSchema struct {
	Type        string                 `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`
}

// ToJSON converts the schema to JSON bytes.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// FromJSON creates a JSONSchema from JSON bytes.
func FromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// NewObjectSchema creates a new object schema with the given properties.
func NewObjectSchema(description string, properties map[string]*JSONSchema, required []string) *JSONSchema {
	return &JSONSchema{
		Type:        "object",
		Description: description,
		Properties:  properties,
		Required:    required,
	}
}

// NewStringSchema creates a new string schema.
func NewStringSchema(description string) *JSONSchema {
	return &JSONSchema{
		Type:        "string",
		Description: description,
	}
}

// NewBooleanSchema creates a new boolean schema.
func NewBooleanSchema(description string) *JSONSchema {
	return &JSONSchema{
		Type:        "boolean",
		Description: description,
	}
}

// NewArraySchema creates a new array schema.
func NewArraySchema(description string, items *JSONSchema) *JSONSchema {
	return &JSONSchema{
		Type:        "array",
		Description: description,
		Items:       items,
	}
}

// WithEnum adds enum values to the schema.
func (s *JSONSchema) WithEnum(values ...interface{}) *JSONSchema {
	s.Enum = values
	return s
}

// WithDefault adds a default value to the schema.
func (s *JSONSchema) WithDefault(value interface{}) *JSONSchema {
	s.Default = value
	return s
}

// WithLength adds length constraints to the schema.
func (s *JSONSchema) WithLength(minLen, maxLen *int) *JSONSchema {
	s.MinLength = minLen
	s.MaxLength = maxLen
	return s
}
