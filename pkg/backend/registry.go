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
package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/backend/anthropic"
	"github.com/teradata-labs/massgen/pkg/config"
	"github.com/teradata-labs/massgen/pkg/types"
)

// New constructs the backend for one configured agent.
func New(agent config.Agent, logger *zap.Logger) (types.Backend, error) {
	switch agent.Backend.Type {
	case config.BackendAnthropic:
		return anthropic.New(anthropic.Config{
			APIKey:      agent.Backend.APIKey,
			Model:       agent.Backend.Model,
			MaxTokens:   agent.Backend.MaxTokens,
			Temperature: agent.Backend.Temperature,
		}, logger)
	case config.BackendScripted:
		if agent.Backend.Script == "" {
			return nil, fmt.Errorf("agent %s: scripted backend requires a script file", agent.ID)
		}
		script, err := LoadScript(agent.Backend.Script)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
		}
		return NewScripted(agent.ID, script.Turns), nil
	default:
		return nil, fmt.Errorf("agent %s: unknown backend type %q (known: %s, %s)",
			agent.ID, agent.Backend.Type, config.BackendAnthropic, config.BackendScripted)
	}
}
