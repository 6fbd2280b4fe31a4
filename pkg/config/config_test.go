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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, heredoc.Doc(`
		agents:
		  - id: researcher
		    backend: {type: scripted, script: testdata/a.yaml}
	`))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Session.TaskTimeout)
	assert.Equal(t, 10, cfg.Session.MaxRounds)
	assert.Equal(t, "agents", cfg.Session.Broadcast)
	assert.Equal(t, 3, cfg.Coordination.MaxEnforcementRetries)
	assert.Equal(t, 20, cfg.Coordination.MaxStreamIterations)
	assert.Equal(t, 90*time.Second, cfg.Coordination.TurnSoftTimeout)
	assert.Equal(t, 180*time.Second, cfg.Coordination.TurnHardTimeout)
	assert.Equal(t, 120*time.Second, cfg.Coordination.BroadcastWaitTimeout)
	assert.Equal(t, 3, cfg.Coordination.MaxInFlightBroadcasts)
	assert.Equal(t, 4, cfg.Coordination.MaxParallelShadows)
	assert.False(t, cfg.Coordination.SkipVoting)
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")

	path := writeConfig(t, heredoc.Doc(`
		session:
		  task_timeout: 10m
		  max_rounds: 4
		  broadcast: human
		  external_tools: [web_search]
		coordination:
		  max_enforcement_retries: 2
		  turn_soft_timeout: 30s
		  turn_hard_timeout: 60s
		  skip_voting: true
		agents:
		  - id: researcher
		    persona: "Thorough researcher"
		    backend:
		      type: anthropic
		      model: claude-sonnet-4-5
		      max_tokens: 4096
		      api_key: ${TEST_ANTHROPIC_KEY}
		  - id: skeptic
		    backend: {type: scripted, script: testdata/skeptic.yaml}
		prompts:
		  planning: "Plan before you act."
		  skills: [summarization, critique]
	`))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Session.TaskTimeout)
	assert.Equal(t, 4, cfg.Session.MaxRounds)
	assert.Equal(t, "human", cfg.Session.Broadcast)
	assert.Equal(t, []string{"web_search"}, cfg.Session.ExternalTools)
	assert.True(t, cfg.Coordination.SkipVoting)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "Thorough researcher", cfg.Agents[0].Persona)
	assert.Equal(t, "sk-test-123", cfg.Agents[0].Backend.APIKey, "env reference expanded")
	assert.Equal(t, "testdata/skeptic.yaml", cfg.Agents[1].Backend.Script)

	assert.Equal(t, "Plan before you act.", cfg.Prompts.Planning)
	assert.Equal(t, []string{"summarization", "critique"}, cfg.Prompts.Skills)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Agents = []Agent{
			{ID: "a", Backend: AgentBackend{Type: BackendScripted}},
			{ID: "b", Backend: AgentBackend{Type: BackendScripted}},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"empty id", func(c *Config) { c.Agents[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *Config) { c.Agents[1].ID = "a" }, "duplicate agent id"},
		{"missing backend type", func(c *Config) { c.Agents[0].Backend.Type = "" }, "backend.type is required"},
		{"unknown backend type", func(c *Config) { c.Agents[0].Backend.Type = "ollama" }, "unknown backend type"},
		{"bad broadcast mode", func(c *Config) { c.Session.Broadcast = "telepathy" }, "session.broadcast"},
		{"zero task timeout", func(c *Config) { c.Session.TaskTimeout = 0 }, "task_timeout"},
		{"zero max rounds", func(c *Config) { c.Session.MaxRounds = 0 }, "max_rounds"},
		{"soft exceeds hard", func(c *Config) {
			c.Coordination.TurnSoftTimeout = 5 * time.Minute
		}, "exceeds turn_hard_timeout"},
		{"negative wait timeout", func(c *Config) {
			c.Coordination.BroadcastWaitTimeout = -time.Second
		}, "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MASSGEN_TEST_VAR", "value")
	assert.Equal(t, "value", ExpandEnv("${MASSGEN_TEST_VAR}"))
	assert.Equal(t, "prefix-value", ExpandEnv("prefix-${MASSGEN_TEST_VAR}"))
	assert.Equal(t, "", ExpandEnv("${MASSGEN_UNSET_VAR_12345}"))
	assert.Equal(t, "plain", ExpandEnv("plain"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
