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
// Package config loads and validates coordination session configuration from
// YAML files via viper. Every tunable has a default; configuration errors
// surface synchronously before a session starts.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Backend types recognized by the backend registry.
const (
	BackendAnthropic = "anthropic"
	BackendScripted  = "scripted"
)

// Config is the full session configuration.
type Config struct {
	Session      Session      `mapstructure:"session" yaml:"session"`
	Coordination Coordination `mapstructure:"coordination" yaml:"coordination"`
	Agents       []Agent      `mapstructure:"agents" yaml:"agents"`
	Prompts      Prompts      `mapstructure:"prompts" yaml:"prompts"`
}

// Session scopes the whole coordination run.
type Session struct {
	// TaskTimeout bounds the session; on expiry pending agents are forced to
	// vote and the session converges on a best-effort winner.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`

	// MaxRounds caps coordination rounds before forced convergence.
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`

	// Broadcast selects who answers ask_others: agents, human, or off.
	Broadcast string `mapstructure:"broadcast" yaml:"broadcast"`

	// ExternalTools are tool names the embedding application executes; calls
	// to them park the agent turn until results are submitted.
	ExternalTools []string `mapstructure:"external_tools" yaml:"external_tools"`

	// WorkspaceDir is the snapshot root. Empty uses a temporary directory.
	WorkspaceDir string `mapstructure:"workspace_dir" yaml:"workspace_dir"`
}

// Coordination tunes the protocol mechanics.
type Coordination struct {
	MaxEnforcementRetries int           `mapstructure:"max_enforcement_retries" yaml:"max_enforcement_retries"`
	MaxStreamIterations   int           `mapstructure:"max_stream_iterations" yaml:"max_stream_iterations"`
	TurnSoftTimeout       time.Duration `mapstructure:"turn_soft_timeout" yaml:"turn_soft_timeout"`
	TurnHardTimeout       time.Duration `mapstructure:"turn_hard_timeout" yaml:"turn_hard_timeout"`
	BroadcastWaitTimeout  time.Duration `mapstructure:"broadcast_wait_timeout" yaml:"broadcast_wait_timeout"`
	MaxInFlightBroadcasts int           `mapstructure:"max_inflight_broadcasts" yaml:"max_inflight_broadcasts"`
	MaxParallelShadows    int           `mapstructure:"max_parallel_shadows" yaml:"max_parallel_shadows"`

	// SkipVoting ends a round as soon as every agent has an answer; the
	// winner is the first answering agent in registration order.
	SkipVoting bool `mapstructure:"skip_voting" yaml:"skip_voting"`

	// DisableInjection turns off mid-stream peer answer delivery; restarts
	// are then only picked up between turns.
	DisableInjection bool `mapstructure:"disable_injection" yaml:"disable_injection"`
}

// Agent configures one coordination participant.
type Agent struct {
	ID      string       `mapstructure:"id" yaml:"id"`
	Persona string       `mapstructure:"persona" yaml:"persona"`
	Backend AgentBackend `mapstructure:"backend" yaml:"backend"`
}

// AgentBackend selects and parameterizes the model backend for an agent.
type AgentBackend struct {
	Type        string  `mapstructure:"type" yaml:"type"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`

	// APIKey supports ${VAR} environment expansion.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// Script is the scenario file for scripted backends.
	Script string `mapstructure:"script" yaml:"script"`
}

// Prompts carries optional system message sections.
type Prompts struct {
	Planning string   `mapstructure:"planning" yaml:"planning"`
	Skills   []string `mapstructure:"skills" yaml:"skills"`
	Memory   string   `mapstructure:"memory" yaml:"memory"`
}

// Default returns a config with every tunable at its default and no agents.
func Default() *Config {
	return &Config{
		Session: Session{
			TaskTimeout: 30 * time.Minute,
			MaxRounds:   10,
			Broadcast:   "agents",
		},
		Coordination: Coordination{
			MaxEnforcementRetries: 3,
			MaxStreamIterations:   20,
			TurnSoftTimeout:       90 * time.Second,
			TurnHardTimeout:       180 * time.Second,
			BroadcastWaitTimeout:  120 * time.Second,
			MaxInFlightBroadcasts: 3,
			MaxParallelShadows:    4,
		},
	}
}

// Load reads and validates a session configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MASSGEN")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Agents {
		cfg.Agents[i].Backend.APIKey = ExpandEnv(cfg.Agents[i].Backend.APIKey)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("session.task_timeout", d.Session.TaskTimeout)
	v.SetDefault("session.max_rounds", d.Session.MaxRounds)
	v.SetDefault("session.broadcast", d.Session.Broadcast)
	v.SetDefault("coordination.max_enforcement_retries", d.Coordination.MaxEnforcementRetries)
	v.SetDefault("coordination.max_stream_iterations", d.Coordination.MaxStreamIterations)
	v.SetDefault("coordination.turn_soft_timeout", d.Coordination.TurnSoftTimeout)
	v.SetDefault("coordination.turn_hard_timeout", d.Coordination.TurnHardTimeout)
	v.SetDefault("coordination.broadcast_wait_timeout", d.Coordination.BroadcastWaitTimeout)
	v.SetDefault("coordination.max_inflight_broadcasts", d.Coordination.MaxInFlightBroadcasts)
	v.SetDefault("coordination.max_parallel_shadows", d.Coordination.MaxParallelShadows)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string, which Validate then catches for
// required fields.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// Validate checks structural consistency. Backend-specific requirements
// (API keys, script files) are checked by the backend registry so this stays
// free of backend knowledge.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true

		switch a.Backend.Type {
		case BackendAnthropic, BackendScripted:
		case "":
			return fmt.Errorf("agent %s: backend.type is required", a.ID)
		default:
			return fmt.Errorf("agent %s: unknown backend type %q (known: %s, %s)",
				a.ID, a.Backend.Type, BackendAnthropic, BackendScripted)
		}
	}

	switch c.Session.Broadcast {
	case "agents", "human", "off":
	default:
		return fmt.Errorf("session.broadcast must be agents, human, or off; got %q", c.Session.Broadcast)
	}

	if c.Session.TaskTimeout <= 0 {
		return fmt.Errorf("session.task_timeout must be positive")
	}
	if c.Session.MaxRounds <= 0 {
		return fmt.Errorf("session.max_rounds must be positive")
	}
	if c.Coordination.MaxEnforcementRetries <= 0 {
		return fmt.Errorf("coordination.max_enforcement_retries must be positive")
	}
	if c.Coordination.MaxStreamIterations <= 0 {
		return fmt.Errorf("coordination.max_stream_iterations must be positive")
	}
	for name, d := range map[string]time.Duration{
		"coordination.turn_soft_timeout":      c.Coordination.TurnSoftTimeout,
		"coordination.turn_hard_timeout":      c.Coordination.TurnHardTimeout,
		"coordination.broadcast_wait_timeout": c.Coordination.BroadcastWaitTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Coordination.TurnHardTimeout > 0 && c.Coordination.TurnSoftTimeout > c.Coordination.TurnHardTimeout {
		return fmt.Errorf("coordination.turn_soft_timeout exceeds turn_hard_timeout")
	}
	return nil
}
