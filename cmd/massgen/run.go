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
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/teradata-labs/massgen/pkg/backend"
	"github.com/teradata-labs/massgen/pkg/broadcast"
	"github.com/teradata-labs/massgen/pkg/config"
	"github.com/teradata-labs/massgen/pkg/orchestrator"
	"github.com/teradata-labs/massgen/pkg/types"
	"github.com/teradata-labs/massgen/pkg/workspace"
)

var (
	configPath string
	demoMode   bool
	showUsage  bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a coordination session",
	Long: heredoc.Doc(`
		Run a multi-agent coordination session for the given task.

		Agents come from the YAML configuration file (--config). Each agent
		streams its work; answers and votes appear as status lines, and the
		winning agent's presented answer is printed at the end.

		With --demo, two deterministic scripted agents run instead, so the
		full coordination flow can be observed without API keys.
	`),
	Example: heredoc.Doc(`
		massgen run --config agents.yaml "Design a rate limiter"
		massgen run --demo "Any task text"
	`),
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "session configuration file (YAML)")
	runCmd.Flags().BoolVar(&demoMode, "demo", false, "run with built-in scripted agents")
	runCmd.Flags().BoolVar(&showUsage, "usage", false, "print token usage after the session")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	task := args[0]

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadSessionConfig()
	if err != nil {
		return err
	}

	var demos map[string]types.Backend
	if demoMode {
		demos = demoBackends()
	}

	specs := make([]orchestrator.AgentSpec, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		be := demos[agent.ID]
		if be == nil {
			be, err = backend.New(agent, logger)
			if err != nil {
				return fmt.Errorf("agent %s: %w", agent.ID, err)
			}
		}
		specs = append(specs, orchestrator.AgentSpec{
			ID:      agent.ID,
			Backend: be,
			Persona: agent.Persona,
		})
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithSession(cfg.Session),
		orchestrator.WithCoordination(cfg.Coordination),
		orchestrator.WithPrompts(cfg.Prompts),
	}
	if cfg.Session.Broadcast == "human" {
		opts = append(opts, orchestrator.WithHumanInterface(&terminalHuman{
			in:  bufio.NewReader(os.Stdin),
			out: os.Stdout,
		}))
	}
	if cfg.Session.WorkspaceDir != "" {
		ws, err := workspace.NewLocal(cfg.Session.WorkspaceDir, nil, logger)
		if err != nil {
			return fmt.Errorf("open workspace: %w", err)
		}
		opts = append(opts, orchestrator.WithWorkspace(ws))
	}

	orch, err := orchestrator.New(specs, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := orch.Run(ctx, task)
	if err != nil {
		return err
	}

	result := render(stream)

	if showUsage {
		usage := orch.Usage()
		fmt.Printf("\nTokens: %d in / %d out\n", usage.InputTokens, usage.OutputTokens)
	}
	if result == nil {
		return fmt.Errorf("session ended without a final answer")
	}
	return nil
}

// loadSessionConfig resolves the session configuration from --config or
// --demo; exactly one is required.
func loadSessionConfig() (*config.Config, error) {
	switch {
	case demoMode && configPath != "":
		return nil, fmt.Errorf("--demo and --config are mutually exclusive")
	case demoMode:
		return demoConfig(), nil
	case configPath != "":
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("either --config or --demo is required")
	}
}

// demoConfig builds a two-agent scripted session so the coordination flow can
// be watched end to end without credentials.
func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = []config.Agent{
		{ID: "demo-analyst", Backend: config.AgentBackend{Type: config.BackendScripted}},
		{ID: "demo-reviewer", Backend: config.AgentBackend{Type: config.BackendScripted}},
	}
	return cfg
}

// demoBackends returns the inline scripts for --demo; the registry path is
// bypassed because the turns live in code, not in a scenario file.
func demoBackends() map[string]types.Backend {
	return map[string]types.Backend{
		"demo-analyst": backend.NewScripted("demo-analyst", [][]backend.ScriptStep{
			{backend.Think("Breaking the task into parts."),
				backend.Say("Drafting a first full answer."),
				backend.Answer("Demo answer: a structured first take on the task.")},
			{backend.Vote("agent1", "My answer covers every part of the task.")},
			{backend.Answer("Final demo answer, refined after coordination.")},
		}),
		"demo-reviewer": backend.NewScripted("demo-reviewer", [][]backend.ScriptStep{
			{backend.Say("Reviewing the task from first principles."),
				backend.Answer("Demo answer: an alternative framing.")},
			{backend.Vote("agent1", "The structured take is more complete.")},
		}),
	}
}

// render prints the chunk stream and returns the final result, if any.
func render(stream <-chan types.Chunk) *types.FinalResult {
	var result *types.FinalResult
	lastAgent := ""
	for c := range stream {
		switch c.Type {
		case types.ChunkContent:
			if c.AgentID != lastAgent {
				fmt.Printf("\n[%s] ", c.AgentID)
				lastAgent = c.AgentID
			}
			fmt.Print(c.Text)
		case types.ChunkAgentStatus:
			fmt.Printf("\n-- %s: %s\n", c.AgentID, c.Text)
			lastAgent = ""
		case types.ChunkError:
			fmt.Printf("\n!! %s: %s\n", c.AgentID, c.Err)
			lastAgent = ""
		case types.ChunkResult:
			result = c.Result
		}
	}
	if result != nil {
		fmt.Printf("\n\n=== Final answer (%s, %d round(s)) ===\n%s\n",
			result.WinnerAlias, result.Rounds, result.Answer)
	}
	return result
}

// terminalHuman answers human-mode broadcasts on the controlling terminal.
type terminalHuman struct {
	in  *bufio.Reader
	out *os.File
}

func (h *terminalHuman) Ask(ctx context.Context, q *broadcast.HumanQuestion) (*broadcast.HumanAnswer, error) {
	fmt.Fprintf(h.out, "\n[%s asks] %s\n> ", q.FromAlias, q.Prompt)

	type read struct {
		line string
		err  error
	}
	ch := make(chan read, 1)
	go func() {
		line, err := h.in.ReadString('\n')
		ch <- read{line: line, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &broadcast.HumanAnswer{Text: strings.TrimSpace(r.line)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ broadcast.HumanInterface = (*terminalHuman)(nil)
