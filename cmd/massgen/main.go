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
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	debugLogging bool
)

var rootCmd = &cobra.Command{
	Use:   "massgen",
	Short: "MassGen - multi-agent answer coordination",
	Long: heredoc.Doc(`
		MassGen runs several model-backed agents against the same task in
		parallel. Agents see each other's answers anonymously, refine their
		own, and vote; the winning agent presents the final answer.
	`),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
}

// newLogger builds the CLI logger: production config by default, development
// config under --debug.
func newLogger() (*zap.Logger, error) {
	if debugLogging {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	Execute()
}
