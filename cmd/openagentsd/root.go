// Copyright 2026 The OpenAgents Authors
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

	"github.com/openagents-org/openagents-go/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "openagentsd",
	Short: "OpenAgents network node - event routing for multi-agent systems",
	Long: heredoc.Doc(`
		openagentsd runs one network node: agents connect over gRPC streams
		or HTTP long-polling, exchange addressed events, and share mods
		(in-process network extensions like messaging channels).

		The node owns admission, routing, the mod pipeline, and the durable
		workspace on disk. It never calls an LLM; intelligence lives in the
		agent runners that connect to it.`),
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./openagents.yaml)")
}

func main() {
	Execute()
}
