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
	"gopkg.in/yaml.v3"

	"github.com/openagents-org/openagents-go/pkg/node"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the node configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: heredoc.Doc(`
		Write a commented starter configuration to the --config path (or
		./openagents.yaml). Refuses to overwrite an existing file.`),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.WriteFile(path, []byte(node.DefaultConfigYAML), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := node.LoadConfig(configPath())
		if err != nil {
			return err
		}
		// Group passwords are secrets even to the operator's terminal.
		for name, g := range cfg.AgentGroups {
			if g.Password != "" {
				g.Password = "<redacted>"
				cfg.AgentGroups[name] = g
			}
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath()
		if err := node.CheckConfigSchema(path); err != nil {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			os.Exit(exitConfig)
		}
		if _, err := node.LoadConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			os.Exit(exitConfig)
		}
		fmt.Println("config ok")
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
