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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openagents-org/openagents-go/internal/log"
	"github.com/openagents-org/openagents-go/pkg/node"
	"github.com/openagents-org/openagents-go/pkg/transport"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// Exit codes. Scripts and orchestrators key off these.
const (
	exitOK      = 0
	exitConfig  = 1
	exitPortUse = 2
	exitStorage = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the network node",
	Long: heredoc.Doc(`
		Start the node with the given config file and serve the enabled
		transports until interrupted.

		Exit codes: 0 clean shutdown, 1 config error, 2 port already in
		use, 3 workspace/storage error.`),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return node.DefaultConfigFile
}

func runServe() int {
	path := configPath()
	cfg, err := node.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	log.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("node startup failed", zap.Error(err))
		if types.KindOf(err) == types.ErrStorageUnavailable {
			return exitStorage
		}
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// Restore default handling after the first signal so a second
		// one kills a stuck drain.
		<-ctx.Done()
		stop()
	}()

	if err := n.Run(ctx, path); err != nil {
		if transport.IsAddrInUse(err) {
			logger.Error("port already in use", zap.Error(err))
			return exitPortUse
		}
		logger.Error("node failed", zap.Error(err))
		return exitConfig
	}
	return exitOK
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("log_level %q: %w", level, err)
		}
		lvl = parsed
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
