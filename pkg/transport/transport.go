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

// Package transport runs the node's listeners. Each transport serves the
// same backend surface; the manager starts the enabled set and tears all
// of them down when one fails or the node shuts down.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/gateway"
	"github.com/openagents-org/openagents-go/pkg/types"
	"github.com/openagents-org/openagents-go/pkg/workspace"
)

// Backend is the node surface a transport drives. Implemented by node.Node.
type Backend interface {
	RegisterAgent(req auth.RegisterRequest) (*auth.AgentRecord, error)
	UnregisterAgent(agentID, secret string) error
	Submit(ctx context.Context, e *types.Event) (*gateway.Result, error)
	Poll(ctx context.Context, agentID string, max int, wait time.Duration) ([]*types.Event, error)
	RegisterPushHandler(agentID string, fn func(*types.Event) error)
	DropAgent(agentID string)

	Health() map[string]any
	NetworkName() string
	NetworkID() string

	AppendLLMLog(agentID string, entry workspace.LLMLogEntry) (workspace.LLMLogEntry, error)
	QueryLLMLogs(agentID string, filter workspace.LLMLogFilter) ([]workspace.LLMLogSummary, int, bool, error)
	GetLLMLog(agentID, logID string) (workspace.LLMLogEntry, bool, error)
}

// Transport is one listener (gRPC stream, HTTP long-poll).
type Transport interface {
	// Name identifies the transport in logs and agent records.
	Name() string
	// Serve blocks until the listener fails or Shutdown is called.
	Serve(ctx context.Context) error
	// Shutdown drains the listener. Safe to call more than once.
	Shutdown(ctx context.Context) error
}

// ErrAddrInUse marks a bind failure on an occupied port so the command
// layer can exit with its dedicated code.
var ErrAddrInUse = errors.New("address already in use")

// IsAddrInUse reports whether err is a bind conflict.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAddrInUse) || strings.Contains(err.Error(), "address already in use")
}

// shutdownGrace bounds how long Stop waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// Manager runs a set of transports as one unit.
type Manager struct {
	transports []Transport
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewManager builds a manager over the enabled transports.
func NewManager(transports []Transport, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{transports: transports, logger: logger}
}

// Run serves every transport until ctx is canceled or one of them fails.
// A single failure stops the rest; the first error is returned.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.transports) == 0 {
		return errors.New("no transports enabled")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range m.transports {
		g.Go(func() error {
			m.logger.Info("transport starting", zap.String("transport", t.Name()))
			if err := t.Serve(gctx); err != nil {
				m.logger.Error("transport failed", zap.String("transport", t.Name()), zap.Error(err))
				return err
			}
			return nil
		})
		// Shutdown watcher: when the group context dies, drain this
		// transport so Serve returns.
		g.Go(func() error {
			<-gctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return t.Shutdown(drainCtx)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop cancels the running transports. Run returns once drain completes.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
