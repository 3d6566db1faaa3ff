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

// Package node composes the gateway, auth manager, mod registry,
// workspace store, and transports into one runnable network node.
package node

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/internal/version"
	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/gateway"
	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/mods/echo"
	"github.com/openagents-org/openagents-go/pkg/mods/messaging"
	"github.com/openagents-org/openagents-go/pkg/mods/project"
	"github.com/openagents-org/openagents-go/pkg/tls"
	"github.com/openagents-org/openagents-go/pkg/transport"
	"github.com/openagents-org/openagents-go/pkg/transport/httppoll"
	"github.com/openagents-org/openagents-go/pkg/transport/streamrpc"
	"github.com/openagents-org/openagents-go/pkg/types"
	"github.com/openagents-org/openagents-go/pkg/workspace"
)

var builtinsOnce sync.Once

// registerBuiltins installs the factories for the mods shipped with the
// node binary.
func registerBuiltins() {
	builtinsOnce.Do(func() {
		mods.RegisterFactory(echo.Path, func() mods.Mod { return echo.New() })
		mods.RegisterFactory(messaging.Path, func() mods.Mod { return messaging.New() })
		mods.RegisterFactory(project.Path, func() mods.Mod { return project.New() })
	})
}

// Node is the network node. It implements transport.Backend for the
// listeners; the mod pipeline sees it through the modNetwork adapter.
type Node struct {
	config *Config
	logger *zap.Logger

	ws       *workspace.Workspace
	auth     *auth.Manager
	registry *mods.Registry
	gw       *gateway.Gateway

	manager   *transport.Manager
	startedAt time.Time
}

// New builds a node from a validated config. Storage failures carry the
// storage_unavailable kind so the command layer can pick its exit code.
func New(cfg *Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registerBuiltins()

	ws, err := workspace.Open(cfg.Workspace, cfg.Name, workspace.Options{
		RetentionDays: cfg.RetentionDays,
	}, logger.Named("workspace"))
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:    cfg,
		logger:    logger,
		ws:        ws,
		startedAt: time.Now().UTC(),
	}
	n.auth = auth.NewManager(cfg.AuthConfig(), logger.Named("auth"))
	n.registry = mods.NewRegistry(&modNetwork{n}, logger.Named("mods"), 0)
	n.gw = gateway.New(n.auth, n.registry, ws, logger.Named("gateway"), gateway.Options{})

	// A force_reconnect eviction frees the old session's queue; the new
	// registration immediately re-adds it.
	n.auth.SetEvictionHandler(func(rec *auth.AgentRecord) {
		n.gw.DropAgent(rec.AgentID)
		n.registry.NotifyUnregister(rec.AgentID)
	})

	// Prior registrations are informational only after a restart: secrets
	// are never persisted, so those agents must register again.
	if recovered, err := ws.RecoverAgents(); err != nil {
		logger.Warn("agent log replay failed", zap.Error(err))
	} else if len(recovered) > 0 {
		logger.Info("previous session had registered agents; they must reconnect",
			zap.Int("count", len(recovered)))
	}

	for _, mc := range cfg.Mods {
		if err := n.registry.Load(mc.Path, mc.Config); err != nil {
			ws.Close()
			return nil, fmt.Errorf("load mod %s: %w", mc.Path, err)
		}
	}
	return n, nil
}

// Run serves the enabled transports until ctx is canceled.
func (n *Node) Run(ctx context.Context, configPath string) error {
	n.ws.StartHousekeeping()

	if configPath != "" {
		if err := n.registry.WatchConfig(ctx, configPath); err != nil {
			n.logger.Warn("mod list hot reload unavailable", zap.Error(err))
		}
	}

	var tlsConf *cryptotls.Config
	if n.config.TLS.Enabled() {
		mgr, err := tls.NewManager(n.config.TLS)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		tlsConf = mgr.ServerConfig()
	}

	var transports []transport.Transport
	if n.config.TransportEnabled("http") {
		transports = append(transports, httppoll.NewServer(httppoll.Config{
			Host: n.config.Host,
			Port: n.config.HTTPPort(),
		}, n, tlsConf, n.logger.Named("http")))
	}
	if n.config.TransportEnabled("grpc") {
		transports = append(transports, streamrpc.NewServer(streamrpc.Config{
			Host: n.config.Host,
			Port: n.config.GRPCPort(),
		}, n, tlsConf, n.logger.Named("grpc")))
	}

	n.manager = transport.NewManager(transports, n.logger.Named("transport"))
	n.logger.Info("node running",
		zap.String("network_name", n.NetworkName()),
		zap.String("network_id", n.NetworkID()),
		zap.Strings("transports", n.config.Transports))
	err := n.manager.Run(ctx)

	n.shutdown()
	return err
}

// shutdown tears components down in reverse dependency order.
func (n *Node) shutdown() {
	n.registry.Shutdown()
	if err := n.ws.Close(); err != nil {
		n.logger.Warn("workspace close failed", zap.Error(err))
	}
	n.logger.Info("node stopped")
}

// Stop asks a running node to shut down.
func (n *Node) Stop() {
	if n.manager != nil {
		n.manager.Stop()
	}
}

// ---- transport.Backend ----

// RegisterAgent admits an agent and wires its delivery queue.
func (n *Node) RegisterAgent(req auth.RegisterRequest) (*auth.AgentRecord, error) {
	rec, err := n.auth.Register(req)
	if err != nil {
		return nil, err
	}
	n.gw.AddAgent(rec.AgentID)
	if err := n.ws.AppendAgentRecord(workspace.AgentLogRecord{
		Action:    workspace.AgentActionRegister,
		AgentID:   rec.AgentID,
		Group:     rec.Group,
		Transport: rec.Transport,
	}); err != nil {
		n.auth.Drop(rec.AgentID)
		n.gw.DropAgent(rec.AgentID)
		return nil, err
	}
	n.snapshotGroups()
	n.registry.NotifyRegister(rec.AgentID, rec.Group)
	return rec, nil
}

// UnregisterAgent retires an agent that presented its own secret.
func (n *Node) UnregisterAgent(agentID, secret string) error {
	if err := n.auth.Unregister(agentID, secret); err != nil {
		return err
	}
	n.gw.DropAgent(agentID)
	if err := n.ws.AppendAgentRecord(workspace.AgentLogRecord{
		Action:  workspace.AgentActionUnregister,
		AgentID: agentID,
	}); err != nil {
		n.logger.Warn("unregister record write failed", zap.Error(err))
	}
	n.snapshotGroups()
	n.registry.NotifyUnregister(agentID)
	return nil
}

// DropAgent retires an agent without credentials (connection loss, push
// overflow).
func (n *Node) DropAgent(agentID string) {
	if _, ok := n.auth.Agent(agentID); !ok {
		return
	}
	n.auth.Drop(agentID)
	n.gw.DropAgent(agentID)
	if err := n.ws.AppendAgentRecord(workspace.AgentLogRecord{
		Action:  workspace.AgentActionUnregister,
		AgentID: agentID,
	}); err != nil {
		n.logger.Warn("drop record write failed", zap.Error(err))
	}
	n.snapshotGroups()
	n.registry.NotifyUnregister(agentID)
}

func (n *Node) snapshotGroups() {
	if err := n.ws.WriteGroupsSnapshot(n.auth.Membership()); err != nil {
		n.logger.Warn("groups snapshot write failed", zap.Error(err))
	}
}

// Submit runs one wire event through the gateway.
func (n *Node) Submit(ctx context.Context, e *types.Event) (*gateway.Result, error) {
	result, err := n.gw.Submit(ctx, e)
	if err == nil {
		if agentID := types.AgentIDOf(e.SourceID); agentID != "" {
			n.auth.Touch(agentID)
		}
	}
	return result, err
}

// Poll drains an agent's delivery queue.
func (n *Node) Poll(ctx context.Context, agentID string, max int, wait time.Duration) ([]*types.Event, error) {
	events, err := n.gw.Poll(ctx, agentID, max, wait)
	if err == nil {
		n.auth.Touch(agentID)
	}
	return events, err
}

// RegisterPushHandler wires a stream session into the gateway fan-out.
func (n *Node) RegisterPushHandler(agentID string, fn func(*types.Event) error) {
	n.gw.RegisterPushHandler(agentID, gateway.PushHandler(fn))
}

// Health is the /api/health payload.
func (n *Node) Health() map[string]any {
	agentIDs := n.auth.AgentIDs()
	loaded := n.registry.Loaded()
	modPaths := make([]string, 0, len(loaded))
	for _, info := range loaded {
		modPaths = append(modPaths, info.Path)
	}
	channels := make([]string, 0)
	for name := range n.gw.Channels() {
		channels = append(channels, name)
	}
	groupConfig := make([]map[string]any, 0)
	for _, g := range n.auth.Groups() {
		groupConfig = append(groupConfig, map[string]any{
			"name":         g.Name,
			"description":  g.Description,
			"has_password": g.PasswordHash != "",
		})
	}
	body := map[string]any{
		"status":         "healthy",
		"is_running":     true,
		"network_name":   n.NetworkName(),
		"network_id":     n.NetworkID(),
		"version":        version.Get(),
		"started_at":     n.startedAt.Format(time.RFC3339),
		"uptime_seconds": int(time.Since(n.startedAt).Seconds()),
		"agent_count":    len(agentIDs),
		"agents":         n.auth.Snapshot(),
		"groups":         n.auth.Membership(),
		"group_config":   groupConfig,
		"mods":           modPaths,
		"dynamic_mods": map[string]any{
			"loaded":  modPaths,
			"count":   len(loaded),
			"details": loaded,
		},
		"transports": n.config.Transports,
		"channels":   channels,
	}
	if readme := n.config.NetworkProfile.Readme; readme != "" {
		body["readme"] = readme
	}
	return body
}

// AppendLLMLog, QueryLLMLogs, and GetLLMLog expose the workspace audit log
// to the HTTP surface.
func (n *Node) AppendLLMLog(agentID string, entry workspace.LLMLogEntry) (workspace.LLMLogEntry, error) {
	return n.ws.AppendLLMLog(agentID, entry)
}

func (n *Node) QueryLLMLogs(agentID string, filter workspace.LLMLogFilter) ([]workspace.LLMLogSummary, int, bool, error) {
	return n.ws.QueryLLMLogs(agentID, filter)
}

func (n *Node) GetLLMLog(agentID, logID string) (workspace.LLMLogEntry, bool, error) {
	return n.ws.GetLLMLog(agentID, logID)
}

// NetworkName and NetworkID come from the workspace manifest.
func (n *Node) NetworkName() string { return n.ws.Manifest().NetworkName }
func (n *Node) NetworkID() string   { return n.ws.Manifest().NetworkID }

// modNetwork is the mods.NetworkContext view of the node. Its Submit drops
// the response map because mod-originated events have no submitter to
// answer; Backend.Submit keeps it for the wire.
type modNetwork struct{ n *Node }

func (m *modNetwork) Submit(ctx context.Context, e *types.Event) error {
	_, err := m.n.gw.Submit(ctx, e)
	return err
}

func (m *modNetwork) AgentIDs() []string { return m.n.auth.AgentIDs() }

func (m *modNetwork) GroupMetadata(group string) map[string]any {
	g, ok := m.n.auth.Group(group)
	if !ok {
		return nil
	}
	return g.Metadata
}

func (m *modNetwork) ModStorageDir(modPath string) (string, error) {
	return m.n.ws.ModStorageDir(modPath)
}

func (m *modNetwork) NetworkName() string { return m.n.NetworkName() }
func (m *modNetwork) NetworkID() string   { return m.n.NetworkID() }
