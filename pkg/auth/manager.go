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

// Package auth owns agent identity: per-agent secret issuance, group
// assignment from shared password hashes, and secret verification for every
// agent-sourced event. Secrets live in memory only; a restarted node
// invalidates them all and agents re-register.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

const secretBytes = 32 // hex-encodes to the 64-character wire secret

// AgentRecord is the registry entry for one connected agent.
type AgentRecord struct {
	AgentID      string         `json:"agent_id"`
	Transport    string         `json:"transport"`
	Group        string         `json:"group"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`

	// Secret is the issued credential. Only the registration response may
	// carry it back to the agent; snapshots for health and persistence
	// strip it.
	Secret string `json:"-"`
}

// RegisterRequest carries everything a transport learned from a register
// frame or /api/register body.
type RegisterRequest struct {
	AgentID        string
	Transport      string
	Metadata       map[string]any
	PasswordHash   string
	ForceReconnect bool
}

// Config is the admission policy built from the network config file.
type Config struct {
	Groups           []Group
	DefaultGroup     string
	RequiresPassword bool

	// DisableSecretVerification short-circuits Validate. Only the config
	// loader's insecure double opt-in can set it.
	DisableSecretVerification bool
}

// Manager is the auth and group manager. Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	byHash map[string]*Group
	groups map[string]*Group

	cfg    Config
	logger *zap.Logger

	// onEvict is called outside the lock when force_reconnect replaces a
	// live registration, so transports can close the stale connection.
	onEvict func(rec *AgentRecord)
}

// NewManager builds a manager from the configured group table.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		agents: make(map[string]*AgentRecord),
		byHash: make(map[string]*Group),
		groups: make(map[string]*Group),
		cfg:    cfg,
		logger: logger,
	}
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		m.groups[g.Name] = g
		if g.PasswordHash != "" {
			m.byHash[g.PasswordHash] = g
		}
	}
	if cfg.DisableSecretVerification {
		logger.Error("agent secret verification is DISABLED; every event is trusted as claimed")
	}
	return m
}

// SetEvictionHandler installs the callback invoked when force_reconnect
// evicts a prior registration. Must be called before serving.
func (m *Manager) SetEvictionHandler(fn func(rec *AgentRecord)) {
	m.onEvict = fn
}

// Register admits an agent, assigns its group, and issues a fresh secret.
func (m *Manager) Register(req RegisterRequest) (*AgentRecord, error) {
	if req.AgentID == "" {
		return nil, types.NewError(types.ErrInvalidEvent, "agent_id is required")
	}

	group, err := m.assignGroup(req.PasswordHash)
	if err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, err, "secret generation")
	}

	var evicted *AgentRecord
	m.mu.Lock()
	if prior, ok := m.agents[req.AgentID]; ok {
		if !req.ForceReconnect {
			m.mu.Unlock()
			return nil, types.Errorf(types.ErrDuplicateAgent, "agent %q is already registered", req.AgentID)
		}
		evicted = prior
	}
	now := time.Now().UTC()
	rec := &AgentRecord{
		AgentID:      req.AgentID,
		Transport:    req.Transport,
		Group:        group.Name,
		Metadata:     req.Metadata,
		RegisteredAt: now,
		LastSeen:     now,
		Secret:       secret,
	}
	m.agents[req.AgentID] = rec
	m.mu.Unlock()

	if evicted != nil {
		m.logger.Info("evicted prior registration on force_reconnect",
			zap.String("agent_id", req.AgentID))
		if m.onEvict != nil {
			m.onEvict(evicted)
		}
	}
	m.logger.Info("agent registered",
		zap.String("agent_id", req.AgentID),
		zap.String("group", group.Name),
		zap.String("transport", req.Transport))
	return rec, nil
}

// assignGroup resolves the group for a presented password hash.
func (m *Manager) assignGroup(passwordHash string) (*Group, error) {
	if passwordHash != "" {
		if g, ok := m.byHash[passwordHash]; ok {
			return g, nil
		}
	}
	if m.cfg.RequiresPassword {
		return nil, types.NewError(types.ErrAuthenticationRequired, "this network requires a group password")
	}
	if g, ok := m.groups[m.cfg.DefaultGroup]; ok {
		return g, nil
	}
	// No default configured; admit into an implicit anonymous group.
	return &Group{Name: m.cfg.DefaultGroup}, nil
}

// Validate checks a presented secret for an event source. system:system
// bypasses unconditionally; mod: sources never reach here from the wire, so
// a mod source is trusted as in-process. Agent sources get a constant-time
// compare against the stored secret.
func (m *Manager) Validate(sourceID, secret string) bool {
	addr, err := types.ParseAddress(sourceID)
	if err != nil {
		return false
	}
	switch addr.Kind {
	case types.KindSystem, types.KindMod:
		return true
	case types.KindAgent:
	default:
		return false
	}
	if m.cfg.DisableSecretVerification {
		return true
	}
	m.mu.RLock()
	rec, ok := m.agents[addr.Name]
	m.mu.RUnlock()
	if !ok || rec.Secret == "" || secret == "" {
		return false
	}
	if len(secret) != len(rec.Secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(rec.Secret)) == 1
}

// Unregister removes an agent. The caller must present the agent's own
// secret so another agent cannot spoof a disconnect.
func (m *Manager) Unregister(agentID, secret string) error {
	if !m.Validate(types.AgentAddress(agentID), secret) {
		return types.Errorf(types.ErrAuthenticationFailed, "unregister of %q rejected", agentID)
	}
	m.Drop(agentID)
	return nil
}

// Drop removes an agent without a secret check. Used for transport
// disconnects and force_reconnect eviction cleanup; idempotent.
func (m *Manager) Drop(agentID string) {
	m.mu.Lock()
	_, existed := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if existed {
		m.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	}
}

// Touch updates an agent's last-seen timestamp.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	if rec, ok := m.agents[agentID]; ok {
		rec.LastSeen = time.Now().UTC()
	}
	m.mu.Unlock()
}

// GroupOf returns the group name an agent was assigned, "" if unknown.
func (m *Manager) GroupOf(agentID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.agents[agentID]; ok {
		return rec.Group
	}
	return ""
}

// Group returns the configured group by name.
func (m *Manager) Group(name string) (*Group, bool) {
	g, ok := m.groups[name]
	return g, ok
}

// Groups returns the configured group table in name order.
func (m *Manager) Groups() []Group {
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agent returns a copy of an agent's record.
func (m *Manager) Agent(agentID string) (AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// AgentIDs returns the ids of all registered agents, sorted.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns secret-free copies of every agent record, keyed by id.
func (m *Manager) Snapshot() map[string]AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AgentRecord, len(m.agents))
	for id, rec := range m.agents {
		cp := *rec
		cp.Secret = ""
		out[id] = cp
	}
	return out
}

// Membership returns member agent ids keyed by group name, for the groups.json
// snapshot and the health payload.
func (m *Manager) Membership() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string)
	for id, rec := range m.agents {
		out[rec.Group] = append(out[rec.Group], id)
	}
	for _, members := range out {
		sort.Strings(members)
	}
	return out
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
