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

// Package mods defines the mod contracts and the ordered registry that runs
// every event through the mod chain between authentication and delivery.
package mods

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// NetworkContext is the narrow view of the node a mod is allowed to see.
// It breaks the mod-to-node back-reference: mods submit events, enumerate
// agents, and consult group metadata, nothing more.
type NetworkContext interface {
	// Submit injects an event into the gateway as an in-process source.
	Submit(ctx context.Context, e *types.Event) error

	// AgentIDs lists currently registered agents.
	AgentIDs() []string

	// GroupMetadata returns the configured metadata of a group, nil for an
	// unknown group.
	GroupMetadata(group string) map[string]any

	// ModStorageDir returns (creating if needed) the mod's private
	// directory under the workspace.
	ModStorageDir(modPath string) (string, error)

	NetworkName() string
	NetworkID() string
}

// Context is handed to a mod at Initialize time.
type Context struct {
	Network    NetworkContext
	Config     map[string]any
	StorageDir string
	Logger     *zap.Logger
}

// Mod is a pluggable in-process event processor. Implementations also
// satisfy any of the optional interfaces below; the registry discovers them
// by type assertion. A mod may be invoked concurrently on multiple events
// and must guard its own state.
type Mod interface {
	Name() string
	Initialize(mc Context) error
	Shutdown() error
}

// DirectProcessor observes direct agent-to-agent messages. Returning
// (nil, nil) drops the event and stops the chain; returning a (possibly
// mutated) event passes it along.
type DirectProcessor interface {
	ProcessDirectMessage(ctx context.Context, e *types.Event) (*types.Event, error)
}

// BroadcastProcessor observes broadcast messages.
type BroadcastProcessor interface {
	ProcessBroadcastMessage(ctx context.Context, e *types.Event) (*types.Event, error)
}

// SystemProcessor observes system messages. The response map, when
// non-nil, is surfaced to the submitter as response_data on the send
// surface; only system handlers respond.
type SystemProcessor interface {
	ProcessSystemMessage(ctx context.Context, e *types.Event) (*types.Event, map[string]any, error)
}

// AgentObserver is notified of agent lifecycle changes.
type AgentObserver interface {
	HandleRegister(agentID, group string)
	HandleUnregister(agentID string)
}

// Info describes one loaded mod for list_loaded and the health payload.
type Info struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Factory builds a fresh mod instance for a dotted path.
type Factory func() Mod

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory adds a mod factory to the global table. Builtin mods
// register themselves from the node package; external builds may add more
// before the node starts.
func RegisterFactory(path string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[path] = f
}

func lookupFactory(path string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[path]
	return f, ok
}
