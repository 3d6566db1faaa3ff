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

// Package project implements the project lifecycle mod. It is the dynamic
// load/unload demonstration target: project.* events are only handled while
// the mod is in the pipeline, and its state survives in the mod's workspace
// subtree across loads.
package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// Path is the dotted path the mod is loaded under.
const Path = "project"

// Event names handled by this mod.
const (
	EventStart    = "project.start"
	EventComplete = "project.complete"
)

// Project is one tracked project.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Initiator   string    `json:"initiator"`
	StartedAt   time.Time `json:"started_at"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Mod tracks projects in a JSON state file.
type Mod struct {
	mu        sync.Mutex
	projects  map[string]*Project
	statePath string
	logger    *zap.Logger
}

// New builds an uninitialized project mod.
func New() *Mod { return &Mod{} }

func (m *Mod) Name() string { return Path }

func (m *Mod) Initialize(mc mods.Context) error {
	m.logger = mc.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.projects = make(map[string]*Project)
	m.statePath = filepath.Join(mc.StorageDir, "projects.json")

	raw, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &m.projects)
}

func (m *Mod) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// ProcessSystemMessage handles the project.* vocabulary.
func (m *Mod) ProcessSystemMessage(_ context.Context, e *types.Event) (*types.Event, map[string]any, error) {
	switch e.EventName {
	case EventStart:
		return m.start(e)
	case EventComplete:
		return m.complete(e)
	default:
		return e, nil, nil
	}
}

func (m *Mod) start(e *types.Event) (*types.Event, map[string]any, error) {
	name := e.PayloadString("name")
	if name == "" {
		name = "untitled"
	}
	p := &Project{
		ID:        "proj-" + e.EventID,
		Name:      name,
		Initiator: e.SourceID,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.projects[p.ID] = p
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "project state write")
	}

	m.logger.Info("project started", zap.String("project_id", p.ID), zap.String("name", name))
	return nil, map[string]any{
		"success": true,
		"message": "project started",
		"data":    map[string]any{"project_id": p.ID, "name": name},
	}, nil
}

func (m *Mod) complete(e *types.Event) (*types.Event, map[string]any, error) {
	id := e.PayloadString("project_id")

	m.mu.Lock()
	p, ok := m.projects[id]
	if ok {
		p.Completed = true
		p.CompletedAt = time.Now().UTC()
	}
	err := m.saveLocked()
	m.mu.Unlock()

	if !ok {
		return nil, map[string]any{"success": false, "message": "unknown project " + id}, nil
	}
	if err != nil {
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "project state write")
	}
	return nil, map[string]any{"success": true, "message": "project completed", "data": map[string]any{"project_id": id}}, nil
}

// Projects returns a snapshot of tracked projects.
func (m *Mod) Projects() []Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return out
}

// saveLocked writes the state file; callers hold m.mu.
func (m *Mod) saveLocked() error {
	if m.statePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(m.projects, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.statePath)
}
