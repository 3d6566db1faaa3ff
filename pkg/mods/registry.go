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

package mods

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// Well-known system events the registry itself handles.
const (
	EventModLoad     = "system.mod.load"
	EventModUnload   = "system.mod.unload"
	EventModLoaded   = "system.mod.loaded"
	EventModUnloaded = "system.mod.unloaded"
)

// DefaultProcessorTimeout bounds how long one mod may hold one event.
const DefaultProcessorTimeout = 30 * time.Second

type instance struct {
	mod        Mod
	path       string
	config     map[string]any
	failClosed bool
	loadedAt   time.Time
}

// Registry owns the ordered mod list and runs the per-event pipeline.
// Safe for concurrent use; the pipeline iterates a snapshot taken at event
// start, so a concurrent load/unload is observed only by later events.
type Registry struct {
	mu      sync.RWMutex
	ordered []*instance
	byPath  map[string]*instance

	nc      NetworkContext
	logger  *zap.Logger
	timeout time.Duration
}

// NewRegistry builds an empty registry. timeout <= 0 selects the default
// per-mod processor timeout.
func NewRegistry(nc NetworkContext, logger *zap.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultProcessorTimeout
	}
	return &Registry{
		byPath:  make(map[string]*instance),
		nc:      nc,
		logger:  logger,
		timeout: timeout,
	}
}

// Load resolves a mod by dotted path, initializes it, and appends it to the
// pipeline. Emits system.mod.loaded on success.
func (r *Registry) Load(path string, config map[string]any) error {
	factory, ok := lookupFactory(path)
	if !ok {
		return types.Errorf(types.ErrUnknownMod, "no mod registered for path %q", path)
	}

	r.mu.Lock()
	if _, dup := r.byPath[path]; dup {
		r.mu.Unlock()
		return types.Errorf(types.ErrModLoadFailed, "mod %q is already loaded", path)
	}
	r.mu.Unlock()

	mod := factory()
	storageDir := ""
	if r.nc != nil {
		dir, err := r.nc.ModStorageDir(path)
		if err != nil {
			return types.WrapError(types.ErrModLoadFailed, err, "mod storage dir")
		}
		storageDir = dir
	}
	mc := Context{
		Network:    r.nc,
		Config:     config,
		StorageDir: storageDir,
		Logger:     r.logger.Named(mod.Name()),
	}
	if err := mod.Initialize(mc); err != nil {
		return types.WrapError(types.ErrModLoadFailed, err, "initialize "+path)
	}

	inst := &instance{
		mod:        mod,
		path:       path,
		config:     config,
		failClosed: boolConfig(config, "fail_closed"),
		loadedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	if _, dup := r.byPath[path]; dup {
		r.mu.Unlock()
		_ = mod.Shutdown()
		return types.Errorf(types.ErrModLoadFailed, "mod %q is already loaded", path)
	}
	r.ordered = append(r.ordered, inst)
	r.byPath[path] = inst
	r.mu.Unlock()

	r.logger.Info("mod loaded", zap.String("path", path), zap.String("name", mod.Name()))
	r.emit(EventModLoaded, map[string]any{"mod_path": path, "name": mod.Name()})
	return nil
}

// Unload shuts a mod down and removes it from the pipeline. In-flight
// events keep their snapshot. Emits system.mod.unloaded.
func (r *Registry) Unload(path string) error {
	r.mu.Lock()
	inst, ok := r.byPath[path]
	if !ok {
		r.mu.Unlock()
		return types.Errorf(types.ErrUnknownMod, "mod %q is not loaded", path)
	}
	delete(r.byPath, path)
	for i, cur := range r.ordered {
		if cur == inst {
			r.ordered = append(r.ordered[:i:i], r.ordered[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := inst.mod.Shutdown(); err != nil {
		r.logger.Warn("mod shutdown error", zap.String("path", path), zap.Error(err))
	}
	r.logger.Info("mod unloaded", zap.String("path", path))
	r.emit(EventModUnloaded, map[string]any{"mod_path": path})
	return nil
}

// Loaded returns the pipeline in order.
func (r *Registry) Loaded() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.ordered))
	for i, inst := range r.ordered {
		out[i] = Info{Name: inst.mod.Name(), Path: inst.path, LoadedAt: inst.loadedAt}
	}
	return out
}

// Shutdown unloads every mod in reverse order without emitting events.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ordered := r.ordered
	r.ordered = nil
	r.byPath = make(map[string]*instance)
	r.mu.Unlock()
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ordered[i].mod.Shutdown(); err != nil {
			r.logger.Warn("mod shutdown error",
				zap.String("path", ordered[i].path), zap.Error(err))
		}
	}
}

// NotifyRegister fans an agent registration out to observer mods.
func (r *Registry) NotifyRegister(agentID, group string) {
	for _, inst := range r.snapshot() {
		if obs, ok := inst.mod.(AgentObserver); ok {
			obs.HandleRegister(agentID, group)
		}
	}
}

// NotifyUnregister fans an agent departure out to observer mods.
func (r *Registry) NotifyUnregister(agentID string) {
	for _, inst := range r.snapshot() {
		if obs, ok := inst.mod.(AgentObserver); ok {
			obs.HandleUnregister(agentID)
		}
	}
}

// Process runs one event through the chain and implements the Pipeline
// contract of the gateway. A nil returned event means a mod (or the
// registry itself) consumed it.
func (r *Registry) Process(ctx context.Context, e *types.Event, class types.Class) (*types.Event, map[string]any, error) {
	// Mod management events are handled by the registry, not by mods.
	if class == types.ClassSystem && (e.EventName == EventModLoad || e.EventName == EventModUnload) {
		resp, err := r.handleModManagement(e)
		return nil, resp, err
	}

	// A pinned event goes to exactly one mod.
	if e.RelevantMod != "" {
		r.mu.RLock()
		inst, ok := r.byPath[e.RelevantMod]
		r.mu.RUnlock()
		if !ok {
			return nil, nil, types.Errorf(types.ErrUnknownMod, "relevant_mod %q is not loaded", e.RelevantMod)
		}
		return r.runProcessor(ctx, inst, e, class)
	}

	var response map[string]any
	for _, inst := range r.snapshot() {
		next, resp, err := r.runProcessor(ctx, inst, e, class)
		if err != nil {
			return nil, nil, err
		}
		if resp != nil {
			response = resp
		}
		if next == nil {
			return nil, response, nil
		}
		e = next
	}
	return e, response, nil
}

// runProcessor invokes one mod's processor for the event class, bounded by
// the per-mod timeout. Mod errors are logged and treated as pass-through
// unchanged, unless the mod is configured fail_closed, in which case the
// event is dropped.
func (r *Registry) runProcessor(ctx context.Context, inst *instance, e *types.Event, class types.Class) (*types.Event, map[string]any, error) {
	type result struct {
		e    *types.Event
		resp map[string]any
		err  error
	}

	var run func() result
	switch class {
	case types.ClassDirect:
		p, ok := inst.mod.(DirectProcessor)
		if !ok {
			return e, nil, nil
		}
		run = func() result {
			out, err := p.ProcessDirectMessage(ctx, e)
			return result{e: out, err: err}
		}
	case types.ClassBroadcast:
		p, ok := inst.mod.(BroadcastProcessor)
		if !ok {
			return e, nil, nil
		}
		run = func() result {
			out, err := p.ProcessBroadcastMessage(ctx, e)
			return result{e: out, err: err}
		}
	default:
		p, ok := inst.mod.(SystemProcessor)
		if !ok {
			return e, nil, nil
		}
		run = func() result {
			out, resp, err := p.ProcessSystemMessage(ctx, e)
			return result{e: out, resp: resp, err: err}
		}
	}

	done := make(chan result, 1)
	go func() { done <- run() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Error("mod processor error",
				zap.String("mod", inst.path),
				zap.String("event_id", e.EventID),
				zap.Error(res.err))
			if inst.failClosed {
				return nil, nil, nil
			}
			return e, nil, nil
		}
		return res.e, res.resp, nil
	case <-timer.C:
		r.logger.Error("mod processor timed out",
			zap.String("mod", inst.path),
			zap.String("event_id", e.EventID),
			zap.Duration("timeout", r.timeout))
		if inst.failClosed {
			return nil, nil, nil
		}
		return e, nil, nil
	}
}

// handleModManagement executes system.mod.load / system.mod.unload after an
// authorization check: in-process sources are trusted, agent sources need
// operator metadata on their group.
func (r *Registry) handleModManagement(e *types.Event) (map[string]any, error) {
	if !r.authorized(e) {
		return nil, types.Errorf(types.ErrForbidden, "%s may not manage mods", e.SourceID)
	}
	path := e.PayloadString("mod_path")
	if path == "" {
		return nil, types.NewError(types.ErrInvalidEvent, "mod_path is required")
	}
	switch e.EventName {
	case EventModLoad:
		config, _ := e.Payload["config"].(map[string]any)
		if err := r.Load(path, config); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "message": "mod loaded", "data": map[string]any{"mod_path": path}}, nil
	default:
		if err := r.Unload(path); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "message": "mod unloaded", "data": map[string]any{"mod_path": path}}, nil
	}
}

func (r *Registry) authorized(e *types.Event) bool {
	addr, err := types.ParseAddress(e.SourceID)
	if err != nil {
		return false
	}
	if addr.Kind == types.KindSystem || addr.Kind == types.KindMod {
		return true
	}
	if r.nc == nil {
		return false
	}
	meta := r.nc.GroupMetadata(e.SourceAgentGroup)
	if meta == nil {
		return false
	}
	if role, _ := meta["role"].(string); strings.EqualFold(role, "operator") {
		return true
	}
	admin, _ := meta["admin"].(bool)
	return admin
}

func (r *Registry) snapshot() []*instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*instance, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// emit publishes a registry lifecycle event; best-effort.
func (r *Registry) emit(name string, payload map[string]any) {
	if r.nc == nil {
		return
	}
	e := types.New(name, types.SystemSource)
	e.Payload = payload
	if err := r.nc.Submit(context.Background(), e); err != nil {
		r.logger.Warn("lifecycle event submit failed", zap.String("event", name), zap.Error(err))
	}
}

func boolConfig(config map[string]any, key string) bool {
	if config == nil {
		return false
	}
	v, _ := config[key].(bool)
	return v
}
