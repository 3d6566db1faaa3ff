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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModConfig is one entry of the config file's mods list.
type ModConfig struct {
	Path   string         `yaml:"path" mapstructure:"path"`
	Config map[string]any `yaml:"config" mapstructure:"config"`
}

// modListFile is the slice of the network config the watcher cares about.
type modListFile struct {
	Mods []ModConfig `yaml:"mods"`
}

// WatchConfig hot-reloads the mod list when the network config file
// changes: newly listed mods are loaded, delisted mods are unloaded, in
// list order. The watch runs until ctx is cancelled. Editors replace files
// rather than write in place, so the parent directory is watched.
func (r *Registry) WatchConfig(ctx context.Context, configPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(configPath)
	r.logger.Info("watching config for mod-list changes", zap.String("path", configPath))

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire several events per save; coalesce them.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := r.reloadModList(configPath); err != nil {
						r.logger.Error("mod-list reload failed", zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// reloadModList diffs the file's mods list against the loaded set.
func (r *Registry) reloadModList(configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var file modListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	wanted := make(map[string]ModConfig, len(file.Mods))
	for _, mc := range file.Mods {
		if mc.Path != "" {
			wanted[mc.Path] = mc
		}
	}

	for _, info := range r.Loaded() {
		if _, keep := wanted[info.Path]; !keep {
			if err := r.Unload(info.Path); err != nil {
				r.logger.Warn("hot unload failed", zap.String("path", info.Path), zap.Error(err))
			}
		}
	}
	loaded := make(map[string]bool)
	for _, info := range r.Loaded() {
		loaded[info.Path] = true
	}
	for _, mc := range file.Mods {
		if mc.Path == "" || loaded[mc.Path] {
			continue
		}
		if err := r.Load(mc.Path, mc.Config); err != nil {
			r.logger.Warn("hot load failed", zap.String("path", mc.Path), zap.Error(err))
		}
	}
	return nil
}
