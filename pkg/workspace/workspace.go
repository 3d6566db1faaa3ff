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

// Package workspace is the node's durable record: manifest, append-only
// JSONL event log with day rotation, agent register/unregister records,
// group membership snapshots, per-agent LLM call logs, and per-mod private
// subtrees. A restarted node rebuilds its in-memory tables from here.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// SchemaVersion is bumped when the on-disk layout changes incompatibly.
const SchemaVersion = 1

const (
	manifestFile = "manifest.json"
	agentsFile   = "agents.jsonl"
	groupsFile   = "groups.json"
	eventsDir    = "events"
	llmLogDir    = "logs/llm"
	modsDir      = "mods"
)

// Manifest identifies a workspace on disk.
type Manifest struct {
	NetworkName   string    `json:"network_name"`
	NetworkID     string    `json:"network_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Options tune the store.
type Options struct {
	// RetentionDays removes event day-files older than this many days.
	// Zero keeps everything.
	RetentionDays int
}

// Workspace is the single writer for everything under its root directory.
// Appends are serialized per file.
type Workspace struct {
	root     string
	manifest Manifest
	opts     Options
	logger   *zap.Logger

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex

	cron *cron.Cron
}

// Open prepares a workspace root. An empty directory gets a fresh manifest
// stamped with the network name and a new network id; an existing one is
// validated against the schema version. Validation failures are
// storage_unavailable: the caller exits with the storage error code.
func Open(root, networkName string, opts Options, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{root, filepath.Join(root, eventsDir), filepath.Join(root, llmLogDir), filepath.Join(root, modsDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, types.WrapError(types.ErrStorageUnavailable, err, "create workspace dirs")
		}
	}

	w := &Workspace{
		root:      root,
		opts:      opts,
		logger:    logger,
		fileLocks: make(map[string]*sync.Mutex),
	}

	manifestPath := filepath.Join(root, manifestFile)
	raw, err := os.ReadFile(manifestPath)
	switch {
	case os.IsNotExist(err):
		w.manifest = Manifest{
			NetworkName:   networkName,
			NetworkID:     "net-" + uuid.NewString(),
			SchemaVersion: SchemaVersion,
			CreatedAt:     time.Now().UTC(),
		}
		if err := w.writeJSON(manifestPath, w.manifest); err != nil {
			return nil, types.WrapError(types.ErrStorageUnavailable, err, "write manifest")
		}
		logger.Info("initialized workspace",
			zap.String("root", root), zap.String("network_id", w.manifest.NetworkID))
	case err != nil:
		return nil, types.WrapError(types.ErrStorageUnavailable, err, "read manifest")
	default:
		if err := json.Unmarshal(raw, &w.manifest); err != nil {
			return nil, types.WrapError(types.ErrStorageUnavailable, err, "parse manifest")
		}
		if w.manifest.SchemaVersion != SchemaVersion {
			return nil, types.Errorf(types.ErrStorageUnavailable,
				"workspace schema v%d, this build speaks v%d", w.manifest.SchemaVersion, SchemaVersion)
		}
		logger.Info("opened workspace",
			zap.String("root", root), zap.String("network_id", w.manifest.NetworkID))
	}
	return w, nil
}

// Manifest returns the workspace identity.
func (w *Workspace) Manifest() Manifest { return w.manifest }

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// ModStorageDir returns (creating if needed) a mod's private subtree. The
// core never looks inside it.
func (w *Workspace) ModStorageDir(modPath string) (string, error) {
	dir := filepath.Join(w.root, modsDir, sanitize(modPath))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", types.WrapError(types.ErrStorageUnavailable, err, "mod storage dir")
	}
	return dir, nil
}

// ModSubtrees lists the mod paths that own storage under mods/.
func (w *Workspace) ModSubtrees() []string {
	entries, err := os.ReadDir(filepath.Join(w.root, modsDir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

// StartHousekeeping schedules the nightly rotation sweep: gzip of previous
// day-files and retention enforcement, a minute past midnight UTC.
func (w *Workspace) StartHousekeeping() {
	w.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := w.cron.AddFunc("1 0 * * *", func() {
		if err := w.Housekeep(); err != nil {
			w.logger.Error("housekeeping failed", zap.Error(err))
		}
	})
	if err != nil {
		w.logger.Error("housekeeping schedule failed", zap.Error(err))
		return
	}
	w.cron.Start()
}

// Close stops background work. Appends are already synced per write.
func (w *Workspace) Close() error {
	if w.cron != nil {
		w.cron.Stop()
	}
	return nil
}

// appendLine writes one JSON record as a line to a file under the root,
// serialized per file, synced before close.
func (w *Workspace) appendLine(relPath string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	lock := w.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(w.root, relPath)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeJSON atomically replaces a JSON file.
func (w *Workspace) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (w *Workspace) lockFor(relPath string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.fileLocks[relPath]; ok {
		return l
	}
	l := &sync.Mutex{}
	w.fileLocks[relPath] = l
	return l
}

// sanitize keeps ids safe as path components.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
