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

package workspace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Agent log actions.
const (
	AgentActionRegister   = "register"
	AgentActionUnregister = "unregister"
)

// AgentLogRecord is one line of agents.jsonl.
type AgentLogRecord struct {
	Action    string         `json:"action"`
	AgentID   string         `json:"agent_id"`
	Transport string         `json:"transport,omitempty"`
	Group     string         `json:"group,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AppendAgentRecord logs a registration or departure.
func (w *Workspace) AppendAgentRecord(rec AgentLogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return w.appendLine(agentsFile, rec)
}

// RecoverAgents replays agents.jsonl: the registrations still standing at
// the end of the log, keyed by agent id. Secrets are never persisted, so
// recovered agents must re-register to obtain a new one; the record feeds
// the health payload and group bookkeeping.
func (w *Workspace) RecoverAgents() (map[string]AgentLogRecord, error) {
	f, err := os.Open(filepath.Join(w.root, agentsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AgentLogRecord{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]AgentLogRecord)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec AgentLogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // torn tail line
		}
		switch rec.Action {
		case AgentActionRegister:
			out[rec.AgentID] = rec
		case AgentActionUnregister:
			delete(out, rec.AgentID)
		}
	}
	return out, scanner.Err()
}

// WriteGroupsSnapshot replaces groups.json with the current membership.
func (w *Workspace) WriteGroupsSnapshot(membership map[string][]string) error {
	return w.writeJSON(filepath.Join(w.root, groupsFile), membership)
}

// ReadGroupsSnapshot loads the last membership snapshot, empty when none.
func (w *Workspace) ReadGroupsSnapshot() (map[string][]string, error) {
	raw, err := os.ReadFile(filepath.Join(w.root, groupsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, err
	}
	out := make(map[string][]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
