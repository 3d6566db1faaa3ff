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
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LLMLogEntry is one LLM call made by an external agent runner, reported
// to the node for audit. The node never calls a provider itself.
type LLMLogEntry struct {
	LogID        string    `json:"log_id"`
	AgentID      string    `json:"agent_id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Response     string    `json:"response,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
}

// LLMLogSummary is the list-view projection returned by the logs API.
type LLMLogSummary struct {
	LogID      string    `json:"log_id"`
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	HasError   bool      `json:"has_error"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Preview    string    `json:"preview,omitempty"`
}

// LLMLogFilter narrows a log query.
type LLMLogFilter struct {
	Limit    int
	Offset   int
	Model    string
	HasError *bool
	Search   string
}

const llmPreviewLen = 120

// AppendLLMLog records one call in the agent's log file, stamping LogID
// and Timestamp when absent.
func (w *Workspace) AppendLLMLog(agentID string, entry LLMLogEntry) (LLMLogEntry, error) {
	entry.AgentID = agentID
	if entry.LogID == "" {
		entry.LogID = "llm-" + uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	rel := filepath.Join(llmLogDir, sanitize(agentID)+".jsonl")
	return entry, w.appendLine(rel, entry)
}

// QueryLLMLogs returns filtered summaries plus the filtered total, newest
// first.
func (w *Workspace) QueryLLMLogs(agentID string, filter LLMLogFilter) (summaries []LLMLogSummary, total int, hasMore bool, err error) {
	entries, err := w.readLLMLogs(agentID)
	if err != nil {
		return nil, 0, false, err
	}

	var matched []LLMLogEntry
	for _, e := range entries {
		if filter.Model != "" && e.Model != filter.Model {
			continue
		}
		if filter.HasError != nil && (e.Error != "") != *filter.HasError {
			continue
		}
		if filter.Search != "" && !matchesSearch(e, filter.Search) {
			continue
		}
		matched = append(matched, e)
	}
	// Newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total = len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
		hasMore = true
	}
	hasMore = hasMore || filter.Offset+len(matched) < total

	summaries = make([]LLMLogSummary, len(matched))
	for i, e := range matched {
		preview := e.Prompt
		if len(preview) > llmPreviewLen {
			// Back off to a rune boundary so the cut never leaves a
			// partial UTF-8 sequence in the summary.
			cut := llmPreviewLen
			for cut > 0 && !utf8.RuneStart(preview[cut]) {
				cut--
			}
			preview = preview[:cut]
		}
		summaries[i] = LLMLogSummary{
			LogID:      e.LogID,
			Timestamp:  e.Timestamp,
			Model:      e.Model,
			HasError:   e.Error != "",
			DurationMs: e.DurationMs,
			Preview:    preview,
		}
	}
	return summaries, total, hasMore, nil
}

// GetLLMLog fetches one full entry by id, false when absent.
func (w *Workspace) GetLLMLog(agentID, logID string) (LLMLogEntry, bool, error) {
	entries, err := w.readLLMLogs(agentID)
	if err != nil {
		return LLMLogEntry{}, false, err
	}
	for _, e := range entries {
		if e.LogID == logID {
			return e, true, nil
		}
	}
	return LLMLogEntry{}, false, nil
}

func (w *Workspace) readLLMLogs(agentID string) ([]LLMLogEntry, error) {
	f, err := os.Open(filepath.Join(w.root, llmLogDir, sanitize(agentID)+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []LLMLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e LLMLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func matchesSearch(e LLMLogEntry, needle string) bool {
	needle = strings.ToLower(needle)
	return strings.Contains(strings.ToLower(e.Prompt), needle) ||
		strings.Contains(strings.ToLower(e.Response), needle) ||
		strings.Contains(strings.ToLower(e.Error), needle)
}
