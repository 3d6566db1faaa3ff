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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openagents-org/openagents-go/pkg/types"
)

func open(t *testing.T, root string) *Workspace {
	t.Helper()
	w, err := Open(root, "testnet", Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestOpenWritesAndReusesManifest(t *testing.T) {
	root := t.TempDir()
	w := open(t, root)
	first := w.Manifest()
	assert.Equal(t, "testnet", first.NetworkName)
	assert.NotEmpty(t, first.NetworkID)
	assert.Equal(t, SchemaVersion, first.SchemaVersion)

	// Reopening keeps the identity.
	again := open(t, root)
	assert.Equal(t, first.NetworkID, again.Manifest().NetworkID)
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	root := t.TempDir()
	w := open(t, root)
	m := w.Manifest()
	m.SchemaVersion = SchemaVersion + 1
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), raw, 0o640))

	_, err = Open(root, "testnet", Options{}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrStorageUnavailable, types.KindOf(err))
}

func TestEventLogAppendAndReplay(t *testing.T) {
	w := open(t, t.TempDir())

	for _, text := range []string{"one", "two", "three"} {
		e := types.New("agent.message", "agent:a")
		e.DestinationID = "agent:b"
		e.SetPayload("text", text)
		require.NoError(t, w.AppendEvent(e))
	}

	events, err := w.EventsBetween(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].PayloadString("text"))
	assert.Equal(t, "three", events[2].PayloadString("text"))
}

func TestHousekeepCompressesClosedDays(t *testing.T) {
	root := t.TempDir()
	w := open(t, root)

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	e := types.New("agent.message", "agent:a")
	e.DestinationID = "agent:b"
	e.Timestamp = yesterday
	e.SetPayload("text", "old news")
	require.NoError(t, w.AppendEvent(e))

	today := types.New("agent.message", "agent:a")
	today.DestinationID = "agent:b"
	today.SetPayload("text", "fresh")
	require.NoError(t, w.AppendEvent(today))

	require.NoError(t, w.Housekeep())

	dayName := yesterday.Format("2006-01-02")
	_, err := os.Stat(filepath.Join(root, "events", dayName+".jsonl"))
	assert.True(t, os.IsNotExist(err), "closed day must be compressed away")
	_, err = os.Stat(filepath.Join(root, "events", dayName+".jsonl.gz"))
	require.NoError(t, err)

	// Replay still sees both days, reading through the gzip.
	events, err := w.EventsBetween(yesterday.Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "old news", events[0].PayloadString("text"))
}

func TestRetentionRemovesExpiredDays(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, "testnet", Options{RetentionDays: 7}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	old := types.New("agent.message", "agent:a")
	old.DestinationID = "agent:b"
	old.Timestamp = time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, w.AppendEvent(old))

	require.NoError(t, w.Housekeep())

	entries, err := os.ReadDir(filepath.Join(root, "events"))
	require.NoError(t, err)
	assert.Empty(t, entries, "expired day files are removed")
}

func TestAgentRecoveryReplay(t *testing.T) {
	root := t.TempDir()
	w := open(t, root)

	require.NoError(t, w.AppendAgentRecord(AgentLogRecord{Action: AgentActionRegister, AgentID: "a", Group: "guests", Transport: "http"}))
	require.NoError(t, w.AppendAgentRecord(AgentLogRecord{Action: AgentActionRegister, AgentID: "b", Group: "admin", Transport: "grpc"}))
	require.NoError(t, w.AppendAgentRecord(AgentLogRecord{Action: AgentActionUnregister, AgentID: "a"}))

	recovered, err := w.RecoverAgents()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "admin", recovered["b"].Group)

	// A reopened workspace sees the same state.
	again := open(t, root)
	recovered, err = again.RecoverAgents()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	_, ok := recovered["b"]
	assert.True(t, ok)
}

func TestGroupsSnapshotRoundTrip(t *testing.T) {
	w := open(t, t.TempDir())

	membership := map[string][]string{"admin": {"m"}, "guests": {"a", "b"}}
	require.NoError(t, w.WriteGroupsSnapshot(membership))

	got, err := w.ReadGroupsSnapshot()
	require.NoError(t, err)
	assert.Equal(t, membership, got)
}

func TestModStorageDirIsolation(t *testing.T) {
	w := open(t, t.TempDir())

	dir, err := w.ModStorageDir("messaging")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.db"), []byte("x"), 0o640))

	other, err := w.ModStorageDir("project")
	require.NoError(t, err)
	assert.NotEqual(t, dir, other)

	assert.ElementsMatch(t, []string{"messaging", "project"}, w.ModSubtrees())
}

func TestLLMLogAppendAndQuery(t *testing.T) {
	w := open(t, t.TempDir())

	boolPtr := func(b bool) *bool { return &b }
	models := []string{"sonnet", "haiku", "sonnet"}
	for i, model := range models {
		entry := LLMLogEntry{Model: model, Prompt: "ask something", DurationMs: int64(i + 1)}
		if i == 1 {
			entry.Error = "rate limited"
		}
		_, err := w.AppendLLMLog("svc-1", entry)
		require.NoError(t, err)
	}

	// Unfiltered, newest first.
	summaries, total, hasMore, err := w.QueryLLMLogs("svc-1", LLMLogFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.False(t, hasMore)
	require.Len(t, summaries, 3)
	assert.Equal(t, int64(3), summaries[0].DurationMs)

	// Model filter.
	summaries, total, _, err = w.QueryLLMLogs("svc-1", LLMLogFilter{Model: "haiku"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].HasError)

	// Error filter.
	_, total, _, err = w.QueryLLMLogs("svc-1", LLMLogFilter{HasError: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// Search.
	_, total, _, err = w.QueryLLMLogs("svc-1", LLMLogFilter{Search: "rate limited"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Pagination.
	summaries, total, hasMore, err = w.QueryLLMLogs("svc-1", LLMLogFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.True(t, hasMore)
	assert.Len(t, summaries, 2)

	// Full entry fetch.
	entry, found, err := w.GetLLMLog("svc-1", summaries[0].LogID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ask something", entry.Prompt)

	_, found, err = w.GetLLMLog("svc-1", "llm-missing")
	require.NoError(t, err)
	assert.False(t, found)

	// Unknown agent has an empty log.
	_, total, _, err = w.QueryLLMLogs("nobody", LLMLogFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestLLMLogPreviewKeepsRunesIntact(t *testing.T) {
	w := open(t, t.TempDir())

	// 119 ASCII bytes followed by a 3-byte rune straddling the cut.
	prompt := strings.Repeat("a", llmPreviewLen-1) + "日本語"
	_, err := w.AppendLLMLog("svc-1", LLMLogEntry{Model: "sonnet", Prompt: prompt})
	require.NoError(t, err)

	summaries, _, _, err := w.QueryLLMLogs("svc-1", LLMLogFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, utf8.ValidString(summaries[0].Preview))
	assert.Equal(t, strings.Repeat("a", llmPreviewLen-1), summaries[0].Preview)
}
