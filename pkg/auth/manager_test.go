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

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openagents-org/openagents-go/pkg/types"
)

func testConfig() Config {
	return Config{
		Groups: []Group{
			{Name: "admin", PasswordHash: HashPassword("hunter2"), Metadata: map[string]any{"role": "operator"}},
			{Name: "guests", Description: "default group"},
		},
		DefaultGroup: "guests",
	}
}

func TestRegisterAssignsGroupByHash(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))

	rec, err := m.Register(RegisterRequest{AgentID: "ops-1", Transport: "http", PasswordHash: HashPassword("hunter2")})
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Group)
	assert.Len(t, rec.Secret, 64)
}

func TestRegisterFallsBackToDefaultGroup(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))

	rec, err := m.Register(RegisterRequest{AgentID: "guest-1", Transport: "http"})
	require.NoError(t, err)
	assert.Equal(t, "guests", rec.Group)

	// Wrong hash also lands in the default group when passwords are optional.
	rec, err = m.Register(RegisterRequest{AgentID: "guest-2", Transport: "http", PasswordHash: HashPassword("wrong")})
	require.NoError(t, err)
	assert.Equal(t, "guests", rec.Group)
}

func TestRegisterRequiresPassword(t *testing.T) {
	cfg := testConfig()
	cfg.RequiresPassword = true
	m := NewManager(cfg, zaptest.NewLogger(t))

	_, err := m.Register(RegisterRequest{AgentID: "anon", Transport: "http"})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthenticationRequired, types.KindOf(err))

	rec, err := m.Register(RegisterRequest{AgentID: "ops-1", Transport: "http", PasswordHash: HashPassword("hunter2")})
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Group)
}

func TestRegisterDuplicateAndForceReconnect(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	var evicted []string
	m.SetEvictionHandler(func(rec *AgentRecord) { evicted = append(evicted, rec.AgentID) })

	first, err := m.Register(RegisterRequest{AgentID: "a", Transport: "grpc"})
	require.NoError(t, err)

	_, err = m.Register(RegisterRequest{AgentID: "a", Transport: "grpc"})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateAgent, types.KindOf(err))

	second, err := m.Register(RegisterRequest{AgentID: "a", Transport: "http", ForceReconnect: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)
	assert.Equal(t, []string{"a"}, evicted)

	// The old secret is dead after eviction.
	assert.False(t, m.Validate("agent:a", first.Secret))
	assert.True(t, m.Validate("agent:a", second.Secret))
}

func TestValidate(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	rec, err := m.Register(RegisterRequest{AgentID: "a", Transport: "http"})
	require.NoError(t, err)

	assert.True(t, m.Validate("agent:a", rec.Secret))
	assert.False(t, m.Validate("agent:a", "BOGUS"))
	assert.False(t, m.Validate("agent:a", ""))
	assert.False(t, m.Validate("agent:nobody", rec.Secret))

	// In-process sources bypass the secret check.
	assert.True(t, m.Validate(types.SystemSource, ""))
	assert.True(t, m.Validate("mod:echo", ""))
}

func TestUnregisterNeedsOwnSecret(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	a, err := m.Register(RegisterRequest{AgentID: "a", Transport: "http"})
	require.NoError(t, err)
	b, err := m.Register(RegisterRequest{AgentID: "b", Transport: "http"})
	require.NoError(t, err)

	err = m.Unregister("a", b.Secret)
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(err))
	_, ok := m.Agent("a")
	assert.True(t, ok)

	require.NoError(t, m.Unregister("a", a.Secret))
	_, ok = m.Agent("a")
	assert.False(t, ok)
}

func TestMembershipSnapshot(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	_, err := m.Register(RegisterRequest{AgentID: "ops-1", PasswordHash: HashPassword("hunter2")})
	require.NoError(t, err)
	_, err = m.Register(RegisterRequest{AgentID: "g-1"})
	require.NoError(t, err)
	_, err = m.Register(RegisterRequest{AgentID: "g-2"})
	require.NoError(t, err)

	members := m.Membership()
	assert.Equal(t, []string{"ops-1"}, members["admin"])
	assert.Equal(t, []string{"g-1", "g-2"}, members["guests"])

	for _, rec := range m.Snapshot() {
		assert.Empty(t, rec.Secret)
	}
}
