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
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// fakeNetwork satisfies NetworkContext for registry tests.
type fakeNetwork struct {
	mu        sync.Mutex
	submitted []*types.Event
	dir       string
	groups    map[string]map[string]any
}

func (f *fakeNetwork) Submit(_ context.Context, e *types.Event) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeNetwork) AgentIDs() []string { return nil }

func (f *fakeNetwork) GroupMetadata(group string) map[string]any { return f.groups[group] }

func (f *fakeNetwork) ModStorageDir(modPath string) (string, error) {
	return filepath.Join(f.dir, modPath), nil
}

func (f *fakeNetwork) NetworkName() string { return "testnet" }
func (f *fakeNetwork) NetworkID() string   { return "net-test" }

func (f *fakeNetwork) submittedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	for i, e := range f.submitted {
		out[i] = e.EventName
	}
	return out
}

// stubMod records invocations; behavior is adjusted per test.
type stubMod struct {
	name     string
	mu       sync.Mutex
	seen     []string
	direct   func(e *types.Event) (*types.Event, error)
	system   func(e *types.Event) (*types.Event, map[string]any, error)
	initErr  error
	shutdown bool
	block    chan struct{} // when set, ProcessDirectMessage blocks on it
}

func (s *stubMod) Name() string                { return s.name }
func (s *stubMod) Initialize(mc Context) error { return s.initErr }
func (s *stubMod) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return nil
}

func (s *stubMod) ProcessDirectMessage(_ context.Context, e *types.Event) (*types.Event, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.seen = append(s.seen, e.EventID)
	s.mu.Unlock()
	if s.direct != nil {
		return s.direct(e)
	}
	return e, nil
}

func (s *stubMod) ProcessSystemMessage(_ context.Context, e *types.Event) (*types.Event, map[string]any, error) {
	s.mu.Lock()
	s.seen = append(s.seen, e.EventID)
	s.mu.Unlock()
	if s.system != nil {
		return s.system(e)
	}
	return e, nil, nil
}

func (s *stubMod) sawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func newTestRegistry(t *testing.T, timeout time.Duration) (*Registry, *fakeNetwork) {
	t.Helper()
	nc := &fakeNetwork{
		dir: t.TempDir(),
		groups: map[string]map[string]any{
			"admin":  {"role": "operator"},
			"guests": {},
		},
	}
	return NewRegistry(nc, zaptest.NewLogger(t), timeout), nc
}

func registerStub(t *testing.T, name string) *stubMod {
	t.Helper()
	mod := &stubMod{name: name}
	RegisterFactory(name, func() Mod { return mod })
	return mod
}

func directEvent(name string) *types.Event {
	e := types.New(name, "agent:a")
	e.DestinationID = "agent:b"
	e.SourceAgentGroup = "guests"
	return e
}

func TestLoadUnloadLifecycle(t *testing.T) {
	r, nc := newTestRegistry(t, 0)
	mod := registerStub(t, "lifecycle.mod")

	require.NoError(t, r.Load("lifecycle.mod", nil))
	infos := r.Loaded()
	require.Len(t, infos, 1)
	assert.Equal(t, "lifecycle.mod", infos[0].Path)

	// Duplicate load is rejected.
	err := r.Load("lifecycle.mod", nil)
	assert.Equal(t, types.ErrModLoadFailed, types.KindOf(err))

	require.NoError(t, r.Unload("lifecycle.mod"))
	assert.True(t, mod.shutdown)
	assert.Empty(t, r.Loaded())
	assert.Equal(t, []string{EventModLoaded, EventModUnloaded}, nc.submittedNames())

	err = r.Unload("lifecycle.mod")
	assert.Equal(t, types.ErrUnknownMod, types.KindOf(err))
}

func TestLoadUnknownPath(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	err := r.Load("no.such.mod", nil)
	assert.Equal(t, types.ErrUnknownMod, types.KindOf(err))
}

func TestLoadInitializeFailure(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	mod := &stubMod{name: "broken.mod", initErr: errors.New("bad config")}
	RegisterFactory("broken.mod", func() Mod { return mod })

	err := r.Load("broken.mod", nil)
	assert.Equal(t, types.ErrModLoadFailed, types.KindOf(err))
	assert.Empty(t, r.Loaded())
}

func TestChainOrderAndStop(t *testing.T) {
	r, _ := newTestRegistry(t, 0)

	var order []string
	mk := func(name string, drop bool) {
		RegisterFactory(name, func() Mod {
			return &stubMod{name: name, direct: func(e *types.Event) (*types.Event, error) {
				order = append(order, name)
				if drop {
					return nil, nil
				}
				return e, nil
			}}
		})
		require.NoError(t, r.Load(name, nil))
	}
	mk("chain.first", false)
	mk("chain.second", true)
	mk("chain.third", false)

	out, _, err := r.Process(context.Background(), directEvent("agent.message"), types.ClassDirect)
	require.NoError(t, err)
	assert.Nil(t, out, "dropped by second mod")
	assert.Equal(t, []string{"chain.first", "chain.second"}, order, "third mod must not run")
}

func TestProcessorErrorIsPassThrough(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	RegisterFactory("flaky.mod", func() Mod {
		return &stubMod{name: "flaky.mod", direct: func(e *types.Event) (*types.Event, error) {
			return nil, errors.New("boom")
		}}
	})
	require.NoError(t, r.Load("flaky.mod", nil))

	in := directEvent("agent.message")
	out, _, err := r.Process(context.Background(), in, types.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, in, out, "error passes the event through unchanged")
}

func TestProcessorErrorFailClosed(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	RegisterFactory("strict.mod", func() Mod {
		return &stubMod{name: "strict.mod", direct: func(e *types.Event) (*types.Event, error) {
			return nil, errors.New("boom")
		}}
	})
	require.NoError(t, r.Load("strict.mod", map[string]any{"fail_closed": true}))

	out, _, err := r.Process(context.Background(), directEvent("agent.message"), types.ClassDirect)
	require.NoError(t, err)
	assert.Nil(t, out, "fail_closed mod errors drop the event")
}

func TestProcessorTimeout(t *testing.T) {
	r, _ := newTestRegistry(t, 50*time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	RegisterFactory("stuck.mod", func() Mod { return &stubMod{name: "stuck.mod", block: block} })
	require.NoError(t, r.Load("stuck.mod", nil))

	in := directEvent("agent.message")
	start := time.Now()
	out, _, err := r.Process(context.Background(), in, types.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, in, out, "timeout is pass-through")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRelevantModPinning(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	first := registerStub(t, "pin.first")
	second := registerStub(t, "pin.second")
	require.NoError(t, r.Load("pin.first", nil))
	require.NoError(t, r.Load("pin.second", nil))

	e := directEvent("agent.message")
	e.RelevantMod = "pin.second"
	_, _, err := r.Process(context.Background(), e, types.ClassDirect)
	require.NoError(t, err)
	assert.Zero(t, first.sawCount())
	assert.Equal(t, 1, second.sawCount())

	e.RelevantMod = "pin.missing"
	_, _, err = r.Process(context.Background(), e, types.ClassDirect)
	assert.Equal(t, types.ErrUnknownMod, types.KindOf(err))
}

func TestModManagementEvents(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	registerStub(t, "managed.mod")

	load := types.New(EventModLoad, types.SystemSource)
	load.SetPayload("mod_path", "managed.mod")
	out, resp, err := r.Process(context.Background(), load, types.ClassSystem)
	require.NoError(t, err)
	assert.Nil(t, out, "management events are consumed")
	assert.Equal(t, true, resp["success"])
	assert.Len(t, r.Loaded(), 1)

	unload := types.New(EventModUnload, types.SystemSource)
	unload.SetPayload("mod_path", "managed.mod")
	_, resp, err = r.Process(context.Background(), unload, types.ClassSystem)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Empty(t, r.Loaded())
}

func TestModManagementAuthorization(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	registerStub(t, "gated.mod")

	load := types.New(EventModLoad, "agent:u")
	load.SourceAgentGroup = "guests"
	load.SetPayload("mod_path", "gated.mod")
	_, _, err := r.Process(context.Background(), load, types.ClassSystem)
	assert.Equal(t, types.ErrForbidden, types.KindOf(err))

	load.SourceAgentGroup = "admin"
	_, resp, err := r.Process(context.Background(), load, types.ClassSystem)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
}

func TestPipelineSnapshotDuringSwap(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	block := make(chan struct{})
	slow := &stubMod{name: "swap.slow", block: block}
	RegisterFactory("swap.slow", func() Mod { return slow })
	late := registerStub(t, "swap.late")
	require.NoError(t, r.Load("swap.slow", nil))

	// First event takes its snapshot before swap.late is loaded, so the
	// new mod must not see it.
	first := directEvent("agent.message")
	done := make(chan struct{})
	go func() {
		_, _, _ = r.Process(context.Background(), first, types.ClassDirect)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Load("swap.late", nil))
	close(block)
	<-done
	assert.Zero(t, late.sawCount())

	// The second event observes the expanded pipeline.
	_, _, err := r.Process(context.Background(), directEvent("agent.message"), types.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, late.sawCount())
}
