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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// fakeAuth accepts a fixed secret per agent.
type fakeAuth struct {
	secrets map[string]string
	groups  map[string]string
}

func (f *fakeAuth) Validate(sourceID, secret string) bool {
	id := types.AgentIDOf(sourceID)
	if id == "" {
		return true // system/mod sources
	}
	want, ok := f.secrets[id]
	return ok && want == secret
}

func (f *fakeAuth) GroupOf(agentID string) string { return f.groups[agentID] }

// recordingPipeline records the events it sees and can mutate or drop them.
type recordingPipeline struct {
	mu   sync.Mutex
	seen []string
	fn   func(e *types.Event) *types.Event
}

func (p *recordingPipeline) Process(_ context.Context, e *types.Event, _ types.Class) (*types.Event, map[string]any, error) {
	p.mu.Lock()
	p.seen = append(p.seen, e.EventID)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(e), nil, nil
	}
	return e, nil, nil
}

// memStore collects persisted events; failing toggles storage errors.
type memStore struct {
	mu      sync.Mutex
	events  []*types.Event
	failing bool
}

func (s *memStore) AppendEvent(e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventName
	}
	return out
}

func testGateway(t *testing.T, pipeline Pipeline, store Store) (*Gateway, *fakeAuth) {
	t.Helper()
	auth := &fakeAuth{
		secrets: map[string]string{"a": "sa", "b": "sb", "c": "sc"},
		groups:  map[string]string{"a": "guests", "b": "guests", "c": "guests"},
	}
	g := New(auth, pipeline, store, zaptest.NewLogger(t), Options{})
	for id := range auth.secrets {
		g.AddAgent(id)
	}
	return g, auth
}

func direct(from, to, secret, text string) *types.Event {
	e := types.New("agent.message", types.AgentAddress(from))
	e.DestinationID = types.AgentAddress(to)
	e.Secret = secret
	e.SetPayload("text", text)
	return e
}

func TestSubmitRejectsBadSecretBeforeChain(t *testing.T) {
	pipeline := &recordingPipeline{}
	store := &memStore{}
	g, _ := testGateway(t, pipeline, store)

	_, err := g.Submit(context.Background(), direct("a", "b", "BOGUS", "hi"))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(err))

	// No mod saw it, nothing was stored, nothing was delivered.
	assert.Empty(t, pipeline.seen)
	assert.Empty(t, store.events)
	events, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSubmitStampsGroupAndStripsSecret(t *testing.T) {
	store := &memStore{}
	g, _ := testGateway(t, nil, store)

	e := direct("a", "b", "sa", "hi")
	e.SourceAgentGroup = "admin" // claimed on the wire, must be overwritten
	_, err := g.Submit(context.Background(), e)
	require.NoError(t, err)

	events, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "guests", events[0].SourceAgentGroup)
	assert.Empty(t, events[0].Secret)
	require.Len(t, store.events, 1)
	assert.Empty(t, store.events[0].Secret)
}

func TestDirectDelivery(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	res, err := g.Submit(context.Background(), direct("a", "b", "sa", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)

	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].PayloadString("text"))

	// Nobody else saw it.
	got, err = g.Poll(context.Background(), "c", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectToUnknownAgent(t *testing.T) {
	store := &memStore{}
	g, _ := testGateway(t, nil, store)

	_, err := g.Submit(context.Background(), direct("a", "ghost", "sa", "hi"))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownAgent, types.KindOf(err))
	assert.Empty(t, store.events)
}

func TestBroadcastExcludesSource(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	e := types.New("agent.broadcast_message.ping", types.AgentAddress("a"))
	e.DestinationID = types.BroadcastDestination
	e.Secret = "sa"
	_, err := g.Submit(context.Background(), e)
	require.NoError(t, err)

	for _, id := range []string{"b", "c"} {
		got, err := g.Poll(context.Background(), id, 10, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1, "agent %s", id)
	}
	got, err := g.Poll(context.Background(), "a", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got, "broadcast must not echo to the source")
}

func TestPerSourceFIFO(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	const n = 50
	for i := 0; i < n; i++ {
		e := direct("a", "b", "sa", fmt.Sprintf("m%03d", i))
		_, err := g.Submit(context.Background(), e)
		require.NoError(t, err)
	}

	var texts []string
	for {
		got, err := g.Poll(context.Background(), "b", 10, 0)
		require.NoError(t, err)
		if len(got) == 0 {
			break
		}
		for _, e := range got {
			texts = append(texts, e.PayloadString("text"))
		}
	}
	require.Len(t, texts, n)
	for i, text := range texts {
		assert.Equal(t, fmt.Sprintf("m%03d", i), text)
	}
}

func TestChainDropStopsDelivery(t *testing.T) {
	pipeline := &recordingPipeline{fn: func(e *types.Event) *types.Event { return nil }}
	store := &memStore{}
	g, _ := testGateway(t, pipeline, store)

	res, err := g.Submit(context.Background(), direct("a", "b", "sa", "hi"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)

	assert.Empty(t, store.events)
	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChainMutationReachesRecipient(t *testing.T) {
	pipeline := &recordingPipeline{fn: func(e *types.Event) *types.Event {
		out := e.Clone()
		out.SetPayload("text", e.PayloadString("text")+" [seen]")
		return out
	}}
	g, _ := testGateway(t, pipeline, &memStore{})

	_, err := g.Submit(context.Background(), direct("a", "b", "sa", "hi"))
	require.NoError(t, err)

	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi [seen]", got[0].PayloadString("text"))
}

func TestPersistFailureFailsSubmit(t *testing.T) {
	store := &memStore{failing: true}
	g, _ := testGateway(t, nil, store)

	_, err := g.Submit(context.Background(), direct("a", "b", "sa", "hi"))
	require.Error(t, err)
	assert.Equal(t, types.ErrStorageUnavailable, types.KindOf(err))

	// Not delivered either: no ack without durability.
	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEphemeralSkipsPersistence(t *testing.T) {
	store := &memStore{}
	g, _ := testGateway(t, nil, store)

	e := direct("a", "b", "sa", "tick")
	e.Ephemeral = true
	_, err := g.Submit(context.Background(), e)
	require.NoError(t, err)

	assert.Empty(t, store.events)
	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestChannelFanOutAndCreatedEvent(t *testing.T) {
	store := &memStore{}
	g, _ := testGateway(t, nil, store)

	g.Subscribe("b", []string{"channel:general"}, "")
	g.Subscribe("c", []string{"thread.channel.*"}, "")

	post := types.New("thread.channel.post", types.AgentAddress("a"))
	post.DestinationID = types.ChannelAddress("general")
	post.Secret = "sa"
	post.SetPayload("channel", "general")
	post.SetPayload("text", "first!")
	_, err := g.Submit(context.Background(), post)
	require.NoError(t, err)

	// Both subscribers got the post; the channel pattern subscriber also
	// saw channel.created.
	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "channel.created", got[0].EventName)
	assert.Equal(t, "thread.channel.post", got[1].EventName)

	got, err = g.Poll(context.Background(), "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "thread.channel.post", got[0].EventName)

	assert.Equal(t, []string{"channel.created", "thread.channel.post"}, store.names())

	// Second post does not re-emit channel.created.
	second := post.Clone()
	second.EventID = ""
	second.Secret = "sa"
	_, err = g.Submit(context.Background(), second)
	require.NoError(t, err)
	got, err = g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "thread.channel.post", got[0].EventName)
}

func TestSystemEventWithoutDestinationIsDiscarded(t *testing.T) {
	store := &memStore{}
	pipeline := &recordingPipeline{}
	g, _ := testGateway(t, pipeline, store)

	e := types.New("system.health.check", types.SystemSource)
	_, err := g.Submit(context.Background(), e)
	require.NoError(t, err)

	assert.Len(t, pipeline.seen, 1, "chain still runs for side effects")
	assert.Empty(t, store.events)
	for _, id := range []string{"a", "b", "c"} {
		got, err := g.Poll(context.Background(), id, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestSystemNotificationToAgent(t *testing.T) {
	store := &memStore{}
	g, _ := testGateway(t, nil, store)

	e := types.New("system.register_agent", types.SystemSource)
	e.DestinationID = types.AgentAddress("b")
	_, err := g.Submit(context.Background(), e)
	require.NoError(t, err)

	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, store.events, 1)
}

func TestPollBlocksUntilSubmit(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	done := make(chan []*types.Event, 1)
	go func() {
		got, _ := g.Poll(context.Background(), "b", 10, 2*time.Second)
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := g.Submit(context.Background(), direct("a", "b", "sa", "wake"))
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Len(t, got, 1)
		assert.Equal(t, "wake", got[0].PayloadString("text"))
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on submit")
	}
}

func TestPollHonorsContextCancel(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = g.Poll(ctx, "b", 10, 10*time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not release on cancel")
	}
}

func TestPollQueueDropsOldestBeyondCap(t *testing.T) {
	auth := &fakeAuth{secrets: map[string]string{"a": "sa", "b": "sb"}, groups: map[string]string{}}
	g := New(auth, nil, nil, zaptest.NewLogger(t), Options{PollQueueCap: 3})
	g.AddAgent("a")
	g.AddAgent("b")

	for i := 0; i < 5; i++ {
		_, err := g.Submit(context.Background(), direct("a", "b", "sa", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	got, err := g.Poll(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].PayloadString("text"))
	assert.Equal(t, "m4", got[2].PayloadString("text"))
}

func TestPushHandlerDelivery(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})

	var mu sync.Mutex
	var pushed []string
	g.RegisterPushHandler("b", func(e *types.Event) error {
		mu.Lock()
		pushed = append(pushed, e.PayloadString("text"))
		mu.Unlock()
		return nil
	})

	_, err := g.Submit(context.Background(), direct("a", "b", "sa", "pushed"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pushed"}, pushed)
}

func TestPushFailureDropsAgent(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})
	g.RegisterPushHandler("b", func(e *types.Event) error { return errors.New("conn reset") })

	_, err := g.Submit(context.Background(), direct("a", "b", "sa", "x"))
	require.NoError(t, err, "per-recipient failure must not fail the submit")

	require.Eventually(t, func() bool {
		_, err := g.Poll(context.Background(), "b", 1, 0)
		return types.KindOf(err) == types.ErrUnknownAgent
	}, time.Second, 10*time.Millisecond)
}

func TestDropAgentFreesSubscriptions(t *testing.T) {
	g, _ := testGateway(t, nil, &memStore{})
	g.Subscribe("b", []string{"*"}, "")
	g.DropAgent("b")
	g.DropAgent("b") // idempotent

	_, err := g.Submit(context.Background(), direct("a", "c", "sa", "hi"))
	require.NoError(t, err)
	_, err = g.Poll(context.Background(), "b", 1, 0)
	assert.Equal(t, types.ErrUnknownAgent, types.KindOf(err))
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything.at.all", true},
		{"agent.message", "agent.message", true},
		{"agent.message", "agent.message.extra", false},
		{"agent.direct_message.*", "agent.direct_message.text", true},
		{"agent.direct_message.*", "agent.direct_message.a.b", true},
		{"agent.direct_message.*", "agent.direct_message.", false},
		{"agent.direct_message.*", "agent.direct_message", false},
		{"thread.*", "project.start", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.name), "%s vs %s", tc.pattern, tc.name)
	}
}
