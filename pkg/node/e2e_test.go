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

package node

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openagents-org/openagents-go/pkg/client"
	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/transport/httppoll"
	"github.com/openagents-org/openagents-go/pkg/types"
)

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

// TestHTTPRoundTrip drives a full node through the real HTTP transport and
// the client connector: register, direct message, echo reply, unregister.
func TestHTTPRoundTrip(t *testing.T) {
	n := newTestNode(t, mods.ModConfig{Path: "echo"})
	srv := httppoll.NewServer(httppoll.Config{}, n, nil, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	alice, err := client.Connect(ctx, ts.URL, "alice", client.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer alice.Close(ctx)

	bob, err := client.Connect(ctx, ts.URL, "bob", client.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer bob.Close(ctx)

	assert.Equal(t, n.NetworkID(), alice.NetworkID())

	msg := types.New("agent.message", "")
	msg.DestinationID = "agent:bob"
	msg.SetPayload("text", "hi bob")
	_, err = alice.Send(ctx, msg)
	require.NoError(t, err)

	// Bob receives the message.
	select {
	case got := <-bob.Events():
		assert.Equal(t, "hi bob", got.PayloadString("text"))
		assert.Equal(t, "agent:alice", got.SourceID)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the message")
	}

	// Alice receives the echo reply.
	select {
	case got := <-alice.Events():
		assert.Equal(t, "mod:echo", got.SourceID)
		assert.Equal(t, "Echo from agent:bob: hi bob", got.PayloadString("text"))
	case <-time.After(3 * time.Second):
		t.Fatal("alice never received the echo reply")
	}

	// Duplicate identity over the wire conflicts.
	_, err = client.Connect(ctx, ts.URL, "alice", client.Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateAgent, types.KindOf(err))
}

// TestDiscoveryRoundTrip resolves a node by network id before connecting.
func TestDiscoveryRoundTrip(t *testing.T) {
	n := newTestNode(t)
	srv := httppoll.NewServer(httppoll.Config{}, n, nil, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	ctx := context.Background()
	sess, err := client.Connect(ctx, "openagents://"+n.NetworkID(), "probe", client.Options{
		DiscoveryHosts:    []string{host},
		DiscoveryPortFrom: port,
		DiscoveryPortTo:   port,
	})
	require.NoError(t, err)
	defer sess.Close(ctx)
	assert.Equal(t, n.NetworkID(), sess.NetworkID())
}
