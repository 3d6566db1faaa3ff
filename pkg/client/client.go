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

// Package client connects agents to a network node. The target scheme
// picks the transport: grpc:// and grpcs:// open a stream session,
// http:// and https:// poll, and openagents://<network-id> discovers a
// local node by sweeping ports and matching the network id.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// Session is a live connection to a network, registered as one agent.
type Session interface {
	// AgentID returns the registered identity.
	AgentID() string
	// Group returns the agent group the node admitted us into.
	Group() string
	// NetworkName and NetworkID identify the node we joined.
	NetworkName() string
	NetworkID() string

	// Send submits one event and returns its response data, if any.
	Send(ctx context.Context, e *types.Event) (map[string]any, error)
	// Events yields delivered events. The channel closes when the
	// session ends.
	Events() <-chan *types.Event
	// Close unregisters the agent and releases the connection.
	Close(ctx context.Context) error
}

// Options tune a connection attempt.
type Options struct {
	// Metadata is attached to the registration.
	Metadata map[string]any
	// Password is hashed client-side before it goes on the wire.
	Password string
	// ForceReconnect evicts a stale registration under the same id.
	ForceReconnect bool

	// TLSConfig overrides certificate verification for grpcs/https
	// targets (self-signed development nodes set InsecureSkipVerify).
	TLSConfig *tls.Config

	// HTTPClient overrides the poll transport's client.
	HTTPClient *http.Client

	// Discovery sweep bounds for openagents:// targets.
	DiscoveryHosts    []string
	DiscoveryPortFrom int
	DiscoveryPortTo   int

	// PollInterval paces the HTTP delivery loop between long polls.
	PollInterval time.Duration
}

func (o Options) passwordHash() string {
	if o.Password == "" {
		return ""
	}
	return auth.HashPassword(o.Password)
}

func (o Options) registerRequest(agentID string) map[string]any {
	body := map[string]any{"agent_id": agentID}
	if len(o.Metadata) > 0 {
		body["metadata"] = o.Metadata
	}
	if h := o.passwordHash(); h != "" {
		body["password_hash"] = h
	}
	if o.ForceReconnect {
		body["force_reconnect"] = true
	}
	return body
}

// Connect joins the network at target as agentID and returns a live
// session.
func Connect(ctx context.Context, target, agentID string, opts Options) (Session, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	switch u.Scheme {
	case "grpc":
		return connectStream(ctx, u.Host, agentID, opts, nil)
	case "grpcs":
		tlsConf := opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return connectStream(ctx, u.Host, agentID, opts, tlsConf)
	case "http", "https":
		return connectPoll(ctx, u.Scheme+"://"+u.Host, agentID, opts)
	case "openagents":
		base, err := discover(ctx, u.Host, opts)
		if err != nil {
			return nil, err
		}
		return connectPoll(ctx, base, agentID, opts)
	default:
		return nil, fmt.Errorf("unsupported scheme %q (want grpc, grpcs, http, https, or openagents)", u.Scheme)
	}
}

// discover sweeps the configured hosts and port range for a node whose
// /api/health reports the wanted network id.
func discover(ctx context.Context, networkID string, opts Options) (string, error) {
	if networkID == "" {
		return "", fmt.Errorf("openagents:// target needs a network id")
	}
	hosts := opts.DiscoveryHosts
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	from, to := opts.DiscoveryPortFrom, opts.DiscoveryPortTo
	if from == 0 {
		from = 8700
	}
	if to < from {
		to = from + 10
	}

	probe := opts.HTTPClient
	if probe == nil {
		probe = &http.Client{Timeout: 2 * time.Second}
	}
	for _, host := range hosts {
		for port := from; port <= to; port++ {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			base := fmt.Sprintf("http://%s:%d", host, port)
			id, ok := probeHealth(ctx, probe, base)
			if ok && id == networkID {
				return base, nil
			}
		}
	}
	return "", fmt.Errorf("no node with network id %q on %s ports %d-%d",
		networkID, strings.Join(hosts, ","), from, to)
}

func probeHealth(ctx context.Context, c *http.Client, base string) (networkID string, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		return "", false
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var body struct {
		Data struct {
			NetworkID string `json:"network_id"`
		} `json:"data"`
	}
	if err := decodeInto(resp, &body); err != nil {
		return "", false
	}
	return body.Data.NetworkID, body.Data.NetworkID != ""
}
