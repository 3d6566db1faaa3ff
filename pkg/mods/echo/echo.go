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

// Package echo is the reference mod: it answers every direct agent message
// with an echo reply, which exercises the whole submit pipeline from inside
// a mod.
package echo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// Path is the dotted path the mod is loaded under.
const Path = "echo"

// Mod replies to agent.message events on behalf of the destination agent.
type Mod struct {
	nc     mods.NetworkContext
	logger *zap.Logger
}

// New builds an uninitialized echo mod.
func New() *Mod { return &Mod{} }

func (m *Mod) Name() string { return Path }

func (m *Mod) Initialize(mc mods.Context) error {
	m.nc = mc.Network
	m.logger = mc.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return nil
}

func (m *Mod) Shutdown() error { return nil }

// ProcessDirectMessage passes the message through and submits an echo reply
// back to the sender. Only agent-sourced messages are echoed, otherwise the
// mod would answer its own replies forever.
func (m *Mod) ProcessDirectMessage(ctx context.Context, e *types.Event) (*types.Event, error) {
	src, err := types.ParseAddress(e.SourceID)
	if err != nil || src.Kind != types.KindAgent {
		return e, nil
	}

	reply := types.New(e.EventName, types.ModAddress(Path))
	reply.DestinationID = e.SourceID
	reply.SetPayload("text", fmt.Sprintf("Echo from %s: %s", e.DestinationID, e.PayloadString("text")))
	reply.SetPayload("on_behalf_of", e.DestinationID)
	reply.Metadata["in_reply_to"] = e.EventID

	if err := m.nc.Submit(ctx, reply); err != nil {
		m.logger.Warn("echo reply failed",
			zap.String("in_reply_to", e.EventID), zap.Error(err))
	}
	return e, nil
}
