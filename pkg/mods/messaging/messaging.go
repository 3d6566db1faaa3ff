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

// Package messaging implements the thread.* mod: channel posts, replies,
// reactions, direct-message notifications, and admin-gated channel
// announcements, backed by a SQLite database in the mod's workspace
// subtree.
package messaging

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// Path is the dotted path the mod is loaded under.
const Path = "messaging"

// Event names handled by this mod.
const (
	EventChannelPost     = "thread.channel.post"
	EventChannelReply    = "thread.channel.reply"
	EventChannelReaction = "thread.channel.reaction"
	EventDMNotification  = "thread.direct_message.notification"
	EventAnnouncementSet = "thread.announcement.set"
	EventAnnouncementGet = "thread.announcement.get"
)

// Mod is the messaging mod.
type Mod struct {
	nc     mods.NetworkContext
	store  *store
	logger *zap.Logger
}

// New builds an uninitialized messaging mod.
func New() *Mod { return &Mod{} }

func (m *Mod) Name() string { return Path }

func (m *Mod) Initialize(mc mods.Context) error {
	m.nc = mc.Network
	m.logger = mc.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	dbFile := "messaging.db"
	if v, ok := mc.Config["db_file"].(string); ok && v != "" {
		dbFile = v
	}
	st, err := openStore(filepath.Join(mc.StorageDir, dbFile))
	if err != nil {
		return err
	}
	m.store = st
	return nil
}

func (m *Mod) Shutdown() error {
	if m.store == nil {
		return nil
	}
	return m.store.close()
}

// Channels lists channels known to the store, for the health payload.
func (m *Mod) Channels() []string {
	names, err := m.store.channelNames()
	if err != nil {
		m.logger.Warn("channel listing failed", zap.Error(err))
		return nil
	}
	return names
}

// ProcessSystemMessage handles the thread.* vocabulary. Events the mod does
// not own pass through unchanged.
func (m *Mod) ProcessSystemMessage(ctx context.Context, e *types.Event) (*types.Event, map[string]any, error) {
	if !strings.HasPrefix(e.EventName, "thread.") {
		return e, nil, nil
	}
	switch e.EventName {
	case EventChannelPost:
		return m.handlePost(e, "")
	case EventChannelReply:
		return m.handleReply(ctx, e)
	case EventChannelReaction:
		return m.handleReaction(e)
	case EventAnnouncementSet:
		return m.handleAnnouncementSet(e)
	case EventAnnouncementGet:
		return m.handleAnnouncementGet(e)
	default:
		return e, nil, nil
	}
}

// handlePost records a channel post and passes the event along so the
// gateway fans it out to the channel's subscribers.
func (m *Mod) handlePost(e *types.Event, replyTo string) (*types.Event, map[string]any, error) {
	channel := m.channelOf(e)
	if channel == "" {
		return nil, failure("channel is required"), nil
	}
	text := e.PayloadString("text")
	if err := m.store.addPost(e.EventID, channel, e.SourceID, text, replyTo); err != nil {
		m.logger.Error("post write failed", zap.String("channel", channel), zap.Error(err))
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "post write")
	}
	return e, map[string]any{"success": true, "data": map[string]any{"post_id": e.EventID, "channel": channel}}, nil
}

// handleReply records the reply and notifies the parent post's author with
// a thread.direct_message.notification.
func (m *Mod) handleReply(ctx context.Context, e *types.Event) (*types.Event, map[string]any, error) {
	replyTo := e.PayloadString("reply_to")
	if replyTo == "" {
		return nil, failure("reply_to is required"), nil
	}
	out, resp, err := m.handlePost(e, replyTo)
	if out == nil || err != nil {
		return out, resp, err
	}

	author, lookupErr := m.store.postAuthor(replyTo)
	if lookupErr != nil {
		m.logger.Warn("parent author lookup failed", zap.Error(lookupErr))
	}
	if author != "" && author != e.SourceID {
		note := types.New(EventDMNotification, types.ModAddress(Path))
		note.DestinationID = author
		note.Ephemeral = true
		note.SetPayload("channel", m.channelOf(e))
		note.SetPayload("post_id", replyTo)
		note.SetPayload("reply_id", e.EventID)
		note.SetPayload("from", e.SourceID)
		if submitErr := m.nc.Submit(ctx, note); submitErr != nil {
			m.logger.Warn("reply notification failed", zap.Error(submitErr))
		}
	}
	return out, resp, nil
}

func (m *Mod) handleReaction(e *types.Event) (*types.Event, map[string]any, error) {
	postID := e.PayloadString("post_id")
	reaction := e.PayloadString("reaction")
	if postID == "" || reaction == "" {
		return nil, failure("post_id and reaction are required"), nil
	}
	if err := m.store.addReaction(postID, e.SourceID, reaction); err != nil {
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "reaction write")
	}
	return e, map[string]any{"success": true}, nil
}

// handleAnnouncementSet is admin-only: the source agent's group metadata
// must grant operator rights.
func (m *Mod) handleAnnouncementSet(e *types.Event) (*types.Event, map[string]any, error) {
	if !m.isOperator(e) {
		return nil, map[string]any{"success": false, "message": "forbidden"}, nil
	}
	channel := m.channelOf(e)
	if channel == "" {
		return nil, failure("channel is required"), nil
	}
	if err := m.store.setAnnouncement(channel, e.PayloadString("text"), e.SourceID); err != nil {
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "announcement write")
	}
	return e, map[string]any{"success": true, "message": "announcement set"}, nil
}

func (m *Mod) handleAnnouncementGet(e *types.Event) (*types.Event, map[string]any, error) {
	channel := m.channelOf(e)
	if channel == "" {
		return nil, failure("channel is required"), nil
	}
	text, by, err := m.store.announcement(channel)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrStorageUnavailable, err, "announcement read")
	}
	// Reads are consumed here; there is nothing to route.
	return nil, map[string]any{"success": true, "text": text, "set_by": by, "channel": channel}, nil
}

// channelOf resolves the target channel from the destination or payload.
func (m *Mod) channelOf(e *types.Event) string {
	if addr, err := types.ParseAddress(e.DestinationID); err == nil && addr.Kind == types.KindChannel {
		return addr.Name
	}
	return e.PayloadString("channel")
}

func (m *Mod) isOperator(e *types.Event) bool {
	src, err := types.ParseAddress(e.SourceID)
	if err != nil {
		return false
	}
	if src.Kind == types.KindSystem || src.Kind == types.KindMod {
		return true
	}
	meta := m.nc.GroupMetadata(e.SourceAgentGroup)
	if meta == nil {
		return false
	}
	if role, _ := meta["role"].(string); strings.EqualFold(role, "operator") {
		return true
	}
	admin, _ := meta["admin"].(bool)
	return admin
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "message": msg}
}
