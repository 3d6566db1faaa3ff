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

// Package gateway implements the in-process event bus: the single Submit
// ingress that stamps, authenticates, classifies, runs the mod pipeline,
// routes, persists, and delivers every event the node handles.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// Authenticator verifies agent secrets and resolves group membership.
// Implemented by auth.Manager.
type Authenticator interface {
	Validate(sourceID, secret string) bool
	GroupOf(agentID string) string
}

// Pipeline runs an event through the ordered mod chain. A nil returned
// event means a mod dropped it; the response map, when non-nil, is surfaced
// to the submitter (system mod-management events use it). Implemented by
// mods.Registry.
type Pipeline interface {
	Process(ctx context.Context, e *types.Event, class types.Class) (*types.Event, map[string]any, error)
}

// Store persists events that must survive a restart. Implemented by
// workspace.Workspace.
type Store interface {
	AppendEvent(e *types.Event) error
}

// Result is what Submit reports back to the transport on success.
type Result struct {
	EventID  string
	Response map[string]any
}

// Options tune queue behavior.
type Options struct {
	// PollQueueCap bounds each poll queue; the oldest event is dropped
	// beyond it. Zero means the default of 1024.
	PollQueueCap int
}

// Gateway is the event gateway. Safe for concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	agents   map[string]*agentQueue
	subs     map[string]*Subscription
	channels map[string]string // channel name -> creator

	auth     Authenticator
	pipeline Pipeline
	store    Store
	logger   *zap.Logger
	opts     Options
}

// New builds a gateway. The pipeline and store may be nil in tests; a nil
// pipeline passes every event through unchanged and a nil store skips
// persistence.
func New(auth Authenticator, pipeline Pipeline, store Store, logger *zap.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollQueueCap <= 0 {
		opts.PollQueueCap = 1024
	}
	return &Gateway{
		agents:   make(map[string]*agentQueue),
		subs:     make(map[string]*Subscription),
		channels: make(map[string]string),
		auth:     auth,
		pipeline: pipeline,
		store:    store,
		logger:   logger,
		opts:     opts,
	}
}

// AddAgent seeds a delivery queue for a newly registered agent.
func (g *Gateway) AddAgent(agentID string) {
	g.mu.Lock()
	if _, ok := g.agents[agentID]; !ok {
		g.agents[agentID] = newAgentQueue(g.opts.PollQueueCap)
	}
	g.mu.Unlock()
}

// RegisterPushHandler switches an agent's delivery to streaming push.
func (g *Gateway) RegisterPushHandler(agentID string, fn PushHandler) {
	g.mu.RLock()
	q := g.agents[agentID]
	g.mu.RUnlock()
	if q != nil {
		q.setPush(fn)
	}
}

// DropAgent frees an agent's queue and subscriptions. Idempotent.
func (g *Gateway) DropAgent(agentID string) {
	g.mu.Lock()
	q := g.agents[agentID]
	delete(g.agents, agentID)
	for id, sub := range g.subs {
		if sub.AgentID == agentID {
			delete(g.subs, id)
		}
	}
	g.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// Subscribe registers interest in events by name pattern (or channel
// address pattern) and returns the subscription id.
func (g *Gateway) Subscribe(agentID string, patterns []string, modFilter string) string {
	sub := &Subscription{
		ID:        "sub-" + types.NewEventID()[4:],
		AgentID:   agentID,
		Patterns:  patterns,
		ModFilter: modFilter,
		Created:   time.Now().UTC(),
	}
	g.mu.Lock()
	g.subs[sub.ID] = sub
	g.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription. Idempotent.
func (g *Gateway) Unsubscribe(subscriptionID string) {
	g.mu.Lock()
	delete(g.subs, subscriptionID)
	g.mu.Unlock()
}

// Submit is the single ingress point for every event, external or internal.
// Once the mod chain has begun the submit is not cancellable; ctx applies
// to mod processor deadlines only.
func (g *Gateway) Submit(ctx context.Context, e *types.Event) (*Result, error) {
	if e == nil {
		return nil, types.NewError(types.ErrInvalidEvent, "nil event")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	// Stamp ingress fields.
	if e.EventID == "" {
		e.EventID = types.NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Authenticate agent sources and stamp the group server-side. The
	// secret never travels past this point.
	src, err := types.ParseAddress(e.SourceID)
	if err != nil {
		return nil, err
	}
	if src.Kind == types.KindAgent {
		if !g.auth.Validate(e.SourceID, e.Secret) {
			g.logger.Warn("rejected event with bad secret",
				zap.String("source_id", e.SourceID),
				zap.String("event_name", e.EventName))
			return nil, types.Errorf(types.ErrAuthenticationFailed, "secret rejected for %s", e.SourceID)
		}
		e.SourceAgentGroup = g.auth.GroupOf(src.Name)
	} else {
		e.SourceAgentGroup = ""
	}
	e.Secret = ""
	e.Visibility = types.DeriveVisibility(e)
	class := types.Classify(e)

	// Mod pipeline. Errors from mod management (unknown_mod, forbidden)
	// surface to the submitter; a nil event means a mod dropped it.
	var response map[string]any
	if g.pipeline != nil {
		processed, resp, err := g.pipeline.Process(ctx, e, class)
		if err != nil {
			return nil, err
		}
		if processed == nil {
			g.logger.Debug("event dropped by mod chain", zap.String("event_id", e.EventID))
			return &Result{EventID: e.EventID, Response: resp}, nil
		}
		e = processed
		response = resp
	}

	if err := g.deliver(e, class); err != nil {
		return nil, err
	}
	return &Result{EventID: e.EventID, Response: response}, nil
}

// deliver routes, persists, and fans out a post-chain event.
func (g *Gateway) deliver(e *types.Event, class types.Class) error {
	channel := channelOf(e)
	recipients, durable, err := g.route(e, class, channel)
	if err != nil {
		return err
	}

	// First post to a channel emits channel.created ahead of the post.
	if channel != "" {
		if created := g.noteChannel(channel, e.SourceID); created != nil {
			if err := g.persist(created); err != nil {
				return err
			}
			g.fanOut(created, g.subscriberSet(created))
		}
	}

	// Persistence before any delivery: a client's success implies the
	// event is durable.
	if durable && !e.Ephemeral {
		if err := g.persist(e); err != nil {
			return err
		}
	}

	// Merge explicit recipients with subscription matches; one copy per
	// agent no matter how many subscriptions match. subscriberSet already
	// excludes the source.
	for id := range g.subscriberSet(e) {
		recipients[id] = struct{}{}
	}
	g.fanOut(e, recipients)
	return nil
}

// route computes the explicit recipient set and whether the event is
// durable. Channel and subscription fan-out is handled by the caller.
func (g *Gateway) route(e *types.Event, class types.Class, channel string) (map[string]struct{}, bool, error) {
	recipients := make(map[string]struct{})
	destAgent := types.AgentIDOf(e.DestinationID)

	if channel != "" {
		return recipients, true, nil
	}

	switch class {
	case types.ClassDirect:
		g.mu.RLock()
		_, known := g.agents[destAgent]
		g.mu.RUnlock()
		if !known {
			return nil, false, types.Errorf(types.ErrUnknownAgent, "destination %q is not registered", e.DestinationID)
		}
		recipients[destAgent] = struct{}{}
		return recipients, true, nil

	case types.ClassBroadcast:
		source := types.AgentIDOf(e.SourceID)
		g.mu.RLock()
		for id := range g.agents {
			if id != source {
				recipients[id] = struct{}{}
			}
		}
		g.mu.RUnlock()
		return recipients, true, nil

	default:
		// System events mutate state via the chain; only agent-destined
		// notifications get delivered, and those are durable.
		if destAgent != "" {
			recipients[destAgent] = struct{}{}
			return recipients, true, nil
		}
		return recipients, false, nil
	}
}

// subscriberSet returns the agent ids whose subscriptions match the event.
func (g *Gateway) subscriberSet(e *types.Event) map[string]struct{} {
	out := make(map[string]struct{})
	g.mu.RLock()
	for _, sub := range g.subs {
		if sub.matches(e) {
			out[sub.AgentID] = struct{}{}
		}
	}
	g.mu.RUnlock()
	delete(out, types.AgentIDOf(e.SourceID))
	return out
}

// fanOut enqueues one event for each recipient. Per-recipient failures are
// isolated: a dead push connection schedules that agent's teardown and the
// loop moves on.
func (g *Gateway) fanOut(e *types.Event, recipients map[string]struct{}) {
	for id := range recipients {
		g.mu.RLock()
		q := g.agents[id]
		g.mu.RUnlock()
		if q == nil {
			continue
		}
		if pushErr, ok := q.enqueue(e); !ok {
			if pushErr != nil {
				g.logger.Warn("push delivery failed, dropping agent",
					zap.String("agent_id", id), zap.Error(pushErr))
				go g.DropAgent(id)
			}
		}
	}
}

func (g *Gateway) persist(e *types.Event) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.AppendEvent(e); err != nil {
		g.logger.Error("event persistence failed",
			zap.String("event_id", e.EventID), zap.Error(err))
		return types.WrapError(types.ErrStorageUnavailable, err, "event log append")
	}
	return nil
}

// noteChannel records a channel on first use and returns the synthesized
// channel.created event, nil when the channel already exists.
func (g *Gateway) noteChannel(channel, creator string) *types.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.channels[channel]; ok {
		return nil
	}
	g.channels[channel] = creator
	created := types.New("channel.created", types.SystemSource)
	created.DestinationID = types.ChannelAddress(channel)
	created.Visibility = types.VisibilityChannel
	created.Payload = map[string]any{"channel": channel, "created_by": creator}
	return created
}

// channelOf extracts the target channel: a channel: destination, or a
// thread.channel.* event naming its channel in the payload.
func channelOf(e *types.Event) string {
	if addr, err := types.ParseAddress(e.DestinationID); err == nil && addr.Kind == types.KindChannel {
		return addr.Name
	}
	if MatchPattern("thread.channel.*", e.EventName) {
		return e.PayloadString("channel")
	}
	return ""
}

// Poll drains the agent's queue, blocking up to wait for at least one event
// when it is empty. Returns early on ctx cancellation (client disconnect).
func (g *Gateway) Poll(ctx context.Context, agentID string, max int, wait time.Duration) ([]*types.Event, error) {
	g.mu.RLock()
	q := g.agents[agentID]
	g.mu.RUnlock()
	if q == nil {
		return nil, types.Errorf(types.ErrUnknownAgent, "agent %q is not registered", agentID)
	}

	if events := q.drain(max); len(events) > 0 {
		return events, nil
	}
	if wait <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-q.wake:
			if events := q.drain(max); len(events) > 0 {
				return events, nil
			}
			// Raced another drain or the queue closed; keep waiting.
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return nil, types.Errorf(types.ErrUnknownAgent, "agent %q dropped while polling", agentID)
			}
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return q.drain(max), nil
		}
	}
}

// QueueDepths reports per-agent queue depths for the health payload.
func (g *Gateway) QueueDepths() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.agents))
	for id, q := range g.agents {
		out[id] = q.depth()
	}
	return out
}

// Channels lists channels seen so far, name -> creator.
func (g *Gateway) Channels() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.channels))
	for name, creator := range g.channels {
		out[name] = creator
	}
	return out
}
