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

// Package types contains the event envelope and the shared vocabulary of the
// network node. Every inter-agent and inter-mod interaction travels as an
// Event; transports, the gateway, mods, and the workspace store all speak
// this one type, which keeps the package free of upward imports.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Visibility describes who may observe an event once routed.
type Visibility string

const (
	VisibilityDirect  Visibility = "direct"
	VisibilityChannel Visibility = "channel"
	VisibilityModOnly Visibility = "mod_only"
	VisibilityNetwork Visibility = "network"
)

// Event is the sole envelope routed by the node.
//
// SourceAgentGroup and Timestamp are stamped by the gateway on ingress and
// must never be trusted from the wire. Secret is presented by agent sources
// and is cleared immediately after verification so it never reaches mods,
// recipients, or disk.
type Event struct {
	EventID          string         `json:"event_id"`
	EventName        string         `json:"event_name"`
	SourceID         string         `json:"source_id"`
	DestinationID    string         `json:"destination_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Visibility       Visibility     `json:"visibility,omitempty"`
	Secret           string         `json:"secret,omitempty"`
	SourceAgentGroup string         `json:"source_agent_group,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	RelevantMod      string         `json:"relevant_mod,omitempty"`

	// Ephemeral marks best-effort events (health ticks, transient
	// notifications) that skip the durable event log.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

// New builds an event with a fresh id and timestamp. Wire-decoded events do
// not pass through here; the gateway stamps whatever the transport produced.
func New(eventName, sourceID string) *Event {
	return &Event{
		EventID:   NewEventID(),
		EventName: eventName,
		SourceID:  sourceID,
		Payload:   map[string]any{},
		Metadata:  map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy with its own top-level payload and metadata maps.
// Nested values are shared; mods that rewrite nested structures must build
// new ones rather than mutate in place.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	if e.Payload != nil {
		dup.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			dup.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		dup.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Validate checks the envelope fields a transport must not forward broken:
// a non-empty dotted name and parseable addresses.
func (e *Event) Validate() error {
	if e.EventName == "" {
		return NewError(ErrInvalidEvent, "event_name is required")
	}
	if e.SourceID == "" {
		return NewError(ErrInvalidEvent, "source_id is required")
	}
	if _, err := ParseAddress(e.SourceID); err != nil {
		return Errorf(ErrInvalidEvent, "source_id: %v", err)
	}
	if e.DestinationID != "" {
		if _, err := ParseAddress(e.DestinationID); err != nil {
			return Errorf(ErrInvalidEvent, "destination_id: %v", err)
		}
	}
	return nil
}

// PayloadString fetches a string payload field, "" when absent or not a
// string. JSON decoding yields map[string]any, so mods reach through this
// instead of repeating type assertions.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// MetadataString fetches a string metadata field, "" when absent.
func (e *Event) MetadataString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}

// SetPayload assigns a payload field, allocating the map when needed.
func (e *Event) SetPayload(key string, value any) {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.Payload[key] = value
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s %s->%s", e.EventID, e.EventName, e.SourceID, e.DestinationID)
}
