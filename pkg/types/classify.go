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

package types

import "strings"

// Class is the routing classification of an event, derived from its name
// and destination. It decides which mod processor kind runs and how the
// gateway routes after the chain.
type Class int

const (
	ClassSystem Class = iota
	ClassDirect
	ClassBroadcast
)

func (c Class) String() string {
	switch c {
	case ClassDirect:
		return "direct"
	case ClassBroadcast:
		return "broadcast"
	default:
		return "system"
	}
}

const (
	directPrefix    = "agent.direct_message."
	broadcastPrefix = "agent.broadcast_message."

	// legacyDirectName predates the direct_message namespace and is still
	// emitted by older agent runners.
	legacyDirectName = "agent.message"
)

// Classify derives the event class.
//
// Direct requires a direct-message name and a concrete agent destination.
// Broadcast is either the broadcast name prefix or the broadcast
// destination. Everything else is system: such events exist to mutate mod
// or network state and are discarded after the chain, unless addressed to a
// concrete agent, in which case they are delivered as a notification.
func Classify(e *Event) Class {
	name := e.EventName
	dest, destErr := parseOptionalDestination(e.DestinationID)

	if strings.HasPrefix(name, broadcastPrefix) {
		return ClassBroadcast
	}
	if destErr == nil && dest.IsBroadcast() {
		return ClassBroadcast
	}
	if strings.HasPrefix(name, directPrefix) || name == legacyDirectName {
		if destErr == nil && dest.Kind == KindAgent && !dest.IsBroadcast() {
			return ClassDirect
		}
	}
	return ClassSystem
}

// DeriveVisibility fills the visibility field when the producer left it
// empty, from the destination and class.
func DeriveVisibility(e *Event) Visibility {
	if e.Visibility != "" {
		return e.Visibility
	}
	if dest, err := parseOptionalDestination(e.DestinationID); err == nil {
		switch {
		case dest.IsBroadcast():
			return VisibilityNetwork
		case dest.Kind == KindChannel:
			return VisibilityChannel
		case dest.Kind == KindMod:
			return VisibilityModOnly
		case dest.Kind == KindAgent:
			return VisibilityDirect
		}
	}
	if Classify(e) == ClassBroadcast {
		return VisibilityNetwork
	}
	return VisibilityModOnly
}

func parseOptionalDestination(dest string) (Address, error) {
	if dest == "" {
		return Address{}, Errorf(ErrInvalidEvent, "no destination")
	}
	return ParseAddress(dest)
}
