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

// AddressKind is the namespace of a logical address.
type AddressKind string

const (
	KindAgent   AddressKind = "agent"
	KindMod     AddressKind = "mod"
	KindChannel AddressKind = "channel"
	KindSystem  AddressKind = "system"
)

const (
	// BroadcastDestination fans an event out to every registered agent
	// except the source.
	BroadcastDestination = "agent:broadcast"

	// SystemSource marks events originated inside the process. Transports
	// reject it from the wire; in-process producers use it freely.
	SystemSource = "system:system"

	broadcastName = "broadcast"
)

// Address is a parsed logical identity: "agent:scout-1", "mod:messaging",
// "channel:general", "system:system".
type Address struct {
	Kind AddressKind
	Name string
}

// ParseAddress splits "<kind>:<name>" and validates the kind.
func ParseAddress(s string) (Address, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Address{}, Errorf(ErrInvalidEvent, "address %q lacks a <kind>:<name> form", s)
	}
	switch AddressKind(kind) {
	case KindAgent, KindMod, KindChannel, KindSystem:
		return Address{Kind: AddressKind(kind), Name: name}, nil
	default:
		return Address{}, Errorf(ErrInvalidEvent, "address %q has unknown kind %q", s, kind)
	}
}

func (a Address) String() string {
	return string(a.Kind) + ":" + a.Name
}

// IsBroadcast reports whether the address is the broadcast pseudo-agent.
func (a Address) IsBroadcast() bool {
	return a.Kind == KindAgent && a.Name == broadcastName
}

// AgentAddress formats an agent id as a source or destination string.
func AgentAddress(agentID string) string {
	return string(KindAgent) + ":" + agentID
}

// ModAddress formats a mod path as an address string.
func ModAddress(modPath string) string {
	return string(KindMod) + ":" + modPath
}

// ChannelAddress formats a channel name as a destination string.
func ChannelAddress(channel string) string {
	return string(KindChannel) + ":" + channel
}

// AgentIDOf extracts the agent id from an "agent:" address, "" otherwise.
func AgentIDOf(addr string) string {
	a, err := ParseAddress(addr)
	if err != nil || a.Kind != KindAgent || a.IsBroadcast() {
		return ""
	}
	return a.Name
}
