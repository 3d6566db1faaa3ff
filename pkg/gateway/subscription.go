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
	"strings"
	"time"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// Subscription registers an agent's interest in events by name pattern.
// A pattern of the form "channel:<name>" subscribes to a channel's fan-out
// instead of matching on event name.
type Subscription struct {
	ID        string
	AgentID   string
	Patterns  []string
	ModFilter string
	Created   time.Time
}

// MatchPattern reports whether a single pattern matches an event name.
// "pfx.*" matches "pfx." followed by one or more segments; "*" matches
// everything; anything else is an exact match.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".") && len(name) > len(prefix)+1
	}
	return pattern == name
}

// matches reports whether this subscription wants the event.
func (s *Subscription) matches(e *types.Event) bool {
	if s.ModFilter != "" && e.RelevantMod != s.ModFilter {
		return false
	}
	for _, p := range s.Patterns {
		if strings.HasPrefix(p, "channel:") {
			if e.DestinationID == p {
				return true
			}
			continue
		}
		if MatchPattern(p, e.EventName) {
			return true
		}
	}
	return false
}
