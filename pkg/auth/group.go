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

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Group is a named role configured at network start. Agents land in a group
// by presenting the SHA-256 hash of the group password on registration; the
// default group has no hash and collects everyone else.
type Group struct {
	Name         string
	PasswordHash string
	Description  string
	Metadata     map[string]any
}

// HashPassword returns the lowercase hex SHA-256 of a plaintext group
// password. Config loaders use it to normalize `password:` keys; clients
// use it to build the registration hash.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// IsOperator reports whether a group's metadata grants operator rights,
// which gate system.mod.load / system.mod.unload from agent sources.
func (g *Group) IsOperator() bool {
	if g == nil || g.Metadata == nil {
		return false
	}
	if role, _ := g.Metadata["role"].(string); strings.EqualFold(role, "operator") {
		return true
	}
	if admin, _ := g.Metadata["admin"].(bool); admin {
		return true
	}
	return false
}
