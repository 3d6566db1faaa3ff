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
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// configSchema catches shape mistakes (wrong types, unknown keys) before
// Validate checks the semantics. Kept in sync with Config.
const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "mode": {"type": "string", "enum": ["network"]},
    "host": {"type": "string"},
    "port": {"type": "integer", "minimum": 1, "maximum": 65534},
    "transports": {
      "type": "array",
      "items": {"type": "string", "enum": ["http", "grpc"]}
    },
    "mods": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "config": {"type": "object"}
        },
        "additionalProperties": false
      }
    },
    "agent_groups": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "password": {"type": "string"},
          "password_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "description": {"type": "string"},
          "metadata": {"type": "object"}
        },
        "additionalProperties": false
      }
    },
    "default_agent_group": {"type": "string"},
    "requires_password": {"type": "boolean"},
    "workspace": {"type": "string"},
    "retention_days": {"type": "integer", "minimum": 0},
    "tls": {
      "type": "object",
      "properties": {
        "mode": {"type": "string", "enum": ["off", "self_signed", "manual"]},
        "cert_file": {"type": "string"},
        "key_file": {"type": "string"},
        "client_ca_file": {"type": "string"},
        "hostnames": {"type": "array", "items": {"type": "string"}},
        "ip_addresses": {"type": "array", "items": {"type": "string"}},
        "validity_days": {"type": "integer", "minimum": 1},
        "organization": {"type": "string"},
        "cache_dir": {"type": "string"}
      },
      "additionalProperties": false
    },
    "network_profile": {
      "type": "object",
      "properties": {"readme": {"type": "string"}},
      "additionalProperties": false
    },
    "insecure": {
      "type": "object",
      "properties": {
        "disable_agent_secret_verification": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "log_level": {"type": "string"}
  }
}`

// CheckConfigSchema validates the raw YAML file at path against the config
// schema. LoadConfig tolerates unknown keys; this does not, which makes it
// the better check for "openagentsd config validate".
func CheckConfigSchema(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate config %s: %w", path, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("config %s: %s", path, strings.Join(msgs, "; "))
	}
	return nil
}
