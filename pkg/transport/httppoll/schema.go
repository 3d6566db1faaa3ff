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

package httppoll

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// eventSchema validates send_event bodies before they are decoded. The
// envelope fields the gateway stamps itself (timestamp, source_agent_group,
// visibility) are rejected here only when mistyped, never required.
const eventSchema = `{
  "type": "object",
  "required": ["event_name", "source_id"],
  "properties": {
    "event_id":       {"type": "string"},
    "event_name":     {"type": "string", "pattern": "^[a-z0-9_]+(\\.[a-z0-9_]+)+$"},
    "source_id":      {"type": "string", "minLength": 3},
    "destination_id": {"type": "string"},
    "payload":        {"type": "object"},
    "metadata":       {"type": "object"},
    "secret":         {"type": "string"},
    "relevant_mod":   {"type": "string"},
    "ephemeral":      {"type": "boolean"}
  }
}`

var eventSchemaCompiled = gojsonschema.NewStringLoader(eventSchema)

// validateEventBody checks a raw send_event body against the envelope
// schema and reports invalid_event with the collected violations.
func validateEventBody(raw []byte) error {
	result, err := gojsonschema.Validate(eventSchemaCompiled, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return types.WrapError(types.ErrInvalidEvent, err, "malformed event")
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return types.Errorf(types.ErrInvalidEvent, "event failed validation: %s", strings.Join(problems, "; "))
}
