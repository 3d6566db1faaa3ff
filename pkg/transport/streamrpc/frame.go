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

package streamrpc

import "github.com/openagents-org/openagents-go/pkg/types"

// FrameType discriminates the stream envelope.
type FrameType string

const (
	// FrameRegister opens a session: the first client frame, carrying the
	// agent's identity and admission credentials.
	FrameRegister FrameType = "register"
	// FrameWelcome answers a successful register with the issued secret
	// and the network identity.
	FrameWelcome FrameType = "welcome"
	// FrameEvent carries one event in either direction.
	FrameEvent FrameType = "event"
	// FrameAck answers a client event frame once the pipeline accepted it.
	FrameAck FrameType = "ack"
	// FrameError reports a taxonomy error; fatal errors close the stream.
	FrameError FrameType = "error"
	// FrameUnregister asks the node to retire the agent before closing.
	FrameUnregister FrameType = "unregister"
	// FramePing and FramePong keep idle sessions visibly alive.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// Frame is the single message type of the Session stream. Exactly one
// body field matching Type is set.
type Frame struct {
	Type FrameType `json:"type"`

	Register *RegisterFrame `json:"register,omitempty"`
	Welcome  *WelcomeFrame  `json:"welcome,omitempty"`
	Event    *types.Event   `json:"event,omitempty"`
	Ack      *AckFrame      `json:"ack,omitempty"`
	Error    *ErrorFrame    `json:"error,omitempty"`
}

// RegisterFrame is the session opener.
type RegisterFrame struct {
	AgentID        string         `json:"agent_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PasswordHash   string         `json:"password_hash,omitempty"`
	ForceReconnect bool           `json:"force_reconnect,omitempty"`
}

// WelcomeFrame confirms admission.
type WelcomeFrame struct {
	AgentID     string `json:"agent_id"`
	Secret      string `json:"secret"`
	Group       string `json:"group"`
	NetworkName string `json:"network_name"`
	NetworkID   string `json:"network_id"`
}

// AckFrame confirms acceptance of a submitted event. ResponseData carries
// system operation results back to the submitter.
type AckFrame struct {
	EventID      string         `json:"event_id"`
	ResponseData map[string]any `json:"response_data,omitempty"`
}

// ErrorFrame reports a failure. InReplyTo names the offending event when
// the error answers a specific submission.
type ErrorFrame struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

func eventFrame(e *types.Event) *Frame { return &Frame{Type: FrameEvent, Event: e} }

func errorFrame(kind types.ErrorKind, msg, inReplyTo string, fatal bool) *Frame {
	return &Frame{Type: FrameError, Error: &ErrorFrame{
		Kind:      string(kind),
		Message:   msg,
		InReplyTo: inReplyTo,
		Fatal:     fatal,
	}}
}
