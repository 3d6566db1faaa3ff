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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/types"
	"github.com/openagents-org/openagents-go/pkg/workspace"
)

// maxBodyBytes bounds request bodies; event payloads stay well under this.
const maxBodyBytes = 4 << 20

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrAuthenticationRequired, types.ErrAuthenticationFailed:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrUnknownAgent, types.ErrUnknownMod:
		return http.StatusNotFound
	case types.ErrDuplicateAgent:
		return http.StatusConflict
	case types.ErrInvalidEvent:
		return http.StatusBadRequest
	case types.ErrTimeout:
		return http.StatusRequestTimeout
	case types.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

// writeError emits the wire error shape: error_message carries the
// taxonomy kind so clients can branch on it, detail the full chain.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	s.writeJSON(w, statusFor(kind), map[string]any{
		"success":       false,
		"error_kind":    string(kind),
		"error_message": string(kind),
		"detail":        err.Error(),
	})
}

func decodeBody(r *http.Request, into any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return types.WrapError(types.ErrInvalidEvent, err, "read request body")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return types.WrapError(types.ErrInvalidEvent, err, "malformed JSON body")
	}
	return nil
}

// handleHealth serves the node status snapshot. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    s.backend.Health(),
	})
}

type registerBody struct {
	AgentID        string         `json:"agent_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PasswordHash   string         `json:"password_hash,omitempty"`
	ForceReconnect bool           `json:"force_reconnect,omitempty"`

	// Accepted for wire compatibility but not trusted: the record keeps
	// the transport the node observed, and certificates only matter on
	// the TLS layer.
	TransportType string `json:"transport_type,omitempty"`
	Certificate   string `json:"certificate,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body registerBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.AgentID == "" {
		s.writeError(w, types.NewError(types.ErrInvalidEvent, "agent_id is required"))
		return
	}

	rec, err := s.backend.RegisterAgent(auth.RegisterRequest{
		AgentID:        body.AgentID,
		Transport:      s.Name(),
		Metadata:       body.Metadata,
		PasswordHash:   body.PasswordHash,
		ForceReconnect: body.ForceReconnect,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"agent_id":     rec.AgentID,
		"secret":       rec.Secret,
		"group":        rec.Group,
		"network_name": s.backend.NetworkName(),
		"network_id":   s.backend.NetworkID(),
	})
}

type unregisterBody struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body unregisterBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.backend.UnregisterAgent(body.AgentID, body.Secret); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if agentID == "" {
		s.writeError(w, types.NewError(types.ErrInvalidEvent, "agent_id is required"))
		return
	}

	wait := time.Duration(0)
	if raw := q.Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			s.writeError(w, types.Errorf(types.ErrInvalidEvent, "bad timeout %q", raw))
			return
		}
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait > s.config.MaxPollWait {
		wait = s.config.MaxPollWait
	}

	max := 100
	if raw := q.Get("max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			max = n
		}
	}

	events, err := s.backend.Poll(r.Context(), agentID, max, wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"agent_id": agentID,
		"messages": events,
	})
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, types.WrapError(types.ErrInvalidEvent, err, "read request body"))
		return
	}
	if err := validateEventBody(raw); err != nil {
		s.writeError(w, err)
		return
	}

	var e types.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		s.writeError(w, types.WrapError(types.ErrInvalidEvent, err, "malformed event"))
		return
	}

	// Privileged identities never arrive over the wire.
	if addr, err := types.ParseAddress(e.SourceID); err != nil {
		s.writeError(w, err)
		return
	} else if addr.Kind != types.KindAgent {
		s.writeError(w, types.Errorf(types.ErrForbidden, "source %q is not an agent identity", e.SourceID))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SubmitTimeout)
	defer cancel()

	result, err := s.backend.Submit(ctx, &e)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && types.KindOf(err) == types.ErrInternal {
			err = types.WrapError(types.ErrTimeout, err, "event processing timed out")
		}
		s.writeError(w, err)
		return
	}

	body := map[string]any{
		"success":  true,
		"event_id": result.EventID,
	}
	if result.Response != nil {
		body["response_data"] = result.Response
	}
	s.writeJSON(w, http.StatusOK, body)
}

func llmFilterFromQuery(r *http.Request) workspace.LLMLogFilter {
	q := r.URL.Query()
	f := workspace.LLMLogFilter{
		Model:  q.Get("model"),
		Search: q.Get("search"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	if raw := q.Get("has_error"); raw != "" {
		v := raw == "true" || raw == "1"
		f.HasError = &v
	}
	return f
}

func (s *Server) handleListLLMLogs(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	agentID := pathParams["agent_id"]
	summaries, total, hasMore, err := s.backend.QueryLLMLogs(agentID, llmFilterFromQuery(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []workspace.LLMLogSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"agent_id":    agentID,
		"logs":        summaries,
		"total_count": total,
		"has_more":    hasMore,
	})
}

func (s *Server) handleGetLLMLog(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	agentID := pathParams["agent_id"]
	entry, found, err := s.backend.GetLLMLog(agentID, pathParams["log_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, types.Errorf(types.ErrUnknownAgent, "log %q not found for agent %q", pathParams["log_id"], agentID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"log":     entry,
	})
}

func (s *Server) handleAppendLLMLog(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var entry workspace.LLMLogEntry
	if err := decodeBody(r, &entry); err != nil {
		s.writeError(w, err)
		return
	}
	if entry.Model == "" {
		s.writeError(w, types.NewError(types.ErrInvalidEvent, "model is required"))
		return
	}
	stored, err := s.backend.AppendLLMLog(pathParams["agent_id"], entry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"log_id":  stored.LogID,
	})
}
