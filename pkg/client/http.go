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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// pollSession is the HTTP long-poll session.
type pollSession struct {
	base   string
	httpc  *http.Client
	cancel context.CancelFunc

	agentID     string
	secret      string
	group       string
	networkName string
	networkID   string

	events    chan *types.Event
	closeOnce sync.Once
}

// connectPoll registers over HTTP and starts the delivery loop.
func connectPoll(ctx context.Context, base, agentID string, opts Options) (Session, error) {
	httpc := opts.HTTPClient
	if httpc == nil {
		// No global timeout: long polls hold the connection open.
		httpc = &http.Client{}
	}
	s := &pollSession{
		base:    base,
		httpc:   httpc,
		agentID: agentID,
		events:  make(chan *types.Event, 64),
	}

	var resp struct {
		Success      bool   `json:"success"`
		Secret       string `json:"secret"`
		Group        string `json:"group"`
		NetworkName  string `json:"network_name"`
		NetworkID    string `json:"network_id"`
		ErrorKind    string `json:"error_kind"`
		ErrorMessage string `json:"error_message"`
	}
	if err := s.post(ctx, "/api/register", opts.registerRequest(agentID), &resp); err != nil {
		return nil, err
	}
	s.secret = resp.Secret
	s.group = resp.Group
	s.networkName = resp.NetworkName
	s.networkID = resp.NetworkID

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.pollLoop(loopCtx, opts.PollInterval)
	return s, nil
}

func (s *pollSession) AgentID() string     { return s.agentID }
func (s *pollSession) Group() string       { return s.group }
func (s *pollSession) NetworkName() string { return s.networkName }
func (s *pollSession) NetworkID() string   { return s.networkID }

func (s *pollSession) Events() <-chan *types.Event { return s.events }

// Send submits one event; the session identity and secret are stamped in.
func (s *pollSession) Send(ctx context.Context, e *types.Event) (map[string]any, error) {
	e.SourceID = types.AgentAddress(s.agentID)
	e.Secret = s.secret

	var resp struct {
		Success      bool           `json:"success"`
		EventID      string         `json:"event_id"`
		ResponseData map[string]any `json:"response_data"`
	}
	if err := s.post(ctx, "/api/send_event", e, &resp); err != nil {
		return nil, err
	}
	e.EventID = resp.EventID
	return resp.ResponseData, nil
}

// Close unregisters and stops the delivery loop.
func (s *pollSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		var resp struct {
			Success bool `json:"success"`
		}
		err = s.post(ctx, "/api/unregister", map[string]any{
			"agent_id": s.agentID,
			"secret":   s.secret,
		}, &resp)
		close(s.events)
	})
	return err
}

func (s *pollSession) pollLoop(ctx context.Context, interval time.Duration) {
	for ctx.Err() == nil {
		events, err := s.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Back off briefly on transient failures.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, e := range events {
			select {
			case s.events <- e:
			case <-ctx.Done():
				return
			}
		}
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *pollSession) pollOnce(ctx context.Context) ([]*types.Event, error) {
	url := fmt.Sprintf("%s/api/poll?agent_id=%s&timeout=25", s.base, s.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Success      bool           `json:"success"`
		Messages     []*types.Event `json:"messages"`
		ErrorKind    string         `json:"error_kind"`
		ErrorMessage string         `json:"error_message"`
	}
	if err := decodeInto(resp, &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, apiError(resp.StatusCode, body.ErrorKind, body.ErrorMessage)
	}
	return body.Messages, nil
}

// post sends a JSON body and decodes the JSON response, converting
// {success:false} into a taxonomy error.
func (s *pollSession) post(ctx context.Context, path string, body, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success      bool   `json:"success"`
		ErrorKind    string `json:"error_kind"`
		ErrorMessage string `json:"error_message"`
	}
	rawResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rawResp, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if !envelope.Success {
		return apiError(resp.StatusCode, envelope.ErrorKind, envelope.ErrorMessage)
	}
	return json.Unmarshal(rawResp, into)
}

func decodeInto(resp *http.Response, into any) error {
	return json.NewDecoder(resp.Body).Decode(into)
}

// apiError rebuilds a taxonomy error from an error response.
func apiError(status int, kind, msg string) error {
	if msg == "" || msg == kind {
		msg = fmt.Sprintf("request failed with status %d", status)
	}
	if kind == "" {
		return types.NewError(types.ErrInternal, msg)
	}
	return types.NewError(types.ErrorKind(kind), msg)
}
