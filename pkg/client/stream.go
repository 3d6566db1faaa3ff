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
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openagents-org/openagents-go/pkg/transport/streamrpc"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// sessionMethod is the full method name of the bidirectional stream.
const sessionMethod = "/" + streamrpc.ServiceName + "/Session"

var sessionStreamDesc = &grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// streamSession is the gRPC stream session.
type streamSession struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	agentID     string
	secret      string
	group       string
	networkName string
	networkID   string

	events chan *types.Event

	mu      sync.Mutex
	pending map[string]chan *streamrpc.Frame
	sendMu  sync.Mutex // serializes SendMsg

	closeOnce sync.Once
	closeErr  error
}

// connectStream dials the node, opens a Session stream, and completes the
// register/welcome exchange. A nil tlsConf dials cleartext.
func connectStream(ctx context.Context, host, agentID string, opts Options, tlsConf *tls.Config) (Session, error) {
	creds := insecure.NewCredentials()
	if tlsConf != nil {
		creds = credentials.NewTLS(tlsConf)
	}
	conn, err := grpc.NewClient(host,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(streamrpc.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	// The stream outlives the connect call; its context is the session's.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, sessionStreamDesc, sessionMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open session stream: %w", err)
	}

	s := &streamSession{
		conn:    conn,
		stream:  stream,
		cancel:  cancel,
		agentID: agentID,
		events:  make(chan *types.Event, 64),
		pending: map[string]chan *streamrpc.Frame{},
	}

	register := &streamrpc.Frame{Type: streamrpc.FrameRegister, Register: &streamrpc.RegisterFrame{
		AgentID:        agentID,
		Metadata:       opts.Metadata,
		PasswordHash:   opts.passwordHash(),
		ForceReconnect: opts.ForceReconnect,
	}}
	if err := stream.SendMsg(register); err != nil {
		s.teardown()
		return nil, fmt.Errorf("send register: %w", err)
	}

	var first streamrpc.Frame
	if err := stream.RecvMsg(&first); err != nil {
		s.teardown()
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	switch first.Type {
	case streamrpc.FrameWelcome:
		s.secret = first.Welcome.Secret
		s.group = first.Welcome.Group
		s.networkName = first.Welcome.NetworkName
		s.networkID = first.Welcome.NetworkID
	case streamrpc.FrameError:
		s.teardown()
		return nil, types.NewError(types.ErrorKind(first.Error.Kind), first.Error.Message)
	default:
		s.teardown()
		return nil, fmt.Errorf("unexpected first frame %q", first.Type)
	}

	go s.recvLoop()
	return s, nil
}

func (s *streamSession) AgentID() string     { return s.agentID }
func (s *streamSession) Group() string       { return s.group }
func (s *streamSession) NetworkName() string { return s.networkName }
func (s *streamSession) NetworkID() string   { return s.networkID }

func (s *streamSession) Events() <-chan *types.Event { return s.events }

// Send submits one event over the stream and waits for its ack.
func (s *streamSession) Send(ctx context.Context, e *types.Event) (map[string]any, error) {
	if e.EventID == "" {
		e.EventID = types.NewEventID()
	}
	e.SourceID = types.AgentAddress(s.agentID)

	reply := make(chan *streamrpc.Frame, 1)
	s.mu.Lock()
	s.pending[e.EventID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, e.EventID)
		s.mu.Unlock()
	}()

	s.sendMu.Lock()
	err := s.stream.SendMsg(&streamrpc.Frame{Type: streamrpc.FrameEvent, Event: e})
	s.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send event: %w", err)
	}

	select {
	case f := <-reply:
		if f.Type == streamrpc.FrameError {
			return nil, types.NewError(types.ErrorKind(f.Error.Kind), f.Error.Message)
		}
		return f.Ack.ResponseData, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close retires the agent and tears the stream down.
func (s *streamSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closeErr = s.stream.SendMsg(&streamrpc.Frame{Type: streamrpc.FrameUnregister})
		if s.closeErr == nil {
			s.closeErr = s.stream.CloseSend()
		}
		s.sendMu.Unlock()
		s.teardown()
	})
	return s.closeErr
}

func (s *streamSession) teardown() {
	s.cancel()
	_ = s.conn.Close()
}

// recvLoop dispatches inbound frames: deliveries to the event channel,
// acks and errors to their waiting Send.
func (s *streamSession) recvLoop() {
	defer close(s.events)
	for {
		var f streamrpc.Frame
		if err := s.stream.RecvMsg(&f); err != nil {
			return
		}
		switch f.Type {
		case streamrpc.FrameEvent:
			if f.Event != nil {
				s.events <- f.Event
			}
		case streamrpc.FrameAck:
			s.dispatch(f.Ack.EventID, &f)
		case streamrpc.FrameError:
			if f.Error.InReplyTo != "" {
				s.dispatch(f.Error.InReplyTo, &f)
			}
		case streamrpc.FramePong:
			// Keepalive answer, nothing to do.
		}
	}
}

func (s *streamSession) dispatch(eventID string, f *streamrpc.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[eventID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}
