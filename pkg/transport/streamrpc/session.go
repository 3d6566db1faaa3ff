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

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/types"
)

// submitTimeout bounds one pipeline run for a stream-submitted event.
const submitTimeout = 30 * time.Second

// submitQueueDepth caps this session's events awaiting the pipeline.
const submitQueueDepth = 16

// session serves one agent connection: register, welcome, then event
// frames both ways until either side closes.
func (s *Server) session(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	incoming := make(chan *Frame, 16)
	recvErr := make(chan error, 1)
	go func() {
		for {
			var f Frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			select {
			case incoming <- &f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Register phase. The writer goroutine is not running yet, so the
	// session goroutine may send directly.
	rec, err := s.awaitRegister(stream, incoming, recvErr)
	if err != nil {
		return err
	}
	logger := s.logger.With(zap.String("agent_id", rec.AgentID))
	logger.Info("stream session opened", zap.String("group", rec.Group))

	welcome := &Frame{Type: FrameWelcome, Welcome: &WelcomeFrame{
		AgentID:     rec.AgentID,
		Secret:      rec.Secret,
		Group:       rec.Group,
		NetworkName: s.backend.NetworkName(),
		NetworkID:   s.backend.NetworkID(),
	}}
	if err := stream.SendMsg(welcome); err != nil {
		s.backend.DropAgent(rec.AgentID)
		return err
	}

	// Writer: the only goroutine allowed to send after the welcome.
	outbox := make(chan *Frame, s.config.OutboxWatermark)
	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case f := <-outbox:
				if err := stream.SendMsg(f); err != nil {
					sendErr <- err
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Delivery path. A session that cannot drain its outbox is cut off
	// rather than allowed to stall the network.
	s.backend.RegisterPushHandler(rec.AgentID, func(e *types.Event) error {
		select {
		case outbox <- eventFrame(e):
			return nil
		default:
			cancel()
			return fmt.Errorf("session outbox full for %s", rec.AgentID)
		}
	})

	// Submit worker: keeps this session's events in order while a slow
	// pipeline run never holds up ping or unregister frames.
	submitQ := make(chan *types.Event, submitQueueDepth)
	go func() {
		for {
			select {
			case e := <-submitQ:
				s.handleEvent(ctx, rec, e, outbox)
			case <-ctx.Done():
				return
			}
		}
	}()

	unregistered := false
	defer func() {
		if !unregistered {
			s.backend.DropAgent(rec.AgentID)
		}
		logger.Info("stream session closed")
	}()

	for {
		select {
		case f := <-incoming:
			switch f.Type {
			case FrameEvent:
				if f.Event == nil {
					continue
				}
				select {
				case submitQ <- f.Event:
				default:
					select {
					case outbox <- errorFrame(types.ErrTimeout,
						"too many events awaiting the pipeline", f.Event.EventID, false):
					default:
					}
				}
			case FrameUnregister:
				if err := s.backend.UnregisterAgent(rec.AgentID, rec.Secret); err != nil {
					logger.Warn("unregister failed", zap.Error(err))
				} else {
					unregistered = true
				}
				return nil
			case FramePing:
				select {
				case outbox <- &Frame{Type: FramePong}:
				default:
				}
			default:
				select {
				case outbox <- errorFrame(types.ErrInvalidEvent,
					fmt.Sprintf("unexpected frame type %q", f.Type), "", false):
				default:
				}
			}
		case err := <-recvErr:
			// EOF and transport resets both mean the agent is gone.
			logger.Debug("stream receive ended", zap.Error(err))
			return nil
		case err := <-sendErr:
			logger.Debug("stream send failed", zap.Error(err))
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// awaitRegister reads the opening frame and admits the agent.
func (s *Server) awaitRegister(stream grpc.ServerStream, incoming <-chan *Frame, recvErr <-chan error) (*auth.AgentRecord, error) {
	var reg *RegisterFrame
	select {
	case f := <-incoming:
		if f.Type != FrameRegister || f.Register == nil {
			frame := errorFrame(types.ErrAuthenticationRequired, "first frame must be register", "", true)
			_ = stream.SendMsg(frame)
			return nil, fmt.Errorf("session opened with %q frame", f.Type)
		}
		reg = f.Register
	case err := <-recvErr:
		return nil, err
	case <-time.After(s.config.RegisterTimeout):
		return nil, fmt.Errorf("no register frame within %s", s.config.RegisterTimeout)
	case <-stream.Context().Done():
		return nil, stream.Context().Err()
	}

	// Bare agent ids only; privileged address forms never register.
	if reg.AgentID == "" || strings.Contains(reg.AgentID, ":") {
		frame := errorFrame(types.ErrInvalidEvent, fmt.Sprintf("bad agent id %q", reg.AgentID), "", true)
		_ = stream.SendMsg(frame)
		return nil, fmt.Errorf("register with bad agent id %q", reg.AgentID)
	}

	rec, err := s.backend.RegisterAgent(auth.RegisterRequest{
		AgentID:        reg.AgentID,
		Transport:      s.Name(),
		Metadata:       reg.Metadata,
		PasswordHash:   reg.PasswordHash,
		ForceReconnect: reg.ForceReconnect,
	})
	if err != nil {
		frame := errorFrame(types.KindOf(err), err.Error(), "", true)
		_ = stream.SendMsg(frame)
		return nil, err
	}
	return rec, nil
}

// handleEvent runs one submitted event through the gateway and answers
// with an ack or an error frame.
func (s *Server) handleEvent(ctx context.Context, rec *auth.AgentRecord, e *types.Event, outbox chan<- *Frame) {
	reply := func(f *Frame) {
		select {
		case outbox <- f:
		case <-ctx.Done():
		}
	}

	// A stream session already proved its identity; claiming any other
	// source is refused, and the true identity is stamped regardless.
	if e.SourceID != "" && e.SourceID != types.AgentAddress(rec.AgentID) {
		reply(errorFrame(types.ErrForbidden,
			fmt.Sprintf("source %q does not match session identity", e.SourceID), e.EventID, false))
		return
	}
	e.SourceID = types.AgentAddress(rec.AgentID)
	e.Secret = rec.Secret

	subCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	result, err := s.backend.Submit(subCtx, e)
	if err != nil {
		reply(errorFrame(types.KindOf(err), err.Error(), e.EventID, false))
		return
	}
	reply(&Frame{Type: FrameAck, Ack: &AckFrame{EventID: result.EventID, ResponseData: result.Response}})
}
