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

// Package streamrpc is the gRPC stream transport: one bidirectional
// Session stream per agent, carrying JSON frames. The service descriptor
// is hand-written; there is no generated protobuf code because frames are
// schemaless JSON envelopes.
package streamrpc

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/openagents-org/openagents-go/pkg/transport"
)

// ServiceName is the fully qualified gRPC service the transport exposes.
const ServiceName = "openagents.v1.AgentStream"

// Config tunes the gRPC listener.
type Config struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// RegisterTimeout bounds how long a fresh connection may sit silent
	// before its first register frame. Zero means the default of 10s.
	RegisterTimeout time.Duration `mapstructure:"register_timeout" yaml:"register_timeout,omitempty"`

	// OutboxWatermark is the per-session send buffer; a session that
	// cannot drain past it is disconnected. Zero means the default of 256.
	OutboxWatermark int `mapstructure:"outbox_watermark" yaml:"outbox_watermark,omitempty"`
}

const (
	defaultRegisterTimeout = 10 * time.Second
	defaultOutboxWatermark = 256
)

// Server is the gRPC stream transport.
type Server struct {
	config  Config
	backend transport.Backend
	logger  *zap.Logger
	tlsConf *cryptotls.Config

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
}

// sessionHost is the HandlerType shape the service descriptor binds to.
type sessionHost interface {
	session(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sessionHost)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName: "Session",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(sessionHost).session(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "openagents/v1/agent_stream.proto",
}

// NewServer builds the transport. tlsConf may be nil for plaintext.
func NewServer(config Config, backend transport.Backend, tlsConf *cryptotls.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = defaultRegisterTimeout
	}
	if config.OutboxWatermark <= 0 {
		config.OutboxWatermark = defaultOutboxWatermark
	}
	return &Server{config: config, backend: backend, logger: logger, tlsConf: tlsConf}
}

// Name implements transport.Transport.
func (s *Server) Name() string { return "grpc" }

// Serve implements transport.Transport.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if transport.IsAddrInUse(err) {
			return fmt.Errorf("grpc listener on %s: %w", addr, transport.ErrAddrInUse)
		}
		return fmt.Errorf("grpc listener on %s: %w", addr, err)
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if s.tlsConf != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsConf)))
	}

	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, s)

	s.mu.Lock()
	s.grpcServer = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("grpc transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.tlsConf != nil))
	return srv.Serve(ln)
}

// Addr reports the bound listen address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown implements transport.Transport. Sessions are told to drain;
// stragglers are cut off when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.grpcServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}
