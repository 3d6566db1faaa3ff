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

// Package httppoll is the HTTP long-poll transport: registration, event
// submission, and delivery by polling, for agents that cannot hold a
// stream open.
package httppoll

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/transport"
)

// Config tunes the HTTP listener.
type Config struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// MaxPollWait caps the long-poll hold; client timeouts above it are
	// clamped. Zero means the default of 30s.
	MaxPollWait time.Duration `mapstructure:"max_poll_wait" yaml:"max_poll_wait,omitempty"`

	// SubmitTimeout bounds one send_event pipeline run. Zero means the
	// default of 30s.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" yaml:"submit_timeout,omitempty"`

	CORS CORSConfig `mapstructure:"cors" yaml:"cors,omitempty"`
}

// CORSConfig controls cross-origin headers for browser-hosted studios.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
}

const (
	defaultMaxPollWait   = 30 * time.Second
	defaultSubmitTimeout = 30 * time.Second
)

// Server is the HTTP long-poll transport.
type Server struct {
	config  Config
	backend transport.Backend
	logger  *zap.Logger
	tlsConf *cryptotls.Config

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer builds the transport. tlsConf may be nil for plaintext.
func NewServer(config Config, backend transport.Backend, tlsConf *cryptotls.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxPollWait <= 0 {
		config.MaxPollWait = defaultMaxPollWait
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = defaultSubmitTimeout
	}
	return &Server{config: config, backend: backend, logger: logger, tlsConf: tlsConf}
}

// Name implements transport.Transport.
func (s *Server) Name() string { return "http" }

// Handler builds the route mux. Exposed so tests can drive the transport
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/health", s.handleHealth},
		{http.MethodPost, "/api/register", s.handleRegister},
		{http.MethodPost, "/api/unregister", s.handleUnregister},
		{http.MethodGet, "/api/poll", s.handlePoll},
		{http.MethodPost, "/api/send_event", s.handleSendEvent},
		{http.MethodGet, "/api/agents/service/{agent_id}/llm-logs", s.handleListLLMLogs},
		{http.MethodGet, "/api/agents/service/{agent_id}/llm-logs/{log_id}", s.handleGetLLMLog},
		{http.MethodPost, "/api/agents/service/{agent_id}/llm-logs", s.handleAppendLLMLog},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.fn); err != nil {
			// Route table is static; a registration failure is a
			// programming error.
			panic(fmt.Sprintf("register %s %s: %v", r.method, r.path, err))
		}
	}

	var handler http.Handler = mux
	if s.config.CORS.Enabled {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Serve implements transport.Transport.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("http listener on %s: %w", addr, transport.ErrAddrInUse)
		}
		return fmt.Errorf("http listener on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Long polls hold the connection; write timeout must exceed the
		// poll hold plus slack.
		WriteTimeout: s.config.MaxPollWait + 15*time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    s.tlsConf,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("http transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.tlsConf != nil))

	if s.tlsConf != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown implements transport.Transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if len(s.config.CORS.AllowedOrigins) == 0 {
		return "*"
	}
	for _, o := range s.config.CORS.AllowedOrigins {
		if o == "*" || o == origin {
			return origin
		}
	}
	return ""
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok && opErr.Op == "listen" {
		return transport.IsAddrInUse(opErr.Err)
	}
	return transport.IsAddrInUse(err)
}
