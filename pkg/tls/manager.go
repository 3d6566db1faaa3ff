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

// Package tls provides the node's certificate management: a manual
// file-based provider and a self-signed convenience provider for
// development networks. Certificate issuance beyond that is out of scope.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLS modes accepted in config.
const (
	ModeOff        = "off"
	ModeSelfSigned = "self_signed"
	ModeManual     = "manual"
)

// Config selects and parameterizes the certificate provider.
type Config struct {
	Mode         string `mapstructure:"mode" yaml:"mode"`
	CertFile     string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile      string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	ClientCAFile string `mapstructure:"client_ca_file" yaml:"client_ca_file,omitempty"`

	// Self-signed parameters.
	Hostnames    []string `mapstructure:"hostnames" yaml:"hostnames,omitempty"`
	IPAddresses  []string `mapstructure:"ip_addresses" yaml:"ip_addresses,omitempty"`
	ValidityDays int      `mapstructure:"validity_days" yaml:"validity_days,omitempty"`
	Organization string   `mapstructure:"organization" yaml:"organization,omitempty"`

	// CacheDir lets the self-signed provider reuse its cert across
	// restarts instead of regenerating.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir,omitempty"`
}

// Enabled reports whether any TLS mode is selected.
func (c Config) Enabled() bool {
	return c.Mode != "" && c.Mode != ModeOff
}

// Provider serves certificates on handshake.
type Provider interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Manager wraps a provider into *tls.Config values for the listeners.
type Manager struct {
	config   Config
	provider Provider
	clientCA *x509.CertPool
}

// NewManager builds a manager for an enabled config.
func NewManager(config Config) (*Manager, error) {
	var provider Provider
	var err error
	switch config.Mode {
	case ModeSelfSigned:
		provider, err = NewSelfSignedProvider(config)
	case ModeManual:
		provider, err = NewManualProvider(config)
	default:
		return nil, fmt.Errorf("unknown TLS mode %q (must be off, self_signed, or manual)", config.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("tls provider: %w", err)
	}

	m := &Manager{config: config, provider: provider}
	if config.ClientCAFile != "" {
		pem, err := os.ReadFile(config.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA %s holds no certificates", config.ClientCAFile)
		}
		m.clientCA = pool
	}
	return m, nil
}

// ServerConfig returns the *tls.Config for the node's listeners. When a
// client CA is configured, client certificates are required (mTLS).
func (m *Manager) ServerConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.provider.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	if m.clientCA != nil {
		cfg.ClientCAs = m.clientCA
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
