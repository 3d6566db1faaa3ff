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

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"
)

// ManualProvider serves operator-supplied certificate files. The files are
// re-checked on handshake so a replaced certificate takes effect without a
// restart.
type ManualProvider struct {
	certFile string
	keyFile  string

	mu       sync.Mutex
	cert     *tls.Certificate
	x509Cert *x509.Certificate
	loadedAt time.Time
	modTime  time.Time
}

// reloadCheckInterval bounds how often handshakes stat the cert file.
const reloadCheckInterval = 30 * time.Second

// NewManualProvider creates a file-based certificate provider.
func NewManualProvider(config Config) (*ManualProvider, error) {
	if config.CertFile == "" || config.KeyFile == "" {
		return nil, fmt.Errorf("cert_file and key_file are required for manual TLS")
	}
	p := &ManualProvider{certFile: config.CertFile, keyFile: config.KeyFile}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetCertificate returns the loaded certificate, hot-reloading when the
// file on disk changed.
func (p *ManualProvider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.loadedAt) > reloadCheckInterval {
		if info, err := os.Stat(p.certFile); err == nil && info.ModTime().After(p.modTime) {
			if err := p.loadLocked(); err != nil {
				// Keep serving the previous cert on a broken replacement.
				return p.cert, nil
			}
		}
		p.loadedAt = time.Now()
	}
	if p.cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return p.cert, nil
}

// Leaf exposes the parsed certificate for status reporting and tests.
func (p *ManualProvider) Leaf() *x509.Certificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.x509Cert
}

func (p *ManualProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *ManualProvider) loadLocked() error {
	cert, err := tls.LoadX509KeyPair(p.certFile, p.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	p.cert = &cert
	p.x509Cert = x509Cert
	p.loadedAt = time.Now()
	if info, err := os.Stat(p.certFile); err == nil {
		p.modTime = info.ModTime()
	}
	return nil
}
