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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	cachedCertFile = "selfsigned-cert.pem"
	cachedKeyFile  = "selfsigned-key.pem"
)

// SelfSignedProvider generates an ECDSA P-256 certificate for development
// networks. With a cache dir configured, a still-valid cert from a prior
// run is reused instead of regenerated.
type SelfSignedProvider struct {
	config   Config
	cert     *tls.Certificate
	x509Cert *x509.Certificate
}

// NewSelfSignedProvider creates a self-signed certificate provider.
func NewSelfSignedProvider(config Config) (*SelfSignedProvider, error) {
	if config.ValidityDays <= 0 {
		config.ValidityDays = 365
	}
	if len(config.Hostnames) == 0 && len(config.IPAddresses) == 0 {
		config.Hostnames = []string{"localhost"}
		config.IPAddresses = []string{"127.0.0.1"}
	}
	if config.Organization == "" {
		config.Organization = "OpenAgents Development"
	}

	p := &SelfSignedProvider{config: config}
	if cert, x509Cert, ok := p.loadCached(); ok {
		p.cert, p.x509Cert = cert, x509Cert
		return p, nil
	}

	cert, x509Cert, err := generateSelfSigned(config)
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	p.cert, p.x509Cert = cert, x509Cert
	if err := p.writeCache(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetCertificate returns the self-signed certificate.
func (p *SelfSignedProvider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if p.cert == nil {
		return nil, fmt.Errorf("no certificate generated")
	}
	return p.cert, nil
}

// Leaf exposes the parsed certificate for status reporting and tests.
func (p *SelfSignedProvider) Leaf() *x509.Certificate { return p.x509Cert }

// loadCached reuses a cached cert when present and still valid for at
// least a day.
func (p *SelfSignedProvider) loadCached() (*tls.Certificate, *x509.Certificate, bool) {
	if p.config.CacheDir == "" {
		return nil, nil, false
	}
	certPath := filepath.Join(p.config.CacheDir, cachedCertFile)
	keyPath := filepath.Join(p.config.CacheDir, cachedKeyFile)
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, nil, false
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, nil, false
	}
	if time.Until(x509Cert.NotAfter) < 24*time.Hour {
		return nil, nil, false
	}
	return &cert, x509Cert, true
}

func (p *SelfSignedProvider) writeCache() error {
	if p.config.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.config.CacheDir, 0o700); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.cert.Certificate[0]})
	keyDER, err := x509.MarshalECPrivateKey(p.cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(p.config.CacheDir, cachedCertFile), certPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.config.CacheDir, cachedKeyFile), keyPEM, 0o600)
}

func generateSelfSigned(config Config) (*tls.Certificate, *x509.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{config.Organization},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(time.Duration(config.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              config.Hostnames,
	}
	for _, ipStr := range config.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	x509Cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("build key pair: %w", err)
	}
	return &tlsCert, x509Cert, nil
}
