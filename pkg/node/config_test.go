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

package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents-org/openagents-go/pkg/auth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openagents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "name: lan-party\n"))
	require.NoError(t, err)
	assert.Equal(t, "lan-party", cfg.Name)
	assert.Equal(t, "network", cfg.Mode)
	assert.Equal(t, 8700, cfg.Port)
	assert.Equal(t, []string{"http", "grpc"}, cfg.Transports)
	assert.Equal(t, "./workspace", cfg.Workspace)
	assert.Equal(t, 8700, cfg.HTTPPort())
	assert.Equal(t, 8701, cfg.GRPCPort())
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
name: lan-party
port: 9000
transports: [http]
mods:
  - path: echo
  - path: messaging
    config:
      db_file: custom.db
agent_groups:
  admin:
    password: hunter2
    metadata:
      role: operator
  guests:
    description: default
default_agent_group: guests
workspace: /tmp/ws
retention_days: 14
tls:
  mode: self_signed
network_profile:
  readme: hello there
log_level: debug
`))
	require.NoError(t, err)
	require.Len(t, cfg.Mods, 2)
	assert.Equal(t, "messaging", cfg.Mods[1].Path)
	assert.Equal(t, "custom.db", cfg.Mods[1].Config["db_file"])
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "hello there", cfg.NetworkProfile.Readme)
	assert.Equal(t, "self_signed", cfg.TLS.Mode)

	ac := cfg.AuthConfig()
	require.Len(t, ac.Groups, 2)
	assert.Equal(t, "admin", ac.Groups[0].Name)
	assert.Equal(t, auth.HashPassword("hunter2"), ac.Groups[0].PasswordHash,
		"plaintext passwords are hashed at load")
	assert.Equal(t, "guests", ac.DefaultGroup)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad mode", "name: x\nmode: standalone\n"},
		{"bad transport", "name: x\ntransports: [carrier-pigeon]\n"},
		{"bad port", "name: x\nport: 0\n"},
		{"missing default group", "name: x\ndefault_agent_group: ghosts\n"},
		{"default group with password", `
name: x
agent_groups:
  vip: {password: s}
default_agent_group: vip
`},
		{"requires_password without any", "name: x\nrequires_password: true\n"},
		{"bad tls mode", "name: x\ntls: {mode: acme}\n"},
		{"bad log level", "name: x\nlog_level: loud\n"},
		{"manual tls without files", "name: x\ntls: {mode: manual}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestInsecureNeedsDoubleOptIn(t *testing.T) {
	insecureYAML := `
name: x
insecure:
  disable_agent_secret_verification: true
`
	// Config alone is rejected outright, not silently disarmed.
	_, err := LoadConfig(writeConfig(t, insecureYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), insecureEnvVar)

	t.Setenv(insecureEnvVar, "1")
	cfg, err := LoadConfig(writeConfig(t, insecureYAML))
	require.NoError(t, err)
	assert.True(t, cfg.SecretVerificationDisabled())

	// Environment alone is not enough either.
	plain, err := LoadConfig(writeConfig(t, "name: x\n"))
	require.NoError(t, err)
	assert.False(t, plain.SecretVerificationDisabled())
}

func TestCheckConfigSchema(t *testing.T) {
	ok := writeConfig(t, DefaultConfigYAML)
	require.NoError(t, CheckConfigSchema(ok))

	typo := writeConfig(t, "name: x\ntransprots: [http]\n")
	err := CheckConfigSchema(typo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transprots")

	badType := writeConfig(t, "name: x\nport: eight-thousand\n")
	require.Error(t, CheckConfigSchema(badType))
}

func TestDefaultConfigTemplateParses(t *testing.T) {
	path := writeConfig(t, DefaultConfigYAML)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "my-network", cfg.Name)
	assert.Equal(t, "guests", cfg.DefaultAgentGroup)
	require.Len(t, cfg.Mods, 2)
}
