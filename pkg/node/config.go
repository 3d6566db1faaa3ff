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
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/openagents-org/openagents-go/pkg/auth"
	"github.com/openagents-org/openagents-go/pkg/mods"
	"github.com/openagents-org/openagents-go/pkg/tls"
)

// DefaultConfigFile is the config file name looked up in the working
// directory when no --config flag is given.
const DefaultConfigFile = "openagents.yaml"

// insecureEnvVar must be set to "1" in the environment before the config
// file's insecure block takes effect. Two deliberate steps, two owners.
const insecureEnvVar = "OPENAGENTS_ALLOW_INSECURE"

// GroupConfig declares one agent group in the config file.
type GroupConfig struct {
	// Password is hashed at load; PasswordHash takes precedence when both
	// are set so config files need not carry plaintext.
	Password     string         `mapstructure:"password" yaml:"password,omitempty"`
	PasswordHash string         `mapstructure:"password_hash" yaml:"password_hash,omitempty"`
	Description  string         `mapstructure:"description" yaml:"description,omitempty"`
	Metadata     map[string]any `mapstructure:"metadata" yaml:"metadata,omitempty"`
}

// NetworkProfile is operator-facing copy surfaced on the health endpoint.
type NetworkProfile struct {
	Readme string `mapstructure:"readme" yaml:"readme,omitempty"`
}

// InsecureConfig holds switches that weaken the security model. Each one
// additionally requires OPENAGENTS_ALLOW_INSECURE=1 in the environment.
type InsecureConfig struct {
	DisableAgentSecretVerification bool `mapstructure:"disable_agent_secret_verification" yaml:"disable_agent_secret_verification,omitempty"`
}

// Config is the full node configuration.
type Config struct {
	Name       string           `mapstructure:"name" yaml:"name"`
	Mode       string           `mapstructure:"mode" yaml:"mode"`
	Host       string           `mapstructure:"host" yaml:"host"`
	Port       int              `mapstructure:"port" yaml:"port"`
	Transports []string         `mapstructure:"transports" yaml:"transports"`
	Mods       []mods.ModConfig `mapstructure:"mods" yaml:"mods,omitempty"`

	AgentGroups       map[string]GroupConfig `mapstructure:"agent_groups" yaml:"agent_groups,omitempty"`
	DefaultAgentGroup string                 `mapstructure:"default_agent_group" yaml:"default_agent_group,omitempty"`
	RequiresPassword  bool                   `mapstructure:"requires_password" yaml:"requires_password,omitempty"`

	Workspace     string `mapstructure:"workspace" yaml:"workspace"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days,omitempty"`

	TLS            tls.Config     `mapstructure:"tls" yaml:"tls,omitempty"`
	NetworkProfile NetworkProfile `mapstructure:"network_profile" yaml:"network_profile,omitempty"`
	Insecure       InsecureConfig `mapstructure:"insecure" yaml:"insecure,omitempty"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level,omitempty"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPENAGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("name", "openagents")
	v.SetDefault("mode", "network")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8700)
	v.SetDefault("transports", []string{"http", "grpc"})
	v.SetDefault("workspace", "./workspace")
	v.SetDefault("tls.mode", tls.ModeOff)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for contradictions before anything starts.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Mode != "network" {
		return fmt.Errorf("mode %q is not supported (only \"network\")", c.Mode)
	}
	if c.Port < 1 || c.Port > 65534 {
		return fmt.Errorf("port %d out of range (grpc binds port+1)", c.Port)
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport must be enabled")
	}
	for _, t := range c.Transports {
		if t != "http" && t != "grpc" {
			return fmt.Errorf("unknown transport %q (want http or grpc)", t)
		}
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}

	if c.DefaultAgentGroup != "" {
		if _, ok := c.AgentGroups[c.DefaultAgentGroup]; !ok {
			return fmt.Errorf("default_agent_group %q is not declared under agent_groups", c.DefaultAgentGroup)
		}
		if g := c.AgentGroups[c.DefaultAgentGroup]; g.Password != "" || g.PasswordHash != "" {
			return fmt.Errorf("default_agent_group %q must not require a password", c.DefaultAgentGroup)
		}
	}
	if c.RequiresPassword {
		any := false
		for _, g := range c.AgentGroups {
			if g.Password != "" || g.PasswordHash != "" {
				any = true
				break
			}
		}
		if !any {
			return fmt.Errorf("requires_password is set but no agent group has a password")
		}
	}

	switch c.TLS.Mode {
	case "", tls.ModeOff, tls.ModeSelfSigned:
	case tls.ModeManual:
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls mode manual needs cert_file and key_file")
		}
	default:
		return fmt.Errorf("unknown tls mode %q", c.TLS.Mode)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	// A half-armed insecure switch is a config mistake, not a no-op.
	if c.Insecure.DisableAgentSecretVerification && os.Getenv(insecureEnvVar) != "1" {
		return fmt.Errorf("insecure.disable_agent_secret_verification also requires %s=1 in the environment", insecureEnvVar)
	}
	return nil
}

// SecretVerificationDisabled reports whether the insecure switch is armed
// by BOTH the config file and the environment.
func (c *Config) SecretVerificationDisabled() bool {
	return c.Insecure.DisableAgentSecretVerification && os.Getenv(insecureEnvVar) == "1"
}

// TransportEnabled reports whether name is in the transports list.
func (c *Config) TransportEnabled(name string) bool {
	for _, t := range c.Transports {
		if t == name {
			return true
		}
	}
	return false
}

// HTTPPort and GRPCPort derive listener ports from the base port.
func (c *Config) HTTPPort() int { return c.Port }
func (c *Config) GRPCPort() int { return c.Port + 1 }

// AuthConfig builds the admission policy, hashing any plaintext group
// passwords. Group order is stable by name.
func (c *Config) AuthConfig() auth.Config {
	names := make([]string, 0, len(c.AgentGroups))
	for name := range c.AgentGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]auth.Group, 0, len(names))
	for _, name := range names {
		gc := c.AgentGroups[name]
		hash := gc.PasswordHash
		if hash == "" && gc.Password != "" {
			hash = auth.HashPassword(gc.Password)
		}
		groups = append(groups, auth.Group{
			Name:         name,
			PasswordHash: hash,
			Description:  gc.Description,
			Metadata:     gc.Metadata,
		})
	}
	return auth.Config{
		Groups:                    groups,
		DefaultGroup:              c.DefaultAgentGroup,
		RequiresPassword:          c.RequiresPassword,
		DisableSecretVerification: c.SecretVerificationDisabled(),
	}
}

// DefaultConfigYAML is the template written by "config init".
const DefaultConfigYAML = `# OpenAgents network node configuration.
name: my-network
mode: network
host: 0.0.0.0
port: 8700               # http binds here, grpc binds port+1
transports: [http, grpc]

mods:
  - path: echo
  - path: messaging

agent_groups:
  admin:
    password: "change-me"
    description: network operators
    metadata:
      role: operator
  guests:
    description: default group

default_agent_group: guests
requires_password: false

workspace: ./workspace
retention_days: 0        # 0 keeps the event log forever

tls:
  mode: "off"            # off | self_signed | manual

network_profile:
  readme: |
    Welcome. Say hello in channel:general.

log_level: info
`
