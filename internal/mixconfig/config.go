/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

// Package mixconfig loads and validates the node's static configuration.
package mixconfig

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

// Config is the validated, typed configuration of a single mix node.
type Config struct {
	Nickname           string          `mapstructure:"nickname"`
	ContactEmail       string          `mapstructure:"contact_email"`
	ContactFingerprint string          `mapstructure:"contact_fingerprint"`
	Comments           string          `mapstructure:"comments"`
	IdentityKeyBits    int             `mapstructure:"identity_key_bits"`
	PublicKeyLifetime  time.Duration   `mapstructure:"public_key_lifetime"`
	PublicKeyOverlap   time.Duration   `mapstructure:"public_key_overlap"`
	DHParamBits        int             `mapstructure:"dh_param_bits"`
	BaseDir            string          `mapstructure:"base_dir"`
	DirectoryURL       string          `mapstructure:"directory_url"`
	PublishTimeout     time.Duration   `mapstructure:"publish_timeout"`
	StatusFile         string          `mapstructure:"status_file"`
	IncomingMMTP       MMTPSection     `mapstructure:"incoming_mmtp"`
	OutgoingMMTP       OutgoingSection `mapstructure:"outgoing_mmtp"`
	ModuleManager      ModuleManager   `mapstructure:"modules"`
	EncryptIdentityKey bool            `mapstructure:"encrypt_identity_key"`
	Server             ServerSection   `mapstructure:"server"`
	Storage            StorageSection  `mapstructure:"storage"`
}

// ServerSection configures the diagnostic HTTP listener.
type ServerSection struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageSection selects and configures the hash-log backend.
type StorageSection struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	DumpDir         string        `mapstructure:"dump_dir"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
}

// MMTPSection mirrors an [Incoming/MMTP] or [Outgoing/MMTP] config
// block. Allow/Deny rules are accepted in config files for compatibility
// but enforcing them is out of scope for this daemon.
type MMTPSection struct {
	Enabled  bool   `mapstructure:"enabled"`
	Hostname string `mapstructure:"hostname"`
	IP       string `mapstructure:"ip"`
	Port     int    `mapstructure:"port"`
}

// OutgoingSection adds the outgoing-only MaxConnections knob on top of the
// shared MMTP fields.
type OutgoingSection struct {
	MMTPSection    `mapstructure:",squash"`
	MaxConnections int `mapstructure:"max_connections"`
}

// ModuleManager names the enabled delivery modules (SMTP, fragmented
// delivery, …). The module bodies themselves are out of scope, but the
// enabled set still feeds the configuration summary, so enabling or
// disabling a module flags every on-disk descriptor for regeneration.
type ModuleManager struct {
	EnabledModules []string `mapstructure:"enabled_modules"`
}

// New loads configuration from viper (already told where to look by the
// caller) and validates it. A non-nil error is always a
// *mixerrors.Error of kind KindConfig and is fatal to the process.
func New() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, mixerrors.ConfigErr("mixconfig.New", fmt.Errorf("unmarshal: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded", "nickname", cfg.Nickname, "base_dir", cfg.BaseDir)

	return cfg, nil
}

// Validate enforces the bounds of the config contract at construction
// time, so nothing downstream ever sees an out-of-range value.
func (c *Config) Validate() error {
	if c.Nickname == "" {
		return mixerrors.ConfigErr("Config.Validate", fmt.Errorf("nickname is required"))
	}

	if c.IdentityKeyBits < 2048 || c.IdentityKeyBits > 4096 {
		return mixerrors.ConfigErr("Config.Validate",
			fmt.Errorf("identity_key_bits must be between 2048 and 4096, got %d", c.IdentityKeyBits))
	}

	if c.PublicKeyLifetime < 24*time.Hour {
		return mixerrors.ConfigErr("Config.Validate",
			fmt.Errorf("public_key_lifetime must be at least 24h, got %s", c.PublicKeyLifetime))
	}

	if c.PublicKeyOverlap < 6*time.Hour || c.PublicKeyOverlap > 72*time.Hour {
		return mixerrors.ConfigErr("Config.Validate",
			fmt.Errorf("public_key_overlap must be between 6h and 72h, got %s", c.PublicKeyOverlap))
	}

	if c.BaseDir == "" {
		return mixerrors.ConfigErr("Config.Validate", fmt.Errorf("base_dir is required"))
	}

	if c.OutgoingMMTP.MaxConnections != 0 && c.OutgoingMMTP.MaxConnections < 1 {
		return mixerrors.ConfigErr("Config.Validate",
			fmt.Errorf("outgoing_mmtp.max_connections must be at least 1"))
	}

	if c.EncryptIdentityKey {
		slog.Warn("identity key encryption not yet implemented, ignoring encrypt_identity_key")
	}

	return nil
}

// GetInsecurities returns the list of human-readable reasons this
// configuration is not considered secure. A non-empty return flips the
// descriptor's Secure-Configuration field to "no" and feeds the
// Why-Insecure list.
func (c *Config) GetInsecurities() []string {
	reasons := []string{"Software is alpha"}

	if !c.EncryptIdentityKey {
		reasons = append(reasons, "Identity key is not encrypted")
	}

	if c.PublicKeyOverlap < 12*time.Hour {
		reasons = append(reasons, "PublicKeyOverlap is uncomfortably short")
	}

	return reasons
}

// GetConfigurationSummary returns the ordered list of "section/key=value"
// strings that DescriptorBuilder canonicalizes and hashes into the
// [Testing] Configuration field. Ordering is fixed so the hash is
// stable across restarts.
func (c *Config) GetConfigurationSummary() []string {
	modules := append([]string(nil), c.ModuleManager.EnabledModules...)
	sort.Strings(modules)

	return []string{
		fmt.Sprintf("Server/PublicKeyOverlap=%s", c.PublicKeyOverlap),
		fmt.Sprintf("Server/IdentityKeyBits=%d", c.IdentityKeyBits),
		fmt.Sprintf("Incoming/MMTP/Enabled=%t", c.IncomingMMTP.Enabled),
		fmt.Sprintf("Outgoing/MMTP/Enabled=%t", c.OutgoingMMTP.Enabled),
		fmt.Sprintf("Outgoing/MMTP/MaxConnections=%d", c.OutgoingMMTP.MaxConnections),
		fmt.Sprintf("Modules/Enabled=%s", strings.Join(modules, ",")),
	}
}
