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
package consistency

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gopkg.in/slog-handler.v1"

	"github.com/mixminion/mixkeyd/internal/descriptor"
	"github.com/mixminion/mixkeyd/internal/identity"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
)

func testConfig() *mixconfig.Config {
	return &mixconfig.Config{
		Nickname:          "alice",
		ContactEmail:      "alice@example.com",
		Comments:          "test node",
		IdentityKeyBits:   2048,
		PublicKeyLifetime: 30 * 24 * time.Hour,
		PublicKeyOverlap:  24 * time.Hour,
		BaseDir:           "/tmp",
	}
}

func buildDescriptor(t *testing.T, cfg *mixconfig.Config) *descriptor.Descriptor {
	t.Helper()

	id, err := identity.Load(t.TempDir(), 2048)
	require.NoError(t, err)

	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d, _, err := descriptor.NewBuilder().Build(cfg, id, &pk.PublicKey, now, nil, now)
	require.NoError(t, err)

	return d
}

func TestCheck_FreshBuildIsGood(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	report := Check(d, cfg, false, false)
	assert.Equal(t, Good, report.Verdict)
	assert.Empty(t, report.Warnings)
}

func TestCheck_NicknameDrift(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	cfg.Nickname = "bob"

	report := Check(d, cfg, false, false)
	assert.Equal(t, Bad, report.Verdict)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "nickname mismatch")
}

func TestCheck_ContactDrift(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	cfg.ContactEmail = "bob@example.com"

	report := Check(d, cfg, false, false)
	assert.Equal(t, Bad, report.Verdict)
}

func TestCheck_LifetimeDriftIsWarningOnly(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	// The operator shortening the lifetime must not invalidate descriptors
	// already on disk: the stored window can't be changed anyway.
	cfg.PublicKeyLifetime = 20 * 24 * time.Hour

	report := Check(d, cfg, false, false)
	assert.Equal(t, SoSo, report.Verdict)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "validity window")
}

func TestCheck_MMTPParity(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	cfg.OutgoingMMTP.Enabled = true

	report := Check(d, cfg, false, false)
	assert.Equal(t, Bad, report.Verdict)
}

func TestCheck_HostnameDriftIsWarningOnly(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	cfg.IncomingMMTP.Enabled = true
	cfg.IncomingMMTP.Hostname = "mix.example.com"
	cfg.IncomingMMTP.Port = 48099

	d := buildDescriptor(t, testConfig())
	d.IncomingMMTP = &descriptor.MMTPFields{Hostname: "mix.example.com", Port: 48099}

	hash, err := descriptor.NewBuilder().ConfigurationHashFor(cfg)
	require.NoError(t, err)
	d.Configuration = hash

	report := Check(d, cfg, false, true)
	assert.Equal(t, Good, report.Verdict)

	// A drifted hostname warns but does not force a rebuild.
	d.IncomingMMTP.Hostname = "other.example.net"

	report = Check(d, cfg, false, true)
	assert.Equal(t, SoSo, report.Verdict)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "hostname")
	assert.Contains(t, report.Warnings[0], "other.example.net")
}

func TestCheck_UnpublishedWording(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	cfg := testConfig()
	d := buildDescriptor(t, cfg)

	// Enabled in config, absent from the descriptor: the warning names the
	// "published descriptor" only when the descriptor actually is
	// published.
	cfg.IncomingMMTP.Enabled = true

	published := Check(d, cfg, false, true)
	unpublished := Check(d, cfg, false, false)

	assert.Equal(t, Bad, published.Verdict)
	assert.Equal(t, Bad, unpublished.Verdict)

	require.NotEmpty(t, published.Warnings)
	require.NotEmpty(t, unpublished.Warnings)
	assert.Contains(t, published.Warnings[0], "published descriptor")
	assert.Contains(t, unpublished.Warnings[0], "in unpublished descriptor")
	assert.False(t, strings.Contains(unpublished.Warnings[0], " published "))
}
