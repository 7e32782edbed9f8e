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

// Package consistency compares a parsed descriptor against the node's
// current configuration and classifies the result as good, so-so, or bad.
package consistency

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mixminion/mixkeyd/internal/descriptor"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/platform"
)

// Verdict is the tagged tri-state result of a consistency check.
type Verdict string

const (
	Good Verdict = "good"
	SoSo Verdict = "so-so"
	Bad  Verdict = "bad"
)

// Report captures the verdict plus the human-readable warnings collected
// along the way, so callers can print or log it without re-deriving the
// same comparisons.
type Report struct {
	Verdict  Verdict
	Warnings []string
}

// Check compares d against cfg. isPublished controls the "published" vs
// "in unpublished descriptor" wording of warning strings.
// logWarnings, when true, also emits each warning via slog.
func Check(d *descriptor.Descriptor, cfg *mixconfig.Config, logWarnings bool, isPublished bool) Report {
	var warnings []string
	errCount := 0

	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if !isPublished {
			msg = strings.ReplaceAll(msg, "published", "in unpublished descriptor")
		}
		warnings = append(warnings, msg)
		if logWarnings {
			slog.Warn(msg)
		}
	}

	bad := func(format string, args ...any) {
		warn(format, args...)
		errCount++
	}

	softWarn := func(format string, args ...any) {
		// Counts then immediately uncounts: the log message survives
		// but never forces a rebuild the operator can't act on (e.g.
		// stored identity key size vs configured size).
		errCount++
		warn(format, args...)
		errCount--
	}

	if d.Nickname != cfg.Nickname {
		bad("nickname mismatch: descriptor has %q, config has %q", d.Nickname, cfg.Nickname)
	}

	if bits, err := identityBits(d.Identity); err == nil {
		if bits != cfg.IdentityKeyBits {
			softWarn("stored identity key is %d bits, configured size is %d bits", bits, cfg.IdentityKeyBits)
		}
	}

	if d.Contact != cfg.ContactEmail {
		bad("contact email mismatch: descriptor has %q, config has %q", d.Contact, cfg.ContactEmail)
	}

	if d.ContactFingerprint != cfg.ContactFingerprint {
		bad("contact fingerprint mismatch: descriptor has %q, config has %q", d.ContactFingerprint, cfg.ContactFingerprint)
	}

	if d.Software != descriptor.Software() {
		softWarn("software field %q does not match this build", d.Software)
	}

	if d.Comments != cfg.Comments {
		bad("comments mismatch: descriptor has %q, config has %q", d.Comments, cfg.Comments)
	}

	lifetime := d.ValidUntil.Sub(d.ValidAfter)
	if lifetime != cfg.PublicKeyLifetime {
		softWarn("descriptor validity window is %s, configured lifetime is %s", lifetime, cfg.PublicKeyLifetime)
	}

	reasons := cfg.GetInsecurities()
	wantSecure := len(reasons) == 0
	if d.SecureConfiguration != wantSecure {
		bad("secure-configuration mismatch: descriptor says %t, config implies %t", d.SecureConfiguration, wantSecure)
	} else if !wantSecure && !sameReasons(d.WhyInsecure, reasons) {
		warnings = append(warnings, "insecurity reasons changed since descriptor was generated")
	}

	if cfg.IncomingMMTP.Enabled {
		if d.IncomingMMTP == nil {
			bad("incoming MMTP enabled in config but absent from published descriptor")
		} else {
			if cfg.IncomingMMTP.Port != 0 && d.IncomingMMTP.Port != cfg.IncomingMMTP.Port {
				bad("incoming MMTP port mismatch: descriptor has %d, config has %d", d.IncomingMMTP.Port, cfg.IncomingMMTP.Port)
			}
			if host := expectedHostname(cfg); host != "" && d.IncomingMMTP.Hostname != host {
				softWarn("hostname in published descriptor is %q, expected %q", d.IncomingMMTP.Hostname, host)
			}
		}
	} else if d.IncomingMMTP != nil {
		bad("incoming MMTP present in descriptor but disabled in config")
	}

	if cfg.OutgoingMMTP.Enabled != (d.OutgoingMMTP != nil) {
		bad("outgoing MMTP enabled/published parity mismatch")
	}

	if d.Platform != platform.Summary() {
		softWarn("platform summary changed since descriptor was generated")
	}

	want, err := configurationHashFor(cfg)
	if err == nil && d.Configuration != want {
		bad("configuration summary hash changed; descriptor reflects stale configuration")
	}

	verdict := Good
	switch {
	case errCount > 0:
		verdict = Bad
	case len(warnings) > 0:
		verdict = SoSo
	}

	return Report{Verdict: verdict, Warnings: warnings}
}

// expectedHostname is the hostname a descriptor built from cfg right now
// would carry: the configured one, or the FQDN guess when unconfigured.
func expectedHostname(cfg *mixconfig.Config) string {
	if cfg.IncomingMMTP.Hostname != "" {
		return cfg.IncomingMMTP.Hostname
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func sameReasons(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func identityBits(b64 string) (int, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return 0, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return 0, fmt.Errorf("not an RSA public key")
	}
	return rsaPub.N.BitLen(), nil
}

// configurationHashFor recomputes what the current config's canonical
// configuration-summary hash would be, using a fresh descriptor Builder,
// so Check can compare it against what's embedded in the descriptor.
func configurationHashFor(cfg *mixconfig.Config) (string, error) {
	return descriptor.NewBuilder().ConfigurationHashFor(cfg)
}
