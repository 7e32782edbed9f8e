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

// Package descriptor builds, signs, and parses the signed text server
// descriptor a node advertises to the directory.
package descriptor

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"

	"github.com/mixminion/mixkeyd/internal/identity"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/mixerrors"
	"github.com/mixminion/mixkeyd/internal/platform"
	"github.com/mixminion/mixkeyd/internal/version"
)

// Software returns the value of the descriptor's Software field for this
// build: the daemon name, suffixed with the injected version when one is
// set.
func Software() string {
	if v := version.GetVersion(); v != "" {
		return "mixkeyd " + v
	}
	return "mixkeyd"
}

// MMTPFields mirrors an [Incoming/MMTP] or [Outgoing/MMTP] section.
type MMTPFields struct {
	Version   string
	IP        string
	Hostname  string
	Port      int
	KeyDigest string
	Protocols string
}

// Descriptor is the parsed form of the signed text descriptor.
type Descriptor struct {
	DescriptorVersion   string
	Nickname            string
	Identity            string // base64 DER public key
	Digest              string // hex sha1 of canonical body
	Signature           string // base64 RSA signature of Digest
	ValidAfter          time.Time
	ValidUntil          time.Time
	BuildTime           time.Time // when this descriptor text was generated
	PacketKey           string    // base64 DER public packet key
	PacketVersions      string
	Software            string
	SecureConfiguration bool
	WhyInsecure         []string
	Contact             string
	ContactFingerprint  string
	Comments            string
	IncomingMMTP        *MMTPFields
	OutgoingMMTP        *MMTPFields
	Platform            string
	Configuration       string // hex sha1 of canonicalized config summary
}

const dateLayout = "2006-01-02 15:04:05"

// midnight truncates t to 00:00:00 UTC of the same calendar day.
func midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Builder produces signed descriptors for a node. It caches DNS-locality
// verdicts and the guessed outbound IP across calls, so repeated builds
// don't repeat resolver work.
type Builder struct {
	hostnameLocal sync.Map // hostname -> bool
	guessedIP     string
	guessOnce     sync.Once
	guessErr      error
}

// NewBuilder returns a ready-to-use Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build constructs and signs a descriptor for one KeySet generation.
// validAfter is snapped to the previous midnight of validAfter+30s;
// validUntil, if nil, is computed as midnight(validAfter + lifetime + 30s).
func (b *Builder) Build(cfg *mixconfig.Config, id *identity.Key, packetPub *rsa.PublicKey, validAfter time.Time, validUntil *time.Time, now time.Time) (*Descriptor, []byte, error) {
	va := midnight(validAfter.Add(30 * time.Second))

	var vu time.Time
	if validUntil != nil {
		vu = *validUntil
	} else {
		vu = midnight(va.Add(cfg.PublicKeyLifetime).Add(30 * time.Second))
	}

	idDER, err := id.PublicDER()
	if err != nil {
		return nil, nil, mixerrors.BuildErr("Builder.Build", err)
	}

	packetDER, err := x509.MarshalPKIXPublicKey(packetPub)
	if err != nil {
		return nil, nil, mixerrors.BuildErr("Builder.Build", fmt.Errorf("marshal packet key: %w", err))
	}

	d := &Descriptor{
		DescriptorVersion:  "0.3",
		Nickname:           cfg.Nickname,
		Identity:           base64.StdEncoding.EncodeToString(idDER),
		BuildTime:          now,
		ValidAfter:         va,
		ValidUntil:         vu,
		PacketKey:          base64.StdEncoding.EncodeToString(packetDER),
		PacketVersions:     "0.3",
		Software:           Software(),
		Contact:            cfg.ContactEmail,
		ContactFingerprint: cfg.ContactFingerprint,
		Comments:           cfg.Comments,
		Platform:           platform.Summary(),
	}

	reasons := cfg.GetInsecurities()
	d.SecureConfiguration = len(reasons) == 0
	d.WhyInsecure = reasons

	// The fingerprint published as Key-Digest: sha1 over the DER-encoded
	// public identity key, base64-encoded.
	idDigest := sha1.Sum(idDER)
	fingerprint := base64.StdEncoding.EncodeToString(idDigest[:])

	if cfg.IncomingMMTP.Enabled {
		hostname, ip, err := b.resolveEndpoint(cfg.IncomingMMTP.Hostname, cfg.IncomingMMTP.IP)
		if err != nil {
			return nil, nil, mixerrors.BuildErr("Builder.Build", fmt.Errorf("incoming mmtp: %w", err))
		}
		d.IncomingMMTP = &MMTPFields{
			Version:   "0.3",
			IP:        ip,
			Hostname:  hostname,
			Port:      cfg.IncomingMMTP.Port,
			KeyDigest: fingerprint,
			Protocols: "0.3",
		}
	}

	if cfg.OutgoingMMTP.Enabled {
		d.OutgoingMMTP = &MMTPFields{
			Version:   "0.3",
			KeyDigest: fingerprint,
			Protocols: "0.3",
		}
	}

	cfgHash, err := b.configurationHash(cfg)
	if err != nil {
		return nil, nil, mixerrors.BuildErr("Builder.Build", err)
	}
	d.Configuration = cfgHash

	body := marshalBody(d)
	digest := sha1.Sum([]byte(body))
	d.Digest = fmt.Sprintf("%x", digest)

	sig, err := rsa.SignPKCS1v15(rand.Reader, id.Private(), crypto.SHA1, digest[:])
	if err != nil {
		return nil, nil, mixerrors.BuildErr("Builder.Build", fmt.Errorf("sign: %w", err))
	}
	d.Signature = base64.StdEncoding.EncodeToString(sig)

	text := body + fmt.Sprintf("Digest: %s\nSignature: %s\n", d.Digest, d.Signature)

	return d, []byte(text), nil
}

// ConfigurationHashFor exposes configurationHash for callers (the
// consistency checker) that need to recompute the current hash without
// building a full descriptor.
func (b *Builder) ConfigurationHashFor(cfg *mixconfig.Config) (string, error) {
	return b.configurationHash(cfg)
}

// configurationHash JSON-canonicalizes the ordered configuration summary
// (mixconfig.Config.GetConfigurationSummary) and returns its hex sha1, the
// value embedded in the descriptor's [Testing] Configuration field.
func (b *Builder) configurationHash(cfg *mixconfig.Config) (string, error) {
	raw, err := json.Marshal(cfg.GetConfigurationSummary())
	if err != nil {
		return "", fmt.Errorf("marshal configuration summary: %w", err)
	}

	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize configuration summary: %w", err)
	}

	sum := sha1.Sum(canonical)
	return fmt.Sprintf("%x", sum), nil
}

// resolveEndpoint guesses a hostname/IP to publish for an MMTP section,
// to publish for an MMTP section: an unset hostname is guessed via FQDN
// resolution, an IP of "0.0.0.0" is guessed via a reachable-socket
// heuristic, and the guessed hostname is checked for DNS sanity against
// the published IP.
func (b *Builder) resolveEndpoint(hostname, ip string) (string, string, error) {
	if ip == "" || ip == "0.0.0.0" {
		guessed, err := b.guessLocalIP()
		if err != nil {
			return "", "", fmt.Errorf("guess local IP: %w", err)
		}
		ip = guessed
	}

	if hostname == "" {
		h, err := guessHostname()
		if err != nil {
			return "", "", fmt.Errorf("guess hostname: %w", err)
		}
		hostname = h
	}

	// DNS sanity, checked once per hostname so repeated builds don't spam
	// the resolver or the log.
	if _, checked := b.hostnameLocal.Load(hostname); !checked {
		found := false
		addrs, err := net.LookupHost(hostname)
		if err != nil {
			slog.Warn("cannot resolve configured hostname", "hostname", hostname, "error", err)
		} else {
			for _, a := range addrs {
				if a == ip {
					found = true
				}
			}
			if !found {
				slog.Warn("configured hostname does not resolve to the published IP",
					"hostname", hostname, "ip", ip)
			}
		}
		b.hostnameLocal.Store(hostname, found)
	}

	return hostname, ip, nil
}

// guessLocalIP opens a UDP "connection" to a well-known address without
// sending any packets and reads back the local address the kernel would
// pick for that route.
func (b *Builder) guessLocalIP() (string, error) {
	b.guessOnce.Do(func() {
		conn, err := net.Dial("udp", "203.0.113.1:80")
		if err != nil {
			b.guessErr = err
			return
		}
		defer conn.Close()

		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			b.guessErr = fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
			return
		}
		b.guessedIP = addr.IP.String()
	})

	if b.guessErr != nil {
		return "", b.guessErr
	}
	return b.guessedIP, nil
}

// Verify checks that d.Signature validates against identityPub and that
// sha1(canonical body) equals d.Digest.
func Verify(d *Descriptor, identityPub *rsa.PublicKey) error {
	body := marshalBody(d)
	digest := sha1.Sum([]byte(body))

	if fmt.Sprintf("%x", digest) != d.Digest {
		return mixerrors.DescriptorErr("descriptor.Verify", fmt.Errorf("digest mismatch"))
	}

	sig, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return mixerrors.DescriptorErr("descriptor.Verify", fmt.Errorf("decode signature: %w", err))
	}

	if err := rsa.VerifyPKCS1v15(identityPub, crypto.SHA1, digest[:], sig); err != nil {
		return mixerrors.DescriptorErr("descriptor.Verify", fmt.Errorf("signature invalid: %w", err))
	}

	return nil
}

func guessHostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}

	if addrs, err := net.LookupHost(name); err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("hostname %q does not resolve", name)
	}

	return name, nil
}
