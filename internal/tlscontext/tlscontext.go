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

// Package tlscontext mints the MMTP transport's TLS certificate chain: a
// fresh ephemeral MMTP key, a two-certificate chain signed by the node's
// identity key, and the DH parameters the transport negotiates with.
package tlscontext

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/mixminion/mixkeyd/internal/dhparam"
	"github.com/mixminion/mixkeyd/internal/identity"
	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

// mmtpKeyBits is the ephemeral MMTP key size.
const mmtpKeyBits = 1024

// slop is the clock-skew margin the chain's own validity window carries
// on both ends. The cached Expires field carries no such slop.
const slop = 2 * time.Hour

// Context is a transient TLS artifact: a fresh MMTP key (never persisted),
// the certificate chain built around it, the DH parameters, and the
// instant this Context should be considered stale.
type Context struct {
	MMTPKey  *rsa.PrivateKey
	Chain    []*x509.Certificate
	ChainPEM []byte
	DH       *dhparam.Params
	Expires  time.Time
}

// TLSConfig builds a *tls.Config suitable for handing to the MMTP server,
// binding the chain and MMTP key together as a tls.Certificate.
func (c *Context) TLSConfig() (*tls.Config, error) {
	raw := make([][]byte, len(c.Chain))
	for i, cert := range c.Chain {
		raw[i] = cert.Raw
	}

	cert := tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.MMTPKey,
		Leaf:        c.Chain[0],
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Build mints a fresh MMTP key and certificate chain, writes the chain to
// chainPath via an atomic _tmp-rename, and loads (generating if absent)
// the DH parameters at dhPath.
func Build(nickname string, id *identity.Key, chainPath, dhPath string, dhBits int, now time.Time) (*Context, error) {
	mmtpKey, err := rsa.GenerateKey(rand.Reader, mmtpKeyBits)
	if err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", fmt.Errorf("generate MMTP key: %w", err))
	}

	notBefore := now.Add(-slop)
	notAfter := now.Add(24*time.Hour + slop)

	idCert, err := selfSignIdentity(nickname, id, notBefore, notAfter)
	if err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", fmt.Errorf("self-sign identity cert: %w", err))
	}

	mmtpCert, err := signMMTPCert(fmt.Sprintf("%s<MMTP>", nickname), &mmtpKey.PublicKey, idCert, id, notBefore, notAfter)
	if err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", fmt.Errorf("sign MMTP cert: %w", err))
	}

	chain := []*x509.Certificate{mmtpCert, idCert}

	pemBytes, err := encodeChain(chain)
	if err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", err)
	}

	if err := atomicWrite(chainPath, pemBytes); err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", err)
	}

	dh, err := dhparam.Load(dhPath, dhBits)
	if err != nil {
		return nil, mixerrors.TLSErr("tlscontext.Build", err)
	}

	return &Context{
		MMTPKey:  mmtpKey,
		Chain:    chain,
		ChainPEM: pemBytes,
		DH:       dh,
		Expires:  now.Add(24 * time.Hour),
	}, nil
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// selfSignIdentity issues the identity key's own certificate, the root of
// the two-cert chain handed to MMTP peers.
func selfSignIdentity(nickname string, id *identity.Key, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: nickname},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, id.Public(), id.Private())
	if err != nil {
		return nil, err
	}

	return x509.ParseCertificate(der)
}

// signMMTPCert issues the ephemeral MMTP leaf, signed by the identity key
// under the identity certificate.
func signMMTPCert(cn string, pub *rsa.PublicKey, parent *x509.Certificate, signer *identity.Key, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer.Private())
	if err != nil {
		return nil, err
	}

	return x509.ParseCertificate(der)
}

func encodeChain(chain []*x509.Certificate) ([]byte, error) {
	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	tmp := path + "._tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
