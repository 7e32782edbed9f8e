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

// Package identity owns the node's long-lived RSA identity key: lazy
// generation, PEM load/save, and the operator-triggered removal path.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

const fileName = "identity.key"

// Key wraps the node's identity RSA key pair and the path it is persisted
// at. It is immutable for the life of the server once loaded.
type Key struct {
	path    string
	private *rsa.PrivateKey
}

// Load reads the identity key from keyDir/identity.key, generating and
// persisting a new bits-sized key the first time any operation needs
// one. The file is written with 0600 permissions.
func Load(keyDir string, bits int) (*Key, error) {
	path := filepath.Join(keyDir, fileName)

	if data, err := os.ReadFile(path); err == nil {
		priv, err := parsePEM(data)
		if err != nil {
			return nil, mixerrors.KeyErr("identity.Load", err)
		}
		return &Key{path: path, private: priv}, nil
	} else if !os.IsNotExist(err) {
		return nil, mixerrors.KeyErr("identity.Load", fmt.Errorf("read %s: %w", path, err))
	}

	slog.Info("generating identity key", "bits", bits, "path", path)

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, mixerrors.KeyErr("identity.Load", fmt.Errorf("generate: %w", err))
	}

	k := &Key{path: path, private: priv}
	if err := k.save(); err != nil {
		return nil, err
	}

	return k, nil
}

func (k *Key) save() error {
	der := x509.MarshalPKCS1PrivateKey(k.private)
	blk := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return mixerrors.KeyErr("identity.save", fmt.Errorf("mkdir: %w", err))
	}

	if err := os.WriteFile(k.path, pem.EncodeToMemory(blk), 0600); err != nil {
		return mixerrors.KeyErr("identity.save", fmt.Errorf("write %s: %w", k.path, err))
	}

	return nil
}

func parsePEM(data []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(data)
	if blk == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	priv, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return priv, nil
}

// Private returns the underlying RSA private key.
func (k *Key) Private() *rsa.PrivateKey { return k.private }

// Public returns the underlying RSA public key.
func (k *Key) Public() *rsa.PublicKey { return &k.private.PublicKey }

// PublicDER returns the DER encoding of the public key, used both for the
// descriptor's base64 Identity field and as input to the fingerprint hash.
func (k *Key) PublicDER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public())
	if err != nil {
		return nil, mixerrors.KeyErr("identity.PublicDER", err)
	}
	return der, nil
}

// Remove deletes the identity key from disk after waiting delay, giving
// an operator a window to interrupt the action. Callers pass a delay of 0
// in tests.
func Remove(keyDir string, delay time.Duration, cancel <-chan struct{}) error {
	path := filepath.Join(keyDir, fileName)

	slog.Warn("removing identity key: this node will need a new identity on next start",
		"path", path, "delay", delay)

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-t.C:
		case <-cancel:
			slog.Info("identity key removal canceled")
			return nil
		}
	}

	if err := secureOverwrite(path); err != nil && !os.IsNotExist(err) {
		return mixerrors.KeyErr("identity.Remove", err)
	}

	return nil
}

// secureOverwrite zeroes a file's contents before unlinking it, following
// the discipline this subsystem applies to all private key material.
func secureOverwrite(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	zero := make([]byte, info.Size())
	_, werr := f.WriteAt(zero, 0)
	_ = f.Sync()
	_ = f.Close()
	if werr != nil {
		return werr
	}

	return os.Remove(path)
}
