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

// Package keyset owns one rotating key generation on disk: the short-term
// packet key, its signed descriptor, and the published marker.
package keyset

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mixminion/mixkeyd/internal/consistency"
	"github.com/mixminion/mixkeyd/internal/descriptor"
	"github.com/mixminion/mixkeyd/internal/identity"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/mixerrors"
	"github.com/mixminion/mixkeyd/internal/publisher"
	"github.com/mixminion/mixkeyd/internal/storage/types"
)

const (
	packetKeyFile  = "mix.key"
	descriptorFile = "ServerDesc"
	publishedFile  = "published"

	// packetKeyBits is the short-term packet key size.
	packetKeyBits = 1024

	// legacyMMTPKeyFile and legacyMMTPCertFile are left over from an older
	// on-disk layout where the MMTP key/cert were persisted per KeySet.
	// The current layout mints the MMTP key fresh per TLS context and
	// never writes it to disk, so any such file found during Scan is stale
	// and is wiped the same way a bad KeySet is.
	legacyMMTPKeyFile  = "mmtp.key"
	legacyMMTPCertFile = "mmtp.cert"

	dateLayout = "2006-01-02 15:04:05"
)

// Name renders an integer ordinal as its four-digit zero-padded name
// (e.g. 1 -> "0001").
func Name(n int) string { return fmt.Sprintf("%04d", n) }

// ParseName parses a four-digit zero-padded name back into its ordinal.
func ParseName(name string) (int, error) {
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("malformed keyset name %q: %w", name, err)
	}
	return n, nil
}

// KeySet is one rotating key generation: packet key, descriptor, and
// published marker, plus the hash log associated with it.
type KeySet struct {
	mu sync.Mutex

	Name      string
	keyDir    string
	hashStore types.Storage

	packetKey *rsa.PrivateKey

	descriptor     *descriptor.Descriptor
	descriptorText []byte
	livenessLoaded bool
	validAfter     time.Time
	validUntil     time.Time
}

// KeyDir returns the private directory holding this KeySet's files.
func (k *KeySet) KeyDir() string { return k.keyDir }

// DescriptorPath returns the path of this KeySet's signed descriptor
// file.
func (k *KeySet) DescriptorPath() string { return filepath.Join(k.keyDir, descriptorFile) }

// HashLogPath returns the path the hash-log store uses to identify this
// KeySet's log. The actual storage backend
// may not be filesystem-based; this is informational.
func (k *KeySet) HashLogPath(hashRoot string) string {
	return filepath.Join(hashRoot, "hash_"+k.Name)
}

// Scan locates (and if necessary creates) the on-disk layout for KeySet
// name under keyRoot. It does not require the
// KeySet to be complete; callers run CheckKeys and load the descriptor to
// decide that.
func Scan(keyRoot string, name string, hashStore types.Storage) (*KeySet, error) {
	keyDir := filepath.Join(keyRoot, "key_"+name)

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, mixerrors.KeyErr("keyset.Scan", fmt.Errorf("mkdir %s: %w", keyDir, err))
	}

	cleanLegacyFiles(keyDir)

	return &KeySet{Name: name, keyDir: keyDir, hashStore: hashStore}, nil
}

// cleanLegacyFiles securely deletes an mmtp.key/mmtp.cert pair left by an
// older on-disk layout. Absence of either file is not an
// error.
func cleanLegacyFiles(keyDir string) {
	for _, f := range []string{legacyMMTPKeyFile, legacyMMTPCertFile} {
		path := filepath.Join(keyDir, f)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		slog.Info("removing legacy key-set file from older layout", "path", path)
		if err := secureOverwrite(path); err != nil {
			slog.Warn("failed to securely remove legacy file", "path", path, "error", err)
		}
	}
}

// CheckKeys verifies the packet key file exists and is owner-only,
// returning a KeyError otherwise.
func (k *KeySet) CheckKeys() error {
	path := filepath.Join(k.keyDir, packetKeyFile)

	info, err := os.Stat(path)
	if err != nil {
		return mixerrors.KeyErr("KeySet.CheckKeys", fmt.Errorf("stat %s: %w", path, err))
	}

	if info.Mode().Perm()&0077 != 0 {
		return mixerrors.KeyErr("KeySet.CheckKeys", fmt.Errorf("%s is not owner-only (mode %v)", path, info.Mode().Perm()))
	}

	return nil
}

// Load reads the packet key from disk.
func (k *KeySet) Load() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	path := filepath.Join(k.keyDir, packetKeyFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return mixerrors.KeyErr("KeySet.Load", fmt.Errorf("read %s: %w", path, err))
	}

	blk, _ := pem.Decode(data)
	if blk == nil {
		return mixerrors.KeyErr("KeySet.Load", fmt.Errorf("decode PEM %s", path))
	}

	priv, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
	if err != nil {
		return mixerrors.KeyErr("KeySet.Load", fmt.Errorf("parse %s: %w", path, err))
	}

	k.packetKey = priv
	return nil
}

// Save writes the packet key to disk as 0600 PEM.
func (k *KeySet) Save() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.saveLocked()
}

func (k *KeySet) saveLocked() error {
	der := x509.MarshalPKCS1PrivateKey(k.packetKey)
	blk := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(k.keyDir, packetKeyFile)

	if err := os.WriteFile(path, pem.EncodeToMemory(blk), 0600); err != nil {
		return mixerrors.KeyErr("KeySet.Save", fmt.Errorf("write %s: %w", path, err))
	}
	return nil
}

// PacketKey returns the loaded packet private key.
func (k *KeySet) PacketKey() *rsa.PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.packetKey
}

// DescriptorText returns the raw signed descriptor bytes, loading them
// from disk on first use.
func (k *KeySet) DescriptorText() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.descriptorText != nil {
		return k.descriptorText, nil
	}

	path := filepath.Join(k.keyDir, descriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mixerrors.DescriptorErr("KeySet.DescriptorText", fmt.Errorf("read %s: %w", path, err))
	}
	k.descriptorText = data
	return data, nil
}

// GetServerDescriptor returns the parsed descriptor, parsing and caching it
// on first use.
func (k *KeySet) GetServerDescriptor() (*descriptor.Descriptor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.descriptorLocked()
}

func (k *KeySet) descriptorLocked() (*descriptor.Descriptor, error) {
	if k.descriptor != nil {
		return k.descriptor, nil
	}

	if k.descriptorText == nil {
		path := filepath.Join(k.keyDir, descriptorFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, mixerrors.DescriptorErr("KeySet.GetServerDescriptor", fmt.Errorf("read %s: %w", path, err))
		}
		k.descriptorText = data
	}

	d, err := descriptor.Parse(string(k.descriptorText))
	if err != nil {
		return nil, mixerrors.DescriptorErr("KeySet.GetServerDescriptor", err)
	}

	k.descriptor = d
	k.validAfter = d.ValidAfter
	k.validUntil = d.ValidUntil
	k.livenessLoaded = true

	return d, nil
}

// GetLiveness returns (valid_after, valid_until) from the descriptor,
// caching after first read.
func (k *KeySet) GetLiveness() (time.Time, time.Time, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.livenessLoaded {
		return k.validAfter, k.validUntil, nil
	}

	if _, err := k.descriptorLocked(); err != nil {
		return time.Time{}, time.Time{}, err
	}

	return k.validAfter, k.validUntil, nil
}

// IsPublished reports whether the published marker file exists.
func (k *KeySet) IsPublished() (bool, error) {
	_, err := os.Stat(filepath.Join(k.keyDir, publishedFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat published marker: %w", err)
}

// MarkPublished atomically writes the published marker, with contents the
// publication time.
func (k *KeySet) MarkPublished(now time.Time) error {
	path := filepath.Join(k.keyDir, publishedFile)
	tmp := path + "._tmp"

	if err := os.WriteFile(tmp, []byte(now.UTC().Format(dateLayout)+"\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// MarkUnpublished removes the published marker, if present.
func (k *KeySet) MarkUnpublished() error {
	err := os.Remove(filepath.Join(k.keyDir, publishedFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove published marker: %w", err)
	}
	return nil
}

// New generates a fresh KeySet: a new packet key, and a signed descriptor
// covering [validAfter, validUntil), persisted under keyRoot/key_<name>.
func New(keyRoot string, name string, hashStore types.Storage, cfg *mixconfig.Config, id *identity.Key, builder *descriptor.Builder, validAfter time.Time, validUntil *time.Time, now time.Time) (*KeySet, error) {
	k, err := Scan(keyRoot, name, hashStore)
	if err != nil {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, packetKeyBits)
	if err != nil {
		return nil, mixerrors.BuildErr("keyset.New", fmt.Errorf("generate packet key: %w", err))
	}
	k.packetKey = priv

	if err := k.saveLocked(); err != nil {
		return nil, err
	}

	if err := k.regenerateLocked(cfg, id, builder, validAfter, validUntil, now); err != nil {
		return nil, err
	}

	return k, nil
}

// RegenerateDescriptor rewrites the descriptor from the current config
// while preserving the packet key and the original validity window; it
// clears the published flag and cached descriptor.
func (k *KeySet) RegenerateDescriptor(cfg *mixconfig.Config, id *identity.Key, builder *descriptor.Builder, now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	va, vu := k.validAfter, k.validUntil
	if va.IsZero() {
		if _, err := k.descriptorLocked(); err != nil {
			return err
		}
		va, vu = k.validAfter, k.validUntil
	}

	return k.regenerateLocked(cfg, id, builder, va, &vu, now)
}

func (k *KeySet) regenerateLocked(cfg *mixconfig.Config, id *identity.Key, builder *descriptor.Builder, validAfter time.Time, validUntil *time.Time, now time.Time) error {
	if k.packetKey == nil {
		return mixerrors.BuildErr("KeySet.regenerate", fmt.Errorf("packet key not loaded"))
	}

	d, text, err := builder.Build(cfg, id, &k.packetKey.PublicKey, validAfter, validUntil, now)
	if err != nil {
		return err
	}

	// A freshly built descriptor must parse back and check consistent
	// against the config that produced it. Anything else is a builder bug
	// and fails before any state reaches disk.
	reparsed, err := descriptor.Parse(string(text))
	if err != nil {
		return mixerrors.BuildErr("KeySet.regenerate", fmt.Errorf("built descriptor does not parse: %w", err))
	}
	if report := consistency.Check(reparsed, cfg, false, false); report.Verdict == consistency.Bad {
		return mixerrors.BuildErr("KeySet.regenerate",
			fmt.Errorf("built descriptor inconsistent with its own config: %v", report.Warnings))
	}

	path := filepath.Join(k.keyDir, descriptorFile)
	tmp := path + "._tmp"
	if err := os.WriteFile(tmp, text, 0644); err != nil {
		return mixerrors.BuildErr("KeySet.regenerate", fmt.Errorf("write %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return mixerrors.BuildErr("KeySet.regenerate", fmt.Errorf("rename %s -> %s: %w", tmp, path, err))
	}

	k.descriptor = d
	k.descriptorText = text
	k.validAfter = d.ValidAfter
	k.validUntil = d.ValidUntil
	k.livenessLoaded = true

	if err := k.unmarkPublishedLocked(); err != nil {
		return err
	}

	return nil
}

func (k *KeySet) unmarkPublishedLocked() error {
	err := os.Remove(filepath.Join(k.keyDir, publishedFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove published marker: %w", err)
	}
	return nil
}

// CheckConsistency delegates to the consistency package.
func (k *KeySet) CheckConsistency(cfg *mixconfig.Config, logWarnings bool) (consistency.Report, error) {
	d, err := k.GetServerDescriptor()
	if err != nil {
		return consistency.Report{}, err
	}

	published, err := k.IsPublished()
	if err != nil {
		return consistency.Report{}, err
	}

	return consistency.Check(d, cfg, logWarnings, published), nil
}

// Publish posts this KeySet's descriptor via pub and, on Accept, marks it
// published.
func (k *KeySet) Publish(pub *publisher.Publisher, now time.Time) (publisher.Outcome, string, error) {
	text, err := k.DescriptorText()
	if err != nil {
		return publisher.Error, "", err
	}

	outcome, msg, err := pub.Publish(string(text))
	if outcome == publisher.Accept {
		if merr := k.MarkPublished(now); merr != nil {
			return outcome, msg, merr
		}
	}

	return outcome, msg, err
}

// Delete securely overwrites the packet key, descriptor, and published
// marker, closes and deletes the associated hash log, and removes the
// KeySet's directory.
func (k *KeySet) Delete() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, f := range []string{packetKeyFile, descriptorFile, publishedFile} {
		path := filepath.Join(k.keyDir, f)
		if err := secureOverwrite(path); err != nil && !os.IsNotExist(err) {
			return mixerrors.KeyErr("KeySet.Delete", fmt.Errorf("overwrite %s: %w", path, err))
		}
	}

	if k.hashStore != nil {
		if log, err := k.hashStore.Open(k.Name); err == nil {
			if err := log.Delete(); err != nil {
				slog.Warn("failed to delete hash log", "keyset", k.Name, "error", err)
			}
		}
	}

	if err := os.RemoveAll(k.keyDir); err != nil {
		return mixerrors.KeyErr("KeySet.Delete", fmt.Errorf("remove %s: %w", k.keyDir, err))
	}

	return nil
}

// secureOverwrite zeroes a file's contents before unlinking it.
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
