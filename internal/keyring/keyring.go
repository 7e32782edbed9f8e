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

// Package keyring owns the on-disk KeySet collection, computes rotation
// events, generates new KeySets to cover a horizon, caches TLS contexts,
// and distributes live keys to the packet handler.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/mixminion/mixkeyd/internal/descriptor"
	"github.com/mixminion/mixkeyd/internal/identity"
	"github.com/mixminion/mixkeyd/internal/keyset"
	"github.com/mixminion/mixkeyd/internal/metrics"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/mixerrors"
	"github.com/mixminion/mixkeyd/internal/publisher"
	"github.com/mixminion/mixkeyd/internal/storage/types"
	"github.com/mixminion/mixkeyd/internal/tlscontext"
)

// PublicationLatency is the operator-chosen upper bound on how long the
// directory takes to integrate a newly posted descriptor.
// PrepublicationInterval is the horizon of future coverage the keyring
// proactively maintains.
const (
	PublicationLatency     = 2*24*time.Hour + 13*time.Hour
	PrepublicationInterval = 14 * 24 * time.Hour
)

var keyDirRE = regexp.MustCompile(`^key_(\d{4})$`)

// PacketHandler receives atomic snapshots of the currently live packet
// keys and hash logs. The MMTP packet handler in the
// surrounding server implements this.
type PacketHandler interface {
	UpdateLiveKeys(keys []LiveKey)
}

// LiveKey is the per-KeySet material handed to the packet handler: just
// enough to decrypt and replay-check incoming packets, never a back
// reference into the Keyring itself.
type LiveKey struct {
	Name      string
	PacketKey *rsa.PrivateKey
	HashLog   types.Log
}

// Keyring owns every KeySet on disk for one node, plus the cached TLS
// context and pinger seed.
type Keyring struct {
	mu sync.Mutex

	cfg       *mixconfig.Config
	identity  *identity.Key
	builder   *descriptor.Builder
	hashStore types.Storage

	keyDir      string
	dhParamPath string
	chainPath   string
	nickname    string
	overlap     time.Duration
	dhBits      int

	keysets []*keyset.KeySet
	first   int
	last    int

	collector *metrics.Collector

	tlsCtx *tlscontext.Context

	pingerSeed []byte

	rotationCached bool
	rotationAt     time.Time
	rotationOK     bool
}

// New constructs a Keyring rooted at cfg.BaseDir, loading (and lazily
// creating) the node's identity key, then performing an initial scan of
// the key directory.
func New(cfg *mixconfig.Config, hashStore types.Storage, opts ...Option) (*Keyring, error) {
	keyDir := filepath.Join(cfg.BaseDir, "keys")

	id, err := identity.Load(keyDir, cfg.IdentityKeyBits)
	if err != nil {
		return nil, err
	}

	kr := &Keyring{
		cfg:         cfg,
		identity:    id,
		builder:     descriptor.NewBuilder(),
		hashStore:   hashStore,
		keyDir:      keyDir,
		dhParamPath: filepath.Join(cfg.BaseDir, "work", "tls", "dhparam"),
		chainPath:   filepath.Join(cfg.BaseDir, "work", "cert_chain"),
		nickname:    cfg.Nickname,
		overlap:     cfg.PublicKeyOverlap,
		dhBits:      cfg.DHParamBits,
	}

	for _, opt := range opts {
		opt(kr)
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	if err := kr.scanLocked(); err != nil {
		return nil, err
	}

	return kr, nil
}

// Option is a functional option configuring a Keyring.
type Option func(*Keyring)

// WithCollector attaches a metrics collector; the keyring then reports
// key-set counts, expiries, TLS context staleness, and publication
// outcomes as it works.
func WithCollector(c *metrics.Collector) Option {
	return func(kr *Keyring) { kr.collector = c }
}

// WithLock runs fn with the Keyring's lock held, for callers that need
// multi-operation atomicity (e.g. "rescan, then publish, without an
// interleaved rotation"). Unexported helpers assume the lock is held and
// never take it themselves, so a public entry point acquires it exactly
// once.
func (kr *Keyring) WithLock(fn func(*Keyring) error) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return fn(kr)
}

// CheckKeys rescans the key directory, discarding any KeySet that fails to
// load.
func (kr *Keyring) CheckKeys() error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.scanLocked()
}

func (kr *Keyring) scanLocked() error {
	entries, err := os.ReadDir(kr.keyDir)
	if err != nil {
		if os.IsNotExist(err) {
			kr.keysets = nil
			kr.first, kr.last = 0, 0
			return nil
		}
		return mixerrors.KeyErr("Keyring.scan", fmt.Errorf("read %s: %w", kr.keyDir, err))
	}

	var good []*keyset.KeySet
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := keyDirRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		name := m[1]

		ks, err := keyset.Scan(kr.keyDir, name, kr.hashStore)
		if err != nil {
			slog.Warn("failed to scan key set, discarding", "name", name, "error", err)
			continue
		}

		if err := ks.CheckKeys(); err != nil {
			slog.Warn("bad key set, deleting", "name", name, "error", err)
			_ = ks.Delete()
			continue
		}

		if _, err := ks.GetServerDescriptor(); err != nil {
			slog.Warn("bad descriptor, deleting key set", "name", name, "error", err)
			_ = ks.Delete()
			continue
		}

		good = append(good, ks)
	}

	sort.Slice(good, func(i, j int) bool {
		ai, _, _ := good[i].GetLiveness()
		aj, _, _ := good[j].GetLiveness()
		return ai.Before(aj)
	})

	kr.keysets = good
	kr.recomputeRangeLocked()
	kr.warnOnOverlapsAndGapsLocked()
	kr.invalidateRotationCacheLocked()

	if kr.collector != nil {
		kr.collector.SetKeySetCount(len(kr.keysets))
		for _, ks := range kr.keysets {
			if _, validUntil, err := ks.GetLiveness(); err == nil {
				kr.collector.SetKeySetExpiry(ks.Name, float64(validUntil.Unix()))
			}
		}
	}

	return nil
}

func (kr *Keyring) recomputeRangeLocked() {
	if len(kr.keysets) == 0 {
		kr.first, kr.last = 0, 0
		return
	}

	first, last := math.MaxInt, 0
	for _, ks := range kr.keysets {
		n, err := keyset.ParseName(ks.Name)
		if err != nil {
			continue
		}
		if n < first {
			first = n
		}
		if n > last {
			last = n
		}
	}
	kr.first, kr.last = first, last
}

func (kr *Keyring) warnOnOverlapsAndGapsLocked() {
	for i := 1; i < len(kr.keysets); i++ {
		_, prevUntil, _ := kr.keysets[i-1].GetLiveness()
		curAfter, _, _ := kr.keysets[i].GetLiveness()

		if curAfter.Before(prevUntil) {
			slog.Warn("multiple key sets simultaneously valid",
				"earlier", kr.keysets[i-1].Name, "later", kr.keysets[i].Name)
		} else if curAfter.After(prevUntil) {
			slog.Warn("gap between key sets",
				"earlier", kr.keysets[i-1].Name, "later", kr.keysets[i].Name,
				"gap", curAfter.Sub(prevUntil))
		}
	}
}

// allocateNameLocked starts at 1 when the range is empty; otherwise it
// prefers extending downward when the range doesn't already start at 1,
// else extends upward. Downward extension preserves the ability to
// back-fill historical slots without renumbering.
func (kr *Keyring) allocateNameLocked() string {
	if len(kr.keysets) == 0 {
		kr.first, kr.last = 1, 1
		return keyset.Name(1)
	}

	if kr.first > 1 {
		kr.first--
		return keyset.Name(kr.first)
	}

	kr.last++
	return keyset.Name(kr.last)
}

// NextKeygen returns the instant CreateIfNeeded next needs to run. A zero
// time means "generate now".
func (kr *Keyring) NextKeygen() time.Time {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.nextKeygenLocked()
}

func (kr *Keyring) nextKeygenLocked() time.Time {
	if len(kr.keysets) == 0 {
		return time.Time{}
	}
	_, lastValidUntil, _ := kr.keysets[len(kr.keysets)-1].GetLiveness()
	return lastValidUntil.Add(-PublicationLatency).Add(-PrepublicationInterval)
}

// CreateIfNeeded generates enough KeySets to cover the horizon
// [now, now+PublicationLatency+PrepublicationInterval], if the keyring
// doesn't already. It returns the number of KeySets
// created.
func (kr *Keyring) CreateIfNeeded(now time.Time) (int, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.nextKeygenLocked().After(now.Add(-10 * time.Second)) {
		return 0, nil
	}

	coverUntil := now.Add(PublicationLatency).Add(PrepublicationInterval)

	base := now
	if len(kr.keysets) > 0 {
		_, lastValidUntil, _ := kr.keysets[len(kr.keysets)-1].GetLiveness()
		if lastValidUntil.After(base) {
			base = lastValidUntil
		}
	}

	uncovered := coverUntil.Sub(base)
	if uncovered <= 0 {
		return 0, nil
	}

	nKeys := int(math.Ceil(uncovered.Seconds() / kr.cfg.PublicKeyLifetime.Seconds()))

	validAfter := base.Add(time.Minute)
	if len(kr.keysets) == 0 {
		validAfter = now.Add(time.Minute)
	}

	created := 0
	for i := 0; i < nKeys; i++ {
		name := kr.allocateNameLocked()

		ks, err := keyset.New(kr.keyDir, name, kr.hashStore, kr.cfg, kr.identity, kr.builder, validAfter, nil, now)
		if err != nil {
			return created, err
		}

		kr.keysets = append(kr.keysets, ks)
		created++

		_, validUntil, err := ks.GetLiveness()
		if err != nil {
			return created, err
		}
		validAfter = validUntil.Add(time.Minute)
	}

	sort.Slice(kr.keysets, func(i, j int) bool {
		ai, _, _ := kr.keysets[i].GetLiveness()
		aj, _, _ := kr.keysets[j].GetLiveness()
		return ai.Before(aj)
	})

	kr.invalidateRotationCacheLocked()

	return created, nil
}

// isLive reports whether ks is usable at now: valid_after <= now and
// valid_until >= now - overlap.
func (kr *Keyring) isLive(ks *keyset.KeySet, now time.Time) bool {
	validAfter, validUntil, err := ks.GetLiveness()
	if err != nil {
		return false
	}
	return !validAfter.After(now) && !validUntil.Before(now.Add(-kr.overlap))
}

// GetServerKeysets returns the live KeySets at now, loaded and ready to
// hand to consumers.
func (kr *Keyring) GetServerKeysets(now time.Time) ([]*keyset.KeySet, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	var live []*keyset.KeySet
	for _, ks := range kr.keysets {
		if kr.isLive(ks, now) {
			if err := ks.Load(); err != nil {
				return nil, err
			}
			live = append(live, ks)
		}
	}
	return live, nil
}

type rotationEvent struct {
	at time.Time
}

// NextKeyRotation returns the timestamp of the next rotation event given
// the currently live set: for each live KeySet, valid_until+overlap (an
// RM event); for every non-live KeySet, valid_after (an ADD event). The
// earliest wins; ok is false if there are no future events.
func (kr *Keyring) NextKeyRotation(now time.Time) (time.Time, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.rotationCached {
		return kr.rotationAt, kr.rotationOK
	}

	var events []rotationEvent
	for _, ks := range kr.keysets {
		validAfter, validUntil, err := ks.GetLiveness()
		if err != nil {
			continue
		}
		if kr.isLive(ks, now) {
			events = append(events, rotationEvent{at: validUntil.Add(kr.overlap)})
		} else {
			events = append(events, rotationEvent{at: validAfter})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	at, ok := time.Time{}, false
	if len(events) > 0 {
		at, ok = events[0].at, true
	}

	kr.rotationCached, kr.rotationAt, kr.rotationOK = true, at, ok
	return at, ok
}

func (kr *Keyring) invalidateRotationCacheLocked() {
	kr.rotationCached = false
}

// UpdateKeys rescans, computes the dead/live sets, pushes a single atomic
// snapshot to handler, optionally writes statusFile (one live descriptor
// filename per line, mode 0644), then deletes dead KeySets and rescans.
// The ordering within the lock is always
// scan -> compute -> publish snapshot -> delete dead -> rescan, so handler
// never observes a dead KeySet after the snapshot is pushed.
func (kr *Keyring) UpdateKeys(handler PacketHandler, statusFile string, when time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if err := kr.scanLocked(); err != nil {
		return err
	}

	var dead, live []*keyset.KeySet
	for _, ks := range kr.keysets {
		_, validUntil, err := ks.GetLiveness()
		if err != nil {
			continue
		}
		if validUntil.Add(kr.overlap).Before(when) {
			dead = append(dead, ks)
		} else if kr.isLive(ks, when) {
			if err := ks.Load(); err != nil {
				return err
			}
			live = append(live, ks)
		}
	}

	snapshot := make([]LiveKey, 0, len(live))
	for _, ks := range live {
		var log types.Log
		if kr.hashStore != nil {
			l, err := kr.hashStore.Open(ks.Name)
			if err != nil {
				return mixerrors.KeyErr("Keyring.UpdateKeys", fmt.Errorf("open hash log %s: %w", ks.Name, err))
			}
			log = l
		}
		snapshot = append(snapshot, LiveKey{Name: ks.Name, PacketKey: ks.PacketKey(), HashLog: log})
	}

	if handler != nil {
		handler.UpdateLiveKeys(snapshot)
	}

	if statusFile != "" {
		if err := kr.writeStatusFileLocked(statusFile, live); err != nil {
			return err
		}
	}

	deletedAny := false
	for _, ks := range dead {
		if err := ks.Delete(); err != nil {
			slog.Warn("failed to delete dead key set", "name", ks.Name, "error", err)
			continue
		}
		if kr.collector != nil {
			kr.collector.ClearKeySetExpiry(ks.Name)
		}
		deletedAny = true
	}

	if deletedAny {
		if err := kr.scanLocked(); err != nil {
			return err
		}
	}

	kr.invalidateRotationCacheLocked()

	return nil
}

func (kr *Keyring) writeStatusFileLocked(path string, live []*keyset.KeySet) error {
	var buf []byte
	for _, ks := range live {
		buf = append(buf, []byte(ks.DescriptorPath()+"\n")...)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write status file %s: %w", path, err)
	}
	return nil
}

// GetTLSContext returns the cached TLS context if it's still fresh, else
// mints a new one. A failed mint surfaces the error but
// retains the previous cached context, per the TLSError policy.
func (kr *Keyring) GetTLSContext(force bool, now time.Time) (*tlscontext.Context, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if !force && kr.tlsCtx != nil && kr.tlsCtx.Expires.After(now) {
		return kr.tlsCtx, nil
	}

	ctx, err := tlscontext.Build(kr.nickname, kr.identity, kr.chainPath, kr.dhParamPath, kr.dhBits, now)
	if err != nil {
		if kr.tlsCtx != nil {
			return kr.tlsCtx, err
		}
		return nil, err
	}

	kr.tlsCtx = ctx
	if kr.collector != nil {
		kr.collector.SetTLSExpiry(float64(ctx.Expires.Unix()))
	}
	return ctx, nil
}

// PublishKeys publishes unpublished KeySets (or all of them, if all is
// true) via pub. It returns true only if every attempt yields Accept; the
// first Error outcome stops the run and is returned; Reject outcomes are
// counted but not fatal.
func (kr *Keyring) PublishKeys(pub *publisher.Publisher, all bool, now time.Time) (bool, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	ok := true
	for _, ks := range kr.keysets {
		if !all {
			published, err := ks.IsPublished()
			if err != nil {
				return false, err
			}
			if published {
				continue
			}
		}

		outcome, msg, err := ks.Publish(pub, now)
		if kr.collector != nil {
			kr.collector.IncPublish(string(outcome))
		}
		switch outcome {
		case publisher.Accept:
			slog.Info("published key set", "name", ks.Name, "message", msg)
		case publisher.Reject:
			slog.Warn("directory rejected key set", "name", ks.Name, "message", msg)
			ok = false
		case publisher.Error:
			slog.Error("publishing key set failed", "name", ks.Name, "error", err)
			return false, err
		}
	}

	return ok, nil
}

// PingerSeed returns the node's 20-byte pinger seed, generating and
// persisting it on first use.
func (kr *Keyring) PingerSeed() ([]byte, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.pingerSeed != nil {
		return kr.pingerSeed, nil
	}

	path := filepath.Join(kr.keyDir, "pinger.seed")

	if data, err := os.ReadFile(path); err == nil {
		kr.pingerSeed = data
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	seed := make([]byte, 20)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate pinger seed: %w", err)
	}

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	kr.pingerSeed = seed
	return seed, nil
}

// RegenerateDescriptor rebuilds name's descriptor from the current config,
// used by the consistency-driven repair path.
func (kr *Keyring) RegenerateDescriptor(name string, now time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for _, ks := range kr.keysets {
		if ks.Name == name {
			if err := ks.Load(); err != nil {
				return err
			}
			return ks.RegenerateDescriptor(kr.cfg, kr.identity, kr.builder, now)
		}
	}

	return mixerrors.DescriptorErr("Keyring.RegenerateDescriptor", fmt.Errorf("no such key set %q", name))
}

// CheckConsistency runs the consistency checker against every known
// KeySet's descriptor, regenerating any that come back Bad.
func (kr *Keyring) CheckConsistency(now time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for _, ks := range kr.keysets {
		report, err := ks.CheckConsistency(kr.cfg, true)
		if err != nil {
			return err
		}
		if report.Verdict == "bad" {
			slog.Warn("key set descriptor inconsistent, regenerating", "name", ks.Name, "warnings", report.Warnings)
			if err := ks.Load(); err != nil {
				return err
			}
			if err := ks.RegenerateDescriptor(kr.cfg, kr.identity, kr.builder, now); err != nil {
				return err
			}
		}
	}

	return nil
}

// RemoveIdentityKey deletes the node's identity key after a warning
// delay.
func (kr *Keyring) RemoveIdentityKey(delay time.Duration, cancel <-chan struct{}) error {
	return identity.Remove(kr.keyDir, delay, cancel)
}

// KeyRange returns the current (first, last) ordinal range of known
// KeySets, or (0, 0) if the keyring is empty.
func (kr *Keyring) KeyRange() (int, int) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.first, kr.last
}

// Identity returns the node's long-lived identity key.
func (kr *Keyring) Identity() *identity.Key { return kr.identity }

// KeySetStatus is one row of the keyring's diagnostic view.
type KeySetStatus struct {
	Name       string    `json:"name"`
	ValidAfter time.Time `json:"valid_after"`
	ValidUntil time.Time `json:"valid_until"`
	Published  bool      `json:"published"`
	Live       bool      `json:"live"`
}

// Status returns a snapshot of every known KeySet, for the diagnostic
// HTTP endpoint and one-shot CLI commands.
func (kr *Keyring) Status(now time.Time) []KeySetStatus {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	out := make([]KeySetStatus, 0, len(kr.keysets))
	for _, ks := range kr.keysets {
		validAfter, validUntil, err := ks.GetLiveness()
		if err != nil {
			continue
		}
		published, _ := ks.IsPublished()
		out = append(out, KeySetStatus{
			Name:       ks.Name,
			ValidAfter: validAfter,
			ValidUntil: validUntil,
			Published:  published,
			Live:       kr.isLive(ks, now),
		})
	}
	return out
}
