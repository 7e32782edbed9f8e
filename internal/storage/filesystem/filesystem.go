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

// Package filesystem implements the hash-log Storage contract with one
// append-only file per KeySet under a dump directory.
package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mixminion/mixkeyd/internal/storage/types"
)

// New creates and initializes a new filesystem-based hash-log backend,
// one file per KeySet under dumpDir.
// It creates the root directory if it doesn't exist with 0700 permissions.
func New(ctx context.Context, opts ...types.Option) (types.Storage, error) {
	s := &Storage{logs: make(map[string]*hashLog)}

	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.dumpDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create hash-log directory: %w", err)
	}

	return s, nil
}

// Storage implements the types.Storage interface over the filesystem.
// Each KeySet's hash log is a single append-only file of newline-separated
// hex digests; Storage keeps the open logs it has handed out so repeated
// Open calls for the same KeySet share one file handle.
type Storage struct {
	mu      sync.Mutex
	dumpDir string
	logs    map[string]*hashLog
}

// WithDSN is a no-op for filesystem storage as it doesn't use database connections.
func (s *Storage) WithDSN(dsn string) {
	// no-op for this storage
}

// WithDumpDir sets the directory under which hash-log files are stored.
func (s *Storage) WithDumpDir(dumpDir string) {
	s.dumpDir = dumpDir
}

// WithConnMaxIdleTime is a no-op for filesystem storage.
func (s *Storage) WithConnMaxIdleTime(d time.Duration) {
	// no-op for this storage
}

// WithConnMaxLifetime is a no-op for filesystem storage.
func (s *Storage) WithConnMaxLifetime(d time.Duration) {
	// no-op for this storage
}

// WithMaxIdleConns is a no-op for filesystem storage.
func (s *Storage) WithMaxIdleConns(n int) {
	// no-op for this storage
}

// WithMaxOpenConns is a no-op for filesystem storage.
func (s *Storage) WithMaxOpenConns(n int) {
	// no-op for this storage
}

// Open returns the hash log for keysetName, creating its backing file if
// this is the first time it has been opened.
func (s *Storage) Open(keysetName string) (types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[keysetName]; ok {
		return l, nil
	}

	path := filepath.Join(s.dumpDir, "hash_"+keysetName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open hash log %s: %w", path, err)
	}

	l := &hashLog{path: path, f: f, seen: make(map[string]struct{})}
	if err := l.loadLocked(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load hash log %s: %w", path, err)
	}

	s.logs[keysetName] = l
	return l, nil
}

// Close releases the file handles of every hash log this Storage has
// opened.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, l := range s.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close some hash logs: %v", errs)
	}
	return nil
}

// ProbeLiveness returns an HTTP handler reporting whether the hash-log
// directory is still readable.
func (s *Storage) ProbeLiveness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.ReadDir(s.dumpDir); err != nil {
			slog.Warn("liveness: NOT alive", "dumpDir", s.dumpDir, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("hash-log directory unreadable: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeReadiness returns an HTTP handler reporting whether the hash-log
// directory still accepts writes.
func (s *Storage) ProbeReadiness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		probe, err := os.CreateTemp(s.dumpDir, ".readiness-*")
		if err != nil {
			slog.Warn("readiness: NOT ready", "dumpDir", s.dumpDir, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("hash-log directory not writable: %v", err)))
			return
		}
		_ = probe.Close()
		_ = os.Remove(probe.Name())
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeStartup returns an HTTP handler for a startup probe. Always returns
// 200 OK: filesystem storage requires no initialization time.
func (s *Storage) ProbeStartup() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// hashLog is the filesystem-backed types.Log: an append-only file of
// newline-separated digests, with a loaded in-memory set for fast Seen
// lookups.
type hashLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	seen map[string]struct{}
}

func (l *hashLog) loadLocked() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			l.seen[line] = struct{}{}
		}
	}
	return nil
}

func (l *hashLog) Seen(digest string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[digest]
	return ok, nil
}

func (l *hashLog) Record(digest string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[digest]; ok {
		return nil
	}

	if _, err := l.f.WriteString(digest + "\n"); err != nil {
		return fmt.Errorf("append hash log %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("fsync hash log %s: %w", l.path, err)
	}

	l.seen[digest] = struct{}{}
	return nil
}

func (l *hashLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Delete securely overwrites the hash log's contents before unlinking
// it, matching the treatment key material gets when a KeySet is removed.
func (l *hashLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := l.f.Stat()
	if err == nil {
		zero := make([]byte, info.Size())
		_, _ = l.f.WriteAt(zero, 0)
		_ = l.f.Sync()
	}
	_ = l.f.Close()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove hash log %s: %w", l.path, err)
	}
	return nil
}
