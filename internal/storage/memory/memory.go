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

// Package memory implements the hash-log Storage contract entirely in
// RAM: ephemeral, process-lifetime only, useful for tests and
// single-shot tooling.
package memory

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mixminion/mixkeyd/internal/storage/types"
)

// New creates and initializes a new in-memory hash-log backend. All data
// is lost when the process terminates.
func New(ctx context.Context, opts ...types.Option) (types.Storage, error) {
	s := &Storage{logs: make(map[string]*hashLog)}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Storage implements the types.Storage interface using an in-memory map
// of per-KeySet hash sets.
type Storage struct {
	mu   sync.Mutex
	logs map[string]*hashLog
}

// WithDSN is a no-op for in-memory storage as it doesn't use external connections.
func (s *Storage) WithDSN(dsn string) {
	// no-op for this storage
}

// WithDumpDir is a no-op for in-memory storage as it doesn't persist to disk.
func (s *Storage) WithDumpDir(dumpDir string) {
	// no-op for this storage
}

// WithConnMaxIdleTime is a no-op for in-memory storage.
func (s *Storage) WithConnMaxIdleTime(d time.Duration) {
	// no-op for this storage
}

// WithConnMaxLifetime is a no-op for in-memory storage.
func (s *Storage) WithConnMaxLifetime(d time.Duration) {
	// no-op for this storage
}

// WithMaxIdleConns is a no-op for in-memory storage.
func (s *Storage) WithMaxIdleConns(n int) {
	// no-op for this storage
}

// WithMaxOpenConns is a no-op for in-memory storage.
func (s *Storage) WithMaxOpenConns(n int) {
	// no-op for this storage
}

// Open returns the hash log for keysetName, creating an empty one the
// first time it is requested.
func (s *Storage) Open(keysetName string) (types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[keysetName]; ok {
		return l, nil
	}

	l := &hashLog{seen: make(map[string]struct{})}
	s.logs[keysetName] = l
	return l, nil
}

// Close is a no-op for in-memory storage as there are no resources to release.
func (s *Storage) Close() error {
	return nil
}

// ProbeLiveness always returns 200 OK: in-memory storage has no external
// dependency to be unreachable.
func (s *Storage) ProbeLiveness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeReadiness always returns 200 OK.
func (s *Storage) ProbeReadiness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeStartup always returns 200 OK.
func (s *Storage) ProbeStartup() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// hashLog is the in-memory types.Log: a guarded set of seen digests.
type hashLog struct {
	mu   sync.Mutex
	seen map[string]struct{}
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
	l.seen[digest] = struct{}{}
	return nil
}

func (l *hashLog) Close() error { return nil }

func (l *hashLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = make(map[string]struct{})
	return nil
}
