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

// Package types defines the hash-log storage contract shared by the four
// interchangeable backends. The store is intentionally opaque to the
// keyring: it only ever asks "have I recorded this digest" and "record
// this digest", never anything about the digest's meaning.
package types

import (
	"net/http"
	"time"
)

// StorageType selects which backend New (internal/storage) constructs.
type StorageType string

const (
	// StorageFS is file-backed, one hash-log file per KeySet.
	StorageFS StorageType = "fs"
	// StorageMemory is ephemeral, process-lifetime only.
	StorageMemory StorageType = "memory"
	// StorageRedis is redis-backed, one hash key per KeySet.
	StorageRedis StorageType = "redis"
	// StoragePostgres is postgres-backed, one table shared across KeySets.
	StoragePostgres StorageType = "postgres"
)

// Log is the hash log belonging to a single KeySet. The keyring never
// inspects a digest's meaning; it only asks whether one has already been
// seen (replay detection for the packet handler) and records new ones.
type Log interface {
	// Seen reports whether digest has already been recorded.
	Seen(digest string) (bool, error)
	// Record marks digest as seen. Recording the same digest twice is not
	// an error.
	Record(digest string) error
	// Close releases any resources held open for this log without
	// deleting its contents.
	Close() error
	// Delete removes the log and its contents entirely, following the
	// secure-delete discipline KeySet.delete requires.
	Delete() error
}

// Storage opens per-KeySet hash logs by name and answers the health
// probes the surrounding HTTP server exposes.
type Storage interface {
	// Open returns the hash log for keysetName, creating it on first use.
	Open(keysetName string) (Log, error)
	// Close releases backend-wide resources (connection pools, …).
	Close() error
	// ProbeLiveness returns an HTTP handler for a liveness probe.
	ProbeLiveness() func(w http.ResponseWriter, r *http.Request)
	// ProbeReadiness returns an HTTP handler for a readiness probe.
	ProbeReadiness() func(w http.ResponseWriter, r *http.Request)
	// ProbeStartup returns an HTTP handler for a startup probe.
	ProbeStartup() func(w http.ResponseWriter, r *http.Request)

	// WithDSN sets the backend's connection string. No-op on backends
	// that don't use one.
	WithDSN(string)
	// WithDumpDir sets the backend's on-disk root. No-op on backends
	// that don't use one.
	WithDumpDir(string)
	// WithConnMaxIdleTime sets the maximum amount of time a pooled
	// connection may be idle. No-op on backends without a pool.
	WithConnMaxIdleTime(time.Duration)
	// WithConnMaxLifetime sets the maximum amount of time a pooled
	// connection may be reused. No-op on backends without a pool.
	WithConnMaxLifetime(time.Duration)
	// WithMaxIdleConns sets the maximum number of idle pooled
	// connections. No-op on backends without a pool.
	WithMaxIdleConns(int)
	// WithMaxOpenConns sets the maximum number of open pooled
	// connections. No-op on backends without a pool.
	WithMaxOpenConns(int)
}

// Option is a functional option configuring a Storage implementation.
type Option func(Storage)

// WithDSN returns an option that sets the backend's connection string.
func WithDSN(dsn string) Option {
	return func(s Storage) { s.WithDSN(dsn) }
}

// WithDumpDir returns an option that sets the backend's on-disk root.
func WithDumpDir(dir string) Option {
	return func(s Storage) { s.WithDumpDir(dir) }
}

// WithConnMaxIdleTime returns an option that sets the maximum amount of
// time a pooled connection may be idle.
func WithConnMaxIdleTime(d time.Duration) Option {
	return func(s Storage) { s.WithConnMaxIdleTime(d) }
}

// WithConnMaxLifetime returns an option that sets the maximum amount of
// time a pooled connection may be reused.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(s Storage) { s.WithConnMaxLifetime(d) }
}

// WithMaxIdleConns returns an option that sets the maximum number of idle
// pooled connections.
func WithMaxIdleConns(n int) Option {
	return func(s Storage) { s.WithMaxIdleConns(n) }
}

// WithMaxOpenConns returns an option that sets the maximum number of open
// pooled connections.
func WithMaxOpenConns(n int) Option {
	return func(s Storage) { s.WithMaxOpenConns(n) }
}
