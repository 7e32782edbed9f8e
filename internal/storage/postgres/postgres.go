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

// Package postgres implements the hash-log Storage contract over a single
// shared seen_hashes table, one row per (keyset_name, digest) pair.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/mixminion/mixkeyd/internal/storage/postgres/migrations"
	"github.com/mixminion/mixkeyd/internal/storage/types"
)

// New creates and initializes a new PostgreSQL hash-log backend. It opens
// a connection to PostgreSQL using the provided DSN, validates
// connectivity, and runs database migrations to ensure the schema is up
// to date.
func New(ctx context.Context, opts ...types.Option) (types.Storage, error) {
	s := new(Storage)

	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres dsn: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetConnMaxIdleTime(s.connMaxIdleTime)
	db.SetConnMaxLifetime(s.connMaxLifetime)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetMaxOpenConns(s.maxOpenConns)

	s.client = db
	s.ctx = ctx

	return s, nil
}

// Storage implements the types.Storage interface using PostgreSQL as the
// backend. Every KeySet's hash log lives in the same seen_hashes table,
// distinguished by keyset_name.
type Storage struct {
	ctx             context.Context
	client          *sql.DB
	dsn             string
	connMaxIdleTime time.Duration
	connMaxLifetime time.Duration
	maxIdleConns    int
	maxOpenConns    int
}

// WithDSN sets the PostgreSQL connection string (DSN).
func (s *Storage) WithDSN(dsn string) {
	s.dsn = dsn
}

// WithDumpDir is a no-op for PostgreSQL storage as it doesn't use file dumps.
func (s *Storage) WithDumpDir(dumpDir string) {
	// no-op for this storage
}

// WithConnMaxIdleTime sets the maximum amount of time a connection may be idle.
func (s *Storage) WithConnMaxIdleTime(d time.Duration) {
	s.connMaxIdleTime = d
}

// WithConnMaxLifetime sets the maximum amount of time a connection may be reused.
func (s *Storage) WithConnMaxLifetime(d time.Duration) {
	s.connMaxLifetime = d
}

// WithMaxIdleConns sets the maximum number of connections in the idle connection pool.
func (s *Storage) WithMaxIdleConns(n int) {
	s.maxIdleConns = n
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func (s *Storage) WithMaxOpenConns(n int) {
	s.maxOpenConns = n
}

// Open returns the hash log for keysetName. Unlike the filesystem
// backend, no resource is allocated per KeySet:
// the returned Log is a thin view over the shared table.
func (s *Storage) Open(keysetName string) (types.Log, error) {
	return &hashLog{db: s.client, ctx: s.ctx, name: keysetName}, nil
}

// Close releases PostgreSQL database connection resources.
func (s *Storage) Close() error {
	slog.Warn("closing postgres hash-log storage")
	return s.client.Close()
}

// ProbeLiveness returns an HTTP handler for Kubernetes liveness probe.
// It checks that PostgreSQL is reachable via a lightweight ping.
func (s *Storage) ProbeLiveness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.client.PingContext(r.Context()); err != nil {
			slog.Warn("liveness: NOT alive", "storage", "postgres", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("postgres unreachable: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeReadiness returns an HTTP handler for Kubernetes readiness probe.
// It checks that the seen_hashes table is queryable.
func (s *Storage) ProbeReadiness() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var n int
		if err := s.client.QueryRowContext(r.Context(), "SELECT count(*) FROM seen_hashes").Scan(&n); err != nil {
			slog.Warn("readiness: NOT ready", "storage", "postgres", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("seen_hashes table not queryable: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ProbeStartup returns an HTTP handler for Kubernetes startup probe.
// Always returns 200 OK as PostgreSQL storage initialization is handled in New().
func (s *Storage) ProbeStartup() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// hashLog is the PostgreSQL-backed types.Log: a view onto the rows in
// seen_hashes belonging to one KeySet.
type hashLog struct {
	db   *sql.DB
	ctx  context.Context
	name string
}

func (l *hashLog) Seen(digest string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(l.ctx,
		`SELECT count(*) FROM seen_hashes WHERE keyset_name = $1 AND digest = $2`,
		l.name, digest).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query seen_hashes: %w", err)
	}
	return n > 0, nil
}

func (l *hashLog) Record(digest string) error {
	_, err := l.db.ExecContext(l.ctx,
		`INSERT INTO seen_hashes (keyset_name, digest, seen_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (keyset_name, digest) DO NOTHING`,
		l.name, digest)
	if err != nil {
		return fmt.Errorf("insert seen_hashes: %w", err)
	}
	return nil
}

// Close is a no-op: the hashLog doesn't own the *sql.DB connection pool.
func (l *hashLog) Close() error { return nil }

func (l *hashLog) Delete() error {
	if _, err := l.db.ExecContext(l.ctx,
		`DELETE FROM seen_hashes WHERE keyset_name = $1`, l.name); err != nil {
		return fmt.Errorf("delete seen_hashes for %s: %w", l.name, err)
	}
	return nil
}
