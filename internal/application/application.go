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
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixminion/mixkeyd/internal/keyring"
	"github.com/mixminion/mixkeyd/internal/metrics"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/publisher"
	"github.com/mixminion/mixkeyd/internal/server"
	"github.com/mixminion/mixkeyd/internal/storage"
	"github.com/mixminion/mixkeyd/internal/storage/types"
)

// The rotation loop sleeps between passes for at most maxCheckInterval,
// even when no rotation event is due: the horizon re-check is cheap. It
// never sleeps less than minCheckInterval so a clustered event list
// can't turn the loop into a busy-wait.
const (
	minCheckInterval = time.Minute
	maxCheckInterval = time.Hour
)

// App wires the keyring to everything around it: the hash-log storage
// backend, the directory publisher, the Prometheus collector, a
// diagnostic HTTP listener, and the rotation loop that keeps keys
// covering the horizon.
type App struct {
	config        *mixconfig.Config
	cancel        context.CancelFunc
	ctx           context.Context
	keyring       *keyring.Keyring
	publisher     *publisher.Publisher
	serverHTTP    *server.Server
	serverMetrics *server.Server
	storage       types.Storage

	snap snapshotHandler
}

// snapshotHandler is the in-process stand-in for the packet handler: it
// retains the latest atomic live-key snapshot the keyring pushes. A real
// node hands this interface to the MMTP packet pipeline instead.
type snapshotHandler struct {
	mu   sync.Mutex
	keys []keyring.LiveKey
}

func (h *snapshotHandler) UpdateLiveKeys(keys []keyring.LiveKey) {
	h.mu.Lock()
	h.keys = keys
	h.mu.Unlock()
}

func (h *snapshotHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.keys))
	for _, k := range h.keys {
		out = append(out, k.Name)
	}
	return out
}

// New creates and initializes a new App instance with all required
// components. It creates the cancelable application context (signal
// handling is installed by Up), loads configuration, initializes the hash-log
// storage backend, the keyring, the directory publisher, the diagnostic
// HTTP server, and the metrics server. Returns an error if any component
// fails to initialize.
func New() (*App, error) {
	slog.Debug("initializing application")

	ctx, cancel := context.WithCancel(context.Background())

	cfg, err := mixconfig.New()
	if err != nil {
		cancel()
		slog.Error("failed to load config")
		return nil, err
	}

	dumpDir := cfg.Storage.DumpDir
	if dumpDir == "" {
		dumpDir = filepath.Join(cfg.BaseDir, "work", "hashlogs")
	}

	store, err := storage.New(ctx, types.StorageType(cfg.Storage.Type),
		types.WithConnMaxIdleTime(cfg.Storage.ConnMaxIdleTime),
		types.WithConnMaxLifetime(cfg.Storage.ConnMaxLifetime),
		types.WithDSN(cfg.Storage.DSN),
		types.WithDumpDir(dumpDir),
		types.WithMaxIdleConns(cfg.Storage.MaxIdleConns),
		types.WithMaxOpenConns(cfg.Storage.MaxOpenConns),
	)
	if err != nil {
		cancel()
		slog.Error("failed to create storage")
		return nil, err
	}

	collector := metrics.NewCollector()

	kr, err := keyring.New(cfg, store, keyring.WithCollector(collector))
	if err != nil {
		cancel()
		slog.Error("failed to open keyring")
		return nil, err
	}

	pub := publisher.New(cfg.DirectoryURL, cfg.PublishTimeout)

	srvHTTP := server.NewServer(
		server.WithContext(ctx),
		server.WithAddr(cfg.Server.Listen),
		server.WithReadTimeout(cfg.Server.ReadTimeout),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
	)

	srvMetrics := server.NewServer(
		server.WithContext(ctx),
		server.WithAddr("127.0.0.1:9090"),
	)
	srvMetrics.SetHandle("/metrics", promhttp.Handler())
	srvMetrics.SetHandleFunc("/", metrics.Root)
	srvMetrics.SetHandleFunc("/health/liveness", store.ProbeLiveness())
	srvMetrics.SetHandleFunc("/health/readiness", store.ProbeReadiness())
	srvMetrics.SetHandleFunc("/health/startup", store.ProbeStartup())

	app := &App{
		config:        cfg,
		cancel:        cancel,
		ctx:           ctx,
		keyring:       kr,
		publisher:     pub,
		serverHTTP:    srvHTTP,
		serverMetrics: srvMetrics,
		storage:       store,
	}

	srvHTTP.SetHandleFunc("/api/v1/keysets", app.handleKeySets)
	srvHTTP.SetHandleFunc("/api/v1/live", app.handleLive)

	return app, nil
}

// handleKeySets answers GET /api/v1/keysets with the keyring's current
// diagnostic view: every key set, its validity window, publication state,
// and whether it's live right now.
func (a *App) handleKeySets(w http.ResponseWriter, r *http.Request) {
	status := a.keyring.Status(time.Now())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleLive answers GET /api/v1/live with the names in the last
// snapshot pushed to the packet handler.
func (a *App) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.snap.names()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Up starts the application and all its components in separate
// goroutines: the metrics server, the diagnostic HTTP server, and the
// rotation loop. Blocks until a shutdown signal arrives, then triggers
// graceful shutdown.
func (a *App) Up() {
	slog.Info("starting keyring daemon",
		"nickname", a.config.Nickname,
		"base_dir", a.config.BaseDir,
		"storage_type", a.config.Storage.Type,
	)

	go a.serverMetrics.Up()
	go a.serverHTTP.Up()
	go a.runRotationLoop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs,
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	sig := <-sigs
	slog.Info("shutdown signal received", "signal", fmt.Sprintf("%s (%d)", sig.String(), sig))

	a.Down()
}

// runRotationLoop is the daemon's heartbeat. Each pass: generate key sets
// to cover the horizon, publish anything unpublished, rotate the live set
// (which also reclaims dead key sets), and refresh the TLS context if
// stale. It then sleeps until the next scheduled event, bounded to
// [1m, 1h].
func (a *App) runRotationLoop() {
	for {
		now := time.Now()

		a.runPass(now)

		wake := a.nextWake(now)
		slog.Debug("rotation loop sleeping", "until", now.Add(wake))

		t := time.NewTimer(wake)
		select {
		case <-a.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (a *App) runPass(now time.Time) {
	if created, err := a.keyring.CreateIfNeeded(now); err != nil {
		slog.Error("key generation failed", "error", err)
	} else if created > 0 {
		slog.Info("generated key sets", "count", created)
	}

	if a.config.DirectoryURL != "" {
		if ok, err := a.keyring.PublishKeys(a.publisher, false, now); err != nil {
			slog.Error("publication failed", "error", err)
		} else if !ok {
			slog.Warn("directory rejected one or more descriptors")
		}
	}

	if err := a.keyring.UpdateKeys(&a.snap, a.config.StatusFile, now); err != nil {
		slog.Error("live-key update failed", "error", err)
	}

	if _, err := a.keyring.GetTLSContext(false, now); err != nil {
		slog.Error("TLS context refresh failed", "error", err)
	}
}

// nextWake picks the earlier of the next key generation and the next
// rotation event, clamped to the check-interval bounds.
func (a *App) nextWake(now time.Time) time.Duration {
	wake := maxCheckInterval

	if at := a.keyring.NextKeygen(); !at.IsZero() {
		if d := at.Sub(now); d < wake {
			wake = d
		}
	}

	if at, ok := a.keyring.NextKeyRotation(now); ok {
		if d := at.Sub(now); d < wake {
			wake = d
		}
	}

	if wake < minCheckInterval {
		wake = minCheckInterval
	}

	return wake
}

// Down performs graceful shutdown of the application: stops both HTTP
// listeners, cancels the rotation loop, and closes the storage backend.
func (a *App) Down() error {
	a.cancel()

	a.serverMetrics.Down()
	a.serverHTTP.Down()

	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("failed to close storage", "error", err)
		}
	}

	slog.Info("application stopped")
	return nil
}
