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
package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mixminion/mixkeyd/internal/keyring"
	"github.com/mixminion/mixkeyd/internal/mixconfig"
	"github.com/mixminion/mixkeyd/internal/storage"
	"github.com/mixminion/mixkeyd/internal/storage/types"
)

// openKeyring loads the configuration and opens the keyring with its
// hash-log backend, for the one-shot commands that don't need the full
// application.
func openKeyring(ctx context.Context) (*mixconfig.Config, types.Storage, *keyring.Keyring, error) {
	cfg, err := mixconfig.New()
	if err != nil {
		return nil, nil, nil, err
	}

	dumpDir := cfg.Storage.DumpDir
	if dumpDir == "" {
		dumpDir = filepath.Join(cfg.BaseDir, "work", "hashlogs")
	}

	store, err := storage.New(ctx, types.StorageType(cfg.Storage.Type),
		types.WithDSN(cfg.Storage.DSN),
		types.WithDumpDir(dumpDir),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	kr, err := keyring.New(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	return cfg, store, kr, nil
}

// keygenCmd generates enough key sets to cover the horizon and exits,
// useful for bootstrapping a node before first start.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate key sets covering the publication horizon",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		_, store, kr, err := openKeyring(ctx)
		if err != nil {
			slog.Error("failed to open keyring", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		now := time.Now()

		created, err := kr.CreateIfNeeded(now)
		if err != nil {
			slog.Error("key generation failed", "error", err)
			os.Exit(1)
		}

		if created == 0 {
			color.Green("horizon already covered, nothing to generate")
		} else {
			color.Green("generated %d key set(s)", created)
		}

		for _, st := range kr.Status(now) {
			live := ""
			if st.Live {
				live = " (live)"
			}
			color.White("  %s  %s .. %s%s", st.Name,
				st.ValidAfter.Format("2006-01-02"), st.ValidUntil.Format("2006-01-02"), live)
		}
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
