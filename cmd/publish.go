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
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mixminion/mixkeyd/internal/publisher"
)

var publishAll = false

// publishCmd posts descriptors to the directory and exits.
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish descriptors to the directory server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, store, kr, err := openKeyring(ctx)
		if err != nil {
			slog.Error("failed to open keyring", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if cfg.DirectoryURL == "" {
			slog.Error("no directory_url configured")
			os.Exit(1)
		}

		pub := publisher.New(cfg.DirectoryURL, cfg.PublishTimeout)

		ok, err := kr.PublishKeys(pub, publishAll, time.Now())
		switch {
		case err != nil:
			color.Red("publication failed: %v", err)
			os.Exit(1)
		case !ok:
			color.Yellow("directory rejected one or more descriptors")
			os.Exit(1)
		default:
			color.Green("all descriptors published")
		}
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().BoolVar(&publishAll, "all", false, "Republish already-published key sets too")
}
