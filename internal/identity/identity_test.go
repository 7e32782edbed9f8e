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
package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gopkg.in/slog-handler.v1"
)

func TestLoad_GeneratesOnFirstUse(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()

	id, err := Load(keyDir, 2048)
	require.NoError(t, err)
	require.NotNil(t, id.Private())
	assert.Equal(t, 2048, id.Public().N.BitLen())

	// Persisted owner-only.
	info, err := os.Stat(filepath.Join(keyDir, "identity.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoad_ReadsExistingKey(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()

	id1, err := Load(keyDir, 2048)
	require.NoError(t, err)

	// The second load reads the same key back instead of generating.
	id2, err := Load(keyDir, 2048)
	require.NoError(t, err)
	assert.Equal(t, id1.Public().N, id2.Public().N)
}

func TestLoad_CorruptFile(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(keyDir, "identity.key"), []byte("garbage"), 0600))

	_, err := Load(keyDir, 2048)
	assert.Error(t, err)
}

func TestPublicDER_StableAcrossLoads(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()

	id1, err := Load(keyDir, 2048)
	require.NoError(t, err)
	der1, err := id1.PublicDER()
	require.NoError(t, err)

	id2, err := Load(keyDir, 2048)
	require.NoError(t, err)
	der2, err := id2.PublicDER()
	require.NoError(t, err)

	assert.Equal(t, der1, der2)
}

func TestRemove(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()

	_, err := Load(keyDir, 2048)
	require.NoError(t, err)

	require.NoError(t, Remove(keyDir, 0, nil))

	_, err = os.Stat(filepath.Join(keyDir, "identity.key"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_Canceled(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	keyDir := t.TempDir()

	_, err := Load(keyDir, 2048)
	require.NoError(t, err)

	cancel := make(chan struct{})
	close(cancel)

	require.NoError(t, Remove(keyDir, time.Hour, cancel))

	// The key survives a canceled removal.
	_, err = os.Stat(filepath.Join(keyDir, "identity.key"))
	assert.NoError(t, err)
}

func TestRemove_MissingKeyIsFine(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	assert.NoError(t, Remove(t.TempDir(), 0, nil))
}
