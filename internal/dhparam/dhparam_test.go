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
package dhparam

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gopkg.in/slog-handler.v1"
)

func TestGenerate(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	params, err := Generate(256)
	require.NoError(t, err)

	assert.Equal(t, 256, params.P.BitLen())
	assert.Equal(t, big.NewInt(2), params.G)
	assert.True(t, params.P.ProbablyPrime(20))

	// p = 2q+1 with q prime.
	q := new(big.Int).Rsh(params.P, 1)
	assert.True(t, q.ProbablyPrime(20))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	params, err := Generate(256)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tls", "dhparam")
	require.NoError(t, params.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path, 256)
	require.NoError(t, err)
	assert.Equal(t, params.P, loaded.P)
	assert.Equal(t, params.G, loaded.G)
}

func TestLoad_GeneratesWhenMissing(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	path := filepath.Join(t.TempDir(), "dhparam")

	params, err := Load(path, 256)
	require.NoError(t, err)
	require.NotNil(t, params)

	// The generated parameters were persisted for next time.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoad_CorruptFile(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	path := filepath.Join(t.TempDir(), "dhparam")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0600))

	_, err := Load(path, 256)
	assert.Error(t, err)
}
