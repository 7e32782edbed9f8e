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
package redis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gopkg.in/slog-handler.v1"

	"github.com/mixminion/mixkeyd/internal/storage/types"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(func() {
		mr.Close()
	})

	dsn := fmt.Sprintf("redis://%s", mr.Addr())
	return mr, dsn
}

func TestNew(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	tests := []struct {
		name    string
		dsn     func(t *testing.T) string
		wantErr bool
	}{
		{
			name: "success with valid dsn",
			dsn: func(t *testing.T) string {
				_, dsn := setupMiniRedis(t)
				return dsn
			},
		},
		{
			name: "unreachable server",
			dsn: func(t *testing.T) string {
				return "redis://127.0.0.1:1"
			},
			wantErr: true,
		},
		{
			name: "malformed dsn",
			dsn: func(t *testing.T) string {
				return "://not-a-url"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), types.WithDSN(tt.dsn(t)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, s.Close())
		})
	}
}

func TestStorage_SeenRecord(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	mr, dsn := setupMiniRedis(t)

	s, err := New(context.Background(), types.WithDSN(dsn))
	require.NoError(t, err)
	defer s.Close()

	l, err := s.Open("0001")
	require.NoError(t, err)

	seen, err := l.Seen("abc123")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Record("abc123"))

	seen, err = l.Seen("abc123")
	require.NoError(t, err)
	assert.True(t, seen)

	// The digest lives in the per-key-set hash.
	assert.True(t, mr.Exists("hashlog:0001"))
}

func TestLog_Delete(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	mr, dsn := setupMiniRedis(t)

	s, err := New(context.Background(), types.WithDSN(dsn))
	require.NoError(t, err)
	defer s.Close()

	l, err := s.Open("0001")
	require.NoError(t, err)
	require.NoError(t, l.Record("abc123"))

	require.NoError(t, l.Delete())
	assert.False(t, mr.Exists("hashlog:0001"))
}

func TestStorage_Probes(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	mr, dsn := setupMiniRedis(t)

	s, err := New(context.Background(), types.WithDSN(dsn))
	require.NoError(t, err)
	defer s.Close()

	for name, probe := range map[string]func(http.ResponseWriter, *http.Request){
		"liveness":  s.ProbeLiveness(),
		"readiness": s.ProbeReadiness(),
		"startup":   s.ProbeStartup(),
	} {
		w := httptest.NewRecorder()
		probe(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code, name)
	}

	// A dead server flips liveness.
	mr.Close()

	w := httptest.NewRecorder()
	s.ProbeLiveness()(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
