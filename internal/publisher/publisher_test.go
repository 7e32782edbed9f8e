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
package publisher

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gopkg.in/slog-handler.v1"

	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

func TestPublisher_Publish(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantOutcome Outcome
		wantMsg     string
		wantErr     bool
	}{
		{
			name: "directory accepts",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("Status: 1\nMessage: ok"))
			},
			wantOutcome: Accept,
			wantMsg:     "ok",
		},
		{
			name: "directory rejects",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("Status: 0\nMessage: dup"))
			},
			wantOutcome: Reject,
			wantMsg:     "dup",
			wantErr:     true,
		},
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantOutcome: Error,
			wantErr:     true,
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status": 1}`))
			},
			wantOutcome: Error,
			wantErr:     true,
		},
		{
			name: "unparseable reply",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("Result: fine"))
			},
			wantOutcome: Error,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p := New(srv.URL, 5*time.Second)

			outcome, msg, err := p.Publish("[Server]\nNickname: alice\n")
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantMsg, msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublisher_Publish_PostsForm(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	var gotDesc string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotDesc = r.PostFormValue("desc")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Status: 1\nMessage: accepted"))
	}))
	defer srv.Close()

	p := New(srv.URL, 5*time.Second)

	text := "[Server]\nNickname: alice\n"
	outcome, _, err := p.Publish(text)
	require.NoError(t, err)
	assert.Equal(t, Accept, outcome)
	assert.Equal(t, text, gotDesc)
}

func TestPublisher_Publish_RejectIsClassified(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Status: 0\nMessage: already have it"))
	}))
	defer srv.Close()

	p := New(srv.URL, 5*time.Second)

	_, _, err := p.Publish("desc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mixerrors.Rejected))
	assert.False(t, errors.Is(err, mixerrors.Publish))
}

func TestPublisher_Publish_ConnectionRefused(t *testing.T) {
	logger.SetGlobalLogger(logger.Options{Null: true})

	p := New("http://127.0.0.1:1", time.Second)

	outcome, _, err := p.Publish("desc")
	assert.Equal(t, Error, outcome)
	assert.Error(t, err)
}
