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
package types

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// optionRecorder records which setter each Option hit.
type optionRecorder struct {
	dsn             string
	dumpDir         string
	connMaxIdleTime time.Duration
	connMaxLifetime time.Duration
	maxIdleConns    int
	maxOpenConns    int
}

func (r *optionRecorder) Open(string) (Log, error) { return nil, nil }
func (r *optionRecorder) Close() error             { return nil }
func (r *optionRecorder) ProbeLiveness() func(http.ResponseWriter, *http.Request) {
	return nil
}
func (r *optionRecorder) ProbeReadiness() func(http.ResponseWriter, *http.Request) {
	return nil
}
func (r *optionRecorder) ProbeStartup() func(http.ResponseWriter, *http.Request) {
	return nil
}
func (r *optionRecorder) WithDSN(dsn string)                  { r.dsn = dsn }
func (r *optionRecorder) WithDumpDir(dir string)              { r.dumpDir = dir }
func (r *optionRecorder) WithConnMaxIdleTime(d time.Duration) { r.connMaxIdleTime = d }
func (r *optionRecorder) WithConnMaxLifetime(d time.Duration) { r.connMaxLifetime = d }
func (r *optionRecorder) WithMaxIdleConns(n int)              { r.maxIdleConns = n }
func (r *optionRecorder) WithMaxOpenConns(n int)              { r.maxOpenConns = n }

func TestOptions(t *testing.T) {
	r := &optionRecorder{}

	for _, opt := range []Option{
		WithDSN("postgres://localhost/db"),
		WithDumpDir("/var/lib/mixkeyd/work/hashlogs"),
		WithConnMaxIdleTime(5 * time.Minute),
		WithConnMaxLifetime(30 * time.Minute),
		WithMaxIdleConns(5),
		WithMaxOpenConns(10),
	} {
		opt(r)
	}

	assert.Equal(t, "postgres://localhost/db", r.dsn)
	assert.Equal(t, "/var/lib/mixkeyd/work/hashlogs", r.dumpDir)
	assert.Equal(t, 5*time.Minute, r.connMaxIdleTime)
	assert.Equal(t, 30*time.Minute, r.connMaxLifetime)
	assert.Equal(t, 5, r.maxIdleConns)
	assert.Equal(t, 10, r.maxOpenConns)
}
