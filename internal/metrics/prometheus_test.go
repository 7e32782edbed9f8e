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
package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector() returned nil")
	}

	prometheus.Unregister(c)
}

func TestCollector_IncPublish(t *testing.T) {
	tests := []struct {
		name      string
		outcome   string
		incCount  int
		wantValue float64
	}{
		{
			name:      "single accept",
			outcome:   "accept",
			incCount:  1,
			wantValue: 1.0,
		},
		{
			name:      "repeated rejects",
			outcome:   "reject",
			incCount:  5,
			wantValue: 5.0,
		},
		{
			name:      "never incremented",
			outcome:   "error",
			incCount:  0,
			wantValue: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(Collector)

			for i := 0; i < tt.incCount; i++ {
				c.IncPublish(tt.outcome)
			}

			val, ok := c.publishes.Load(tt.outcome)
			if tt.incCount > 0 && !ok {
				t.Error("IncPublish() did not store value")
				return
			}

			if tt.incCount > 0 {
				if got := val.(float64); got != tt.wantValue {
					t.Errorf("IncPublish() value = %v, want %v", got, tt.wantValue)
				}
			}
		})
	}
}

func TestCollector_Collect(t *testing.T) {
	c := new(Collector)

	c.SetKeySetCount(3)
	c.SetKeySetExpiry("0001", 1735689600)
	c.SetTLSExpiry(1735776000)
	c.IncPublish("accept")
	c.IncPublish("accept")

	want := `
# HELP mixkeyd_keyset_count Number of key sets currently on disk
# TYPE mixkeyd_keyset_count gauge
mixkeyd_keyset_count 3
# HELP mixkeyd_keyset_valid_until_seconds Unix time at which a key set's descriptor stops being valid
# TYPE mixkeyd_keyset_valid_until_seconds gauge
mixkeyd_keyset_valid_until_seconds{name="0001"} 1.7356896e+09
# HELP mixkeyd_publish_total Directory publication attempts by outcome
# TYPE mixkeyd_publish_total counter
mixkeyd_publish_total{outcome="accept"} 2
# HELP mixkeyd_tls_context_expires_seconds Unix time at which the cached TLS context goes stale
# TYPE mixkeyd_tls_context_expires_seconds gauge
mixkeyd_tls_context_expires_seconds 1.735776e+09
`

	if err := testutil.CollectAndCompare(c, strings.NewReader(want)); err != nil {
		t.Errorf("CollectAndCompare() mismatch: %v", err)
	}
}

func TestCollector_ClearKeySetExpiry(t *testing.T) {
	c := new(Collector)

	c.SetKeySetExpiry("0001", 100)
	c.ClearKeySetExpiry("0001")

	if _, ok := c.keysetExpiry.Load("0001"); ok {
		t.Error("ClearKeySetExpiry() did not delete the metric")
	}
}
