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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a Prometheus collector exposing the keyring's rotation
// state: how many key sets exist, when each expires, when the cached TLS
// context goes stale, and how directory publication attempts break down
// by outcome. Implements prometheus.Collector for custom metrics
// collection.
type Collector struct {
	mu           sync.Mutex
	keysetCount  float64
	tlsExpiry    float64
	keysetExpiry sync.Map
	publishes    sync.Map
}

// NewCollector creates and registers a new Collector instance with
// Prometheus. Panics if registration fails.
func NewCollector() *Collector {
	c := new(Collector)
	prometheus.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector interface.
// Returns an empty description as metrics are dynamically generated during collection.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector interface.
// Gathers and sends all keyring metrics to Prometheus:
// - mixkeyd_keyset_count: number of key sets currently on disk (gauge)
// - mixkeyd_keyset_valid_until_seconds: expiry unix time per key set (gauge)
// - mixkeyd_tls_context_expires_seconds: cached TLS context expiry unix time (gauge)
// - mixkeyd_publish_total: publication attempts per outcome (counter)
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	count, tls := c.keysetCount, c.tlsExpiry
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			"mixkeyd_keyset_count",
			"Number of key sets currently on disk",
			nil,
			nil,
		),
		prometheus.GaugeValue,
		count,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			"mixkeyd_tls_context_expires_seconds",
			"Unix time at which the cached TLS context goes stale",
			nil,
			nil,
		),
		prometheus.GaugeValue,
		tls,
	)

	c.keysetExpiry.Range(func(k, v any) bool {
		name := k.(string)
		expiry := v.(float64)

		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				"mixkeyd_keyset_valid_until_seconds",
				"Unix time at which a key set's descriptor stops being valid",
				[]string{"name"},
				nil,
			),
			prometheus.GaugeValue,
			expiry,
			name,
		)
		return true
	})

	c.publishes.Range(func(k, v any) bool {
		outcome := k.(string)
		total := v.(float64)

		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				"mixkeyd_publish_total",
				"Directory publication attempts by outcome",
				[]string{"outcome"},
				nil,
			),
			prometheus.CounterValue,
			total,
			outcome,
		)
		return true
	})
}

// SetKeySetCount updates the key-set count gauge after a rescan.
func (c *Collector) SetKeySetCount(n int) {
	c.mu.Lock()
	c.keysetCount = float64(n)
	c.mu.Unlock()
}

// SetKeySetExpiry records the expiry unix time of one key set.
func (c *Collector) SetKeySetExpiry(name string, unixSeconds float64) {
	c.keysetExpiry.Store(name, unixSeconds)
}

// ClearKeySetExpiry drops the expiry metric of a deleted key set.
func (c *Collector) ClearKeySetExpiry(name string) {
	c.keysetExpiry.Delete(name)
}

// SetTLSExpiry records the unix time at which the cached TLS context goes
// stale.
func (c *Collector) SetTLSExpiry(unixSeconds float64) {
	c.mu.Lock()
	c.tlsExpiry = unixSeconds
	c.mu.Unlock()
}

// IncPublish increments the publication counter for an outcome
// ("accept", "reject", "error").
func (c *Collector) IncPublish(outcome string) {
	val, _ := c.publishes.LoadOrStore(outcome, 0.0)
	c.publishes.Store(outcome, val.(float64)+1)
}
