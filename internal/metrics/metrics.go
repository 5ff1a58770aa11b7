// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is edgeproxy's Prometheus instrumentation surface, a
// direct generalization of the teacher's internal/ratelimiter/telemetry/churn: the
// same global-only, unbounded-cardinality-avoiding counters/gauges/
// histograms, the same Enabled no-op gate so hot paths pay nothing
// when metrics are off, and the same promhttp.Handler wiring — applied
// to phase latency, upstream connect/failover outcomes, pipe spill
// volume, and cache hit ratio instead of rate-limit write churn.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var modEnabled atomic.Bool

// Enable turns on metric recording; Disable turns it off. Both are
// safe to call at any time and take effect immediately for subsequent
// calls into this package.
func Enable()  { modEnabled.Store(true) }
func Disable() { modEnabled.Store(false) }

var (
	phaseLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgeproxy_phase_latency_seconds",
		Help:    "Latency of each phase-engine phase per request",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	upstreamConnectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_upstream_connect_total",
		Help: "Upstream connection attempts by outcome",
	}, []string{"outcome"}) // ok|error|timeout

	upstreamFailoverTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeproxy_upstream_failover_total",
		Help: "Total next_upstream failover events",
	})

	pipeSpillBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeproxy_pipe_spill_bytes_total",
		Help: "Total bytes spilled from the streaming pipe to temp files",
	})

	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_cache_lookups_total",
		Help: "Cache lookups by resulting status",
	}, []string{"status"}) // hit|miss|expired|updating|scarce|bypass
)

func init() {
	prometheus.MustRegister(phaseLatency, upstreamConnectTotal, upstreamFailoverTotal, pipeSpillBytesTotal, cacheLookupsTotal)
}

// ObservePhaseLatency records how long a named phase took to run.
func ObservePhaseLatency(phase string, d time.Duration) {
	if !modEnabled.Load() {
		return
	}
	phaseLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// IncUpstreamConnect records one connect attempt outcome.
func IncUpstreamConnect(outcome string) {
	if !modEnabled.Load() {
		return
	}
	upstreamConnectTotal.WithLabelValues(outcome).Inc()
}

// IncUpstreamFailover records one next_upstream failover event.
func IncUpstreamFailover() {
	if !modEnabled.Load() {
		return
	}
	upstreamFailoverTotal.Inc()
}

// AddPipeSpillBytes records n bytes spilled to a pipe's temp file.
func AddPipeSpillBytes(n int64) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	pipeSpillBytesTotal.Add(float64(n))
}

// IncCacheLookup records one cache lookup by its resulting Status.
func IncCacheLookup(status string) {
	if !modEnabled.Load() {
		return
	}
	cacheLookupsTotal.WithLabelValues(status).Inc()
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
