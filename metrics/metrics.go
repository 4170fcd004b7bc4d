/*
   Copyright The Modelkit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package metrics registers prometheus collectors for the acquisition
// pipeline. Serving the registry is the embedding application's concern.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels.
const (
	OperationAcquire  = "acquire"
	OperationDownload = "download"
	OperationVerify   = "verify"
	OperationStore    = "store"
)

const (
	namespace = "modelkit"
	subsystem = "pipeline"
)

var (
	latencyBucketsMilliseconds = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

	// operationLatencyMilliseconds collects stage latency grouped by
	// operation and model key.
	operationLatencyMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_milliseconds",
			Help:      "Latency in milliseconds of model acquisition operations. Broken down by operation type and model.",
			Buckets:   latencyBucketsMilliseconds,
		},
		[]string{"operation_type", "model"},
	)

	operationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_count",
			Help:      "The count of model acquisition operations. Broken down by operation type and model.",
		},
		[]string{"operation_type", "model"},
	)

	bytesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_fetched",
			Help:      "The number of bytes fetched from remote sources. Broken down by model.",
		},
		[]string{"model"},
	)

	cacheHitCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_hit_count",
			Help:      "The count of cache hits.",
		},
	)

	cacheMissCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_miss_count",
			Help:      "The count of cache misses.",
		},
	)

	quarantineCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quarantine_count",
			Help:      "The count of artifacts moved to quarantine after failing verification.",
		},
	)
)

var register sync.Once

// Register registers the pipeline collectors with the default prometheus
// registerer. Safe to call more than once.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(operationLatencyMilliseconds)
		prometheus.MustRegister(operationCount)
		prometheus.MustRegister(bytesFetched)
		prometheus.MustRegister(cacheHitCount)
		prometheus.MustRegister(cacheMissCount)
		prometheus.MustRegister(quarantineCount)
	})
}

// MeasureLatencyInMilliseconds records the duration of one operation.
func MeasureLatencyInMilliseconds(operation, model string, start time.Time) {
	operationLatencyMilliseconds.WithLabelValues(operation, model).Observe(float64(time.Since(start).Milliseconds()))
}

// IncOperationCount increments the counter for one operation.
func IncOperationCount(operation, model string) {
	operationCount.WithLabelValues(operation, model).Inc()
}

// AddBytesFetched counts bytes fetched from a remote source.
func AddBytesFetched(model string, n int64) {
	if n > 0 {
		bytesFetched.WithLabelValues(model).Add(float64(n))
	}
}

// IncCacheHit counts a cache hit.
func IncCacheHit() { cacheHitCount.Inc() }

// IncCacheMiss counts a cache miss.
func IncCacheMiss() { cacheMissCount.Inc() }

// IncQuarantine counts a quarantined artifact.
func IncQuarantine() { quarantineCount.Inc() }
