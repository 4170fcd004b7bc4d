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

package download

import (
	"runtime"
	"time"

	"github.com/containerd/log"
	"github.com/montanaflynn/stats"
	"golang.org/x/time/rate"
)

const (
	// speedWindowSize bounds the recent speed history consulted when
	// re-tuning.
	speedWindowSize = 64

	// minSpeedSamples is how many samples must exist before the
	// throttle cap is re-tuned.
	minSpeedSamples = 8

	// sustainedSpeedPercentile treats the p90 of recent samples as the
	// sustained transfer speed.
	sustainedSpeedPercentile = 90

	conservativeConcurrency = 1
	conservativeBufferSize  = 64 << 10

	standardConcurrency = 3
	standardBufferSize  = 1 << 20
)

var timeNow = time.Now

// OptimizedSettings reports the configuration chosen by
// OptimizeConfiguration.
type OptimizedSettings struct {
	MaxConcurrency          int64
	BufferSizeBytes         int64
	MaxBandwidthBytesPerSec int64
}

// OptimizeConfiguration inspects recent speed history and current memory
// pressure, then adjusts concurrency, buffer size and the throttle cap.
// High heap usage drops to single-transfer operation with small buffers;
// otherwise standard concurrency and larger buffers apply. When enough
// speed history exists the throttle cap tightens toward 90% of the
// recently observed sustained speed.
func (d *Downloader) OptimizeConfiguration() OptimizedSettings {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	threshold := d.memThreshold.Load()
	lowMemory := threshold > 0 && ms.HeapAlloc > threshold/2

	settings := OptimizedSettings{
		MaxConcurrency:  standardConcurrency,
		BufferSizeBytes: standardBufferSize,
	}
	if lowMemory {
		settings.MaxConcurrency = conservativeConcurrency
		settings.BufferSizeBytes = conservativeBufferSize
	}

	d.mu.Lock()
	if d.concurrency != settings.MaxConcurrency {
		d.concurrency = settings.MaxConcurrency
		// In-flight transfers release into the semaphore they
		// acquired from; new transfers use the resized one.
		d.sem = NewSemaphoreWithNil(settings.MaxConcurrency)
	}
	d.mu.Unlock()
	d.bufferSize.Store(settings.BufferSizeBytes)

	if d.limiter != nil {
		samples := d.speeds.snapshot()
		if len(samples) >= minSpeedSamples {
			sustained, err := stats.Percentile(samples, sustainedSpeedPercentile)
			if err == nil && sustained > 0 {
				newCap := 0.9 * sustained
				if current := float64(d.limiter.Limit()); newCap < current {
					d.limiter.SetLimit(rate.Limit(newCap))
					d.limiter.SetBurst(burstFor(int64(newCap), settings.BufferSizeBytes))
				}
			}
		}
		settings.MaxBandwidthBytesPerSec = int64(d.limiter.Limit())
	}

	log.L.WithFields(log.Fields{
		"max_concurrency": settings.MaxConcurrency,
		"buffer_size":     settings.BufferSizeBytes,
		"bandwidth_cap":   settings.MaxBandwidthBytesPerSec,
		"low_memory":      lowMemory,
	}).Info("downloader configuration re-tuned")
	return settings
}
