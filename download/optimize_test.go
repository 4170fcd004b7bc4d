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
	"context"
	"net/http"
	"testing"
)

func TestOptimizeConfigurationStandard(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.MemoryThresholdBytes = 0 // pressure check disabled
	d := NewDownloader(cfg, http.DefaultClient)

	settings := d.OptimizeConfiguration()
	if settings.MaxConcurrency != standardConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", settings.MaxConcurrency, standardConcurrency)
	}
	if settings.BufferSizeBytes != standardBufferSize {
		t.Errorf("BufferSizeBytes = %d, want %d", settings.BufferSizeBytes, standardBufferSize)
	}
	if got := d.bufferSize.Load(); got != standardBufferSize {
		t.Errorf("stored buffer size = %d, want %d", got, standardBufferSize)
	}
}

func TestOptimizeConfigurationLowMemory(t *testing.T) {
	cfg := testDownloadConfig()
	// A 2-byte threshold guarantees the heap is over half of it.
	cfg.MemoryThresholdBytes = 2
	d := NewDownloader(cfg, http.DefaultClient)

	settings := d.OptimizeConfiguration()
	if settings.MaxConcurrency != conservativeConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", settings.MaxConcurrency, conservativeConcurrency)
	}
	if settings.BufferSizeBytes != conservativeBufferSize {
		t.Errorf("BufferSizeBytes = %d, want %d", settings.BufferSizeBytes, conservativeBufferSize)
	}
	if got := d.currentConcurrency(); got != conservativeConcurrency {
		t.Errorf("currentConcurrency() = %d, want %d", got, conservativeConcurrency)
	}
}

func TestOptimizeConfigurationTightensThrottle(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.MemoryThresholdBytes = 0
	cfg.MaxBandwidthBytesPerSec = 1_000_000
	d := NewDownloader(cfg, http.DefaultClient)

	// Sustained speed well below the configured cap.
	for i := 0; i < minSpeedSamples; i++ {
		d.speeds.record(100_000)
	}

	settings := d.OptimizeConfiguration()
	if want := int64(0.9 * 100_000); settings.MaxBandwidthBytesPerSec != want {
		t.Errorf("MaxBandwidthBytesPerSec = %d, want %d", settings.MaxBandwidthBytesPerSec, want)
	}
}

func TestOptimizeConfigurationNeverRaisesCap(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.MemoryThresholdBytes = 0
	cfg.MaxBandwidthBytesPerSec = 50_000
	d := NewDownloader(cfg, http.DefaultClient)

	// Observed speeds above the cap must not loosen it.
	for i := 0; i < minSpeedSamples; i++ {
		d.speeds.record(500_000)
	}

	settings := d.OptimizeConfiguration()
	if settings.MaxBandwidthBytesPerSec != 50_000 {
		t.Errorf("MaxBandwidthBytesPerSec = %d, want the cap unchanged", settings.MaxBandwidthBytesPerSec)
	}
}

func TestOptimizeConfigurationSkipsSparseHistory(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.MemoryThresholdBytes = 0
	cfg.MaxBandwidthBytesPerSec = 1_000_000
	d := NewDownloader(cfg, http.DefaultClient)

	for i := 0; i < minSpeedSamples-1; i++ {
		d.speeds.record(100_000)
	}
	settings := d.OptimizeConfiguration()
	if settings.MaxBandwidthBytesPerSec != 1_000_000 {
		t.Errorf("cap re-tuned on %d samples, want it untouched", minSpeedSamples-1)
	}
}

// A transfer that acquired a slot before a resize must release into the
// semaphore it came from, not the replacement.
func TestOptimizeConfigurationSwapsSemaphoreSafely(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.MemoryThresholdBytes = 0
	d := NewDownloader(cfg, http.DefaultClient)

	old := d.currentSem()
	if err := old.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	// Force a resize by pretending a different concurrency was active.
	d.mu.Lock()
	d.concurrency = 1
	d.mu.Unlock()
	d.OptimizeConfiguration()

	if d.currentSem() == old {
		t.Fatal("semaphore not swapped on resize")
	}
	old.Release(1)

	// The fresh semaphore must hand out its full allotment.
	fresh := d.currentSem()
	for i := int64(0); i < standardConcurrency; i++ {
		if err := fresh.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
	}
	fresh.Release(standardConcurrency)
}
