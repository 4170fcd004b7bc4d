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
	"runtime"
	"sync"
	"time"
)

// maxThrottleDelay caps each throttle decision to keep the transfer
// responsive to pause and cancel.
const maxThrottleDelay = time.Second

// memoryPauseDuration is the short backpressure pause inserted when heap
// usage exceeds the configured threshold.
const memoryPauseDuration = 100 * time.Millisecond

// throttle delays the next chunk read when the measured rate exceeds the
// bandwidth cap. The delay is proportional to the excess (the limiter
// reservation) and capped at maxThrottleDelay per decision.
func (d *Downloader) throttle(ctx context.Context, n int) error {
	lim := d.limiter
	if lim == nil {
		return nil
	}
	r := lim.ReserveN(time.Now(), n)
	if !r.OK() {
		// n exceeds the burst; treat as one full-delay decision.
		return sleepCtx(ctx, maxThrottleDelay)
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if delay > maxThrottleDelay {
		delay = maxThrottleDelay
	}
	return sleepCtx(ctx, delay)
}

// memoryPause samples current memory usage and, above the configured
// threshold, requests a collection and inserts a short pause. This
// applies backpressure independent of the sink.
func (d *Downloader) memoryPause(ctx context.Context) error {
	threshold := d.memThreshold.Load()
	if threshold == 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc <= threshold {
		return nil
	}
	runtime.GC()
	return sleepCtx(ctx, memoryPauseDuration)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// speedWindow keeps a bounded ring of recent per-transfer speed samples
// for configuration tuning.
type speedWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newSpeedWindow(capacity int) *speedWindow {
	return &speedWindow{samples: make([]float64, capacity)}
}

func (w *speedWindow) record(sample float64) {
	if sample <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = sample
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *speedWindow) snapshot() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	out := make([]float64, n)
	copy(out, w.samples[:n])
	return out
}
