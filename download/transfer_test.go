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
	"math"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	testcases := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusDownloading, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tc := range testcases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %t, want %t", tc.status, got, tc.terminal)
		}
	}
}

func TestUpdateProgressSpeedEMA(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 1<<20)
	base := tr.snapshot().UpdatedAt

	// First sample seeds the average directly: 1000 bytes over 1s.
	speed := tr.updateProgress(1000, base.Add(time.Second))
	if speed != 1000 {
		t.Fatalf("first sample speed = %v, want 1000", speed)
	}

	// Second sample at 2000 B/s blends in with weight 0.3.
	speed = tr.updateProgress(2000, base.Add(2*time.Second))
	want := 0.3*2000 + 0.7*1000
	if math.Abs(speed-want) > 1e-9 {
		t.Fatalf("blended speed = %v, want %v", speed, want)
	}

	st := tr.snapshot()
	if st.BytesTransferred != 3000 {
		t.Errorf("BytesTransferred = %d, want 3000", st.BytesTransferred)
	}
	wantETA := time.Duration(float64(st.TotalBytes-3000) / want * float64(time.Second))
	if st.ETA != wantETA {
		t.Errorf("ETA = %v, want %v", st.ETA, wantETA)
	}
}

func TestUpdateProgressZeroElapsed(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 1000)
	now := tr.snapshot().UpdatedAt

	// Same timestamp twice: bytes advance, speed stays unset.
	if speed := tr.updateProgress(100, now); speed != 0 {
		t.Errorf("speed = %v with zero elapsed time, want 0", speed)
	}
	if got := tr.snapshot().BytesTransferred; got != 100 {
		t.Errorf("BytesTransferred = %d, want 100", got)
	}
}

func TestUpdateProgressETAClearsAtCompletion(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 1000)
	base := tr.snapshot().UpdatedAt
	tr.updateProgress(1000, base.Add(time.Second))
	if eta := tr.snapshot().ETA; eta != 0 {
		t.Errorf("ETA = %v after the final byte, want 0", eta)
	}
}

func TestUpdateProgressTracksResumeOffset(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 1000)
	tr.setResume(ResumeInfo{Offset: 400, PartialPath: "/tmp/p.partial", Validator: `"v1"`})

	if got := tr.snapshot().BytesTransferred; got != 400 {
		t.Fatalf("BytesTransferred = %d after setResume, want 400", got)
	}
	base := tr.snapshot().UpdatedAt
	tr.updateProgress(100, base.Add(time.Second))
	st := tr.snapshot()
	if st.Resume == nil || st.Resume.Offset != 500 {
		t.Fatalf("Resume = %+v, want offset 500", st.Resume)
	}
	if st.Resume.Validator != `"v1"` {
		t.Errorf("Validator = %q, want the one set at resume", st.Resume.Validator)
	}
}

func TestPauseOnlyWhileDownloading(t *testing.T) {
	testcases := []struct {
		name   string
		status Status
		want   bool
	}{
		{"pending", StatusPending, false},
		{"downloading", StatusDownloading, true},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTransfer("t1", "minilm@1.0.0", 10)
			tr.setStatus(tc.status)
			if got := tr.pause(); got != tc.want {
				t.Fatalf("pause() = %t, want %t", got, tc.want)
			}
			if tc.want && tr.snapshot().Status != StatusPaused {
				t.Errorf("Status = %q after pause, want paused", tr.snapshot().Status)
			}
		})
	}
}

func TestResumeRequiresPause(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setStatus(StatusDownloading)
	if tr.resume() {
		t.Fatal("resume() succeeded on a transfer that was never paused")
	}
	if !tr.pause() {
		t.Fatal("pause() failed")
	}
	if !tr.resume() {
		t.Fatal("resume() failed on a paused transfer")
	}
	if got := tr.snapshot().Status; got != StatusDownloading {
		t.Errorf("Status = %q after resume, want downloading", got)
	}
	if tr.resume() {
		t.Error("second resume() succeeded")
	}
}

func TestWaitIfPausedParksUntilResume(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setStatus(StatusDownloading)

	// Not paused: returns immediately.
	if err := tr.waitIfPaused(context.Background()); err != nil {
		t.Fatalf("waitIfPaused() = %v on a running transfer", err)
	}

	tr.pause()
	done := make(chan error, 1)
	go func() { done <- tr.waitIfPaused(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("waitIfPaused returned %v before resume", err)
	case <-time.After(20 * time.Millisecond):
	}

	tr.resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitIfPaused() = %v after resume", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused still parked after resume")
	}
}

func TestWaitIfPausedHonorsContext(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setStatus(StatusDownloading)
	tr.pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.waitIfPaused(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("waitIfPaused() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused ignored the cancelled context")
	}
}

func TestCancelTransfer(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setStatus(StatusDownloading)

	var cancelled bool
	tr.setCancel(func() { cancelled = true })

	if !tr.cancelTransfer() {
		t.Fatal("cancelTransfer() = false on a live transfer")
	}
	if !cancelled {
		t.Error("the context cancel func was not invoked")
	}
	if got := tr.snapshot().Status; got != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got)
	}
	if tr.cancelTransfer() {
		t.Error("cancelTransfer() succeeded twice")
	}
}

// Cancelling a paused transfer must also release anything parked in
// waitIfPaused.
func TestCancelWakesPausedTransfer(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setStatus(StatusDownloading)
	tr.pause()

	done := make(chan error, 1)
	go func() { done <- tr.waitIfPaused(context.Background()) }()

	tr.cancelTransfer()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused still parked after cancel")
	}
}

func TestSnapshotCopiesResumeInfo(t *testing.T) {
	tr := newTransfer("t1", "minilm@1.0.0", 10)
	tr.setResume(ResumeInfo{Offset: 5, PartialPath: "/tmp/p.partial"})

	st := tr.snapshot()
	st.Resume.Offset = 999
	if got := tr.snapshot().Resume.Offset; got != 5 {
		t.Errorf("mutating a snapshot changed the live offset to %d", got)
	}
}

func TestSpeedWindowRing(t *testing.T) {
	w := newSpeedWindow(4)
	if got := w.snapshot(); len(got) != 0 {
		t.Fatalf("empty window reported %d samples", len(got))
	}
	w.record(0) // non-positive samples are dropped
	for _, s := range []float64{100, 200, 300, 400, 500, 600} {
		w.record(s)
	}
	// Capacity 4: only the newest four samples survive.
	samples := w.snapshot()
	if len(samples) != 4 {
		t.Fatalf("%d samples retained, want 4", len(samples))
	}
	for _, s := range samples {
		if s < 300 {
			t.Errorf("stale sample %v survived past the ring capacity", s)
		}
	}
}
