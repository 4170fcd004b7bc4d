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
	"sync"
	"time"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResumeInfo carries what a later attempt needs to continue a partial
// transfer.
type ResumeInfo struct {
	// Offset is the byte offset at which the next attempt resumes.
	Offset int64 `json:"offset"`
	// PartialPath is the partial file on disk.
	PartialPath string `json:"partial_path"`
	// Validator is the ETag or Last-Modified marker from the prior
	// attempt, sent as If-Range so a changed remote object restarts
	// from zero instead of corrupting the tail.
	Validator string `json:"validator,omitempty"`
}

// TransferState is a snapshot of one in-flight or resumable acquisition,
// keyed by "<name>@<version>". Mutated only by the download orchestrator.
type TransferState struct {
	ID               string        `json:"id"`
	Key              string        `json:"key"`
	Status           Status        `json:"status"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TotalBytes       int64         `json:"total_bytes"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	// Speed is an exponential moving average in bytes per second.
	Speed float64 `json:"speed"`
	// ETA is remaining bytes divided by Speed.
	ETA    time.Duration `json:"eta"`
	Resume *ResumeInfo   `json:"resume,omitempty"`
}

// speedEMAAlpha weights the newest instantaneous speed sample.
const speedEMAAlpha = 0.3

// transfer is the mutable tracking record behind a TransferState
// snapshot.
type transfer struct {
	mu    sync.Mutex
	state TransferState

	// resumeCh is non-nil while paused; closing it wakes the transfer
	// loop.
	resumeCh chan struct{}
	cancel   context.CancelFunc
}

func newTransfer(id, key string, totalBytes int64) *transfer {
	now := time.Now()
	return &transfer{
		state: TransferState{
			ID:         id,
			Key:        key,
			Status:     StatusPending,
			TotalBytes: totalBytes,
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
}

func (t *transfer) snapshot() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	if t.state.Resume != nil {
		r := *t.state.Resume
		st.Resume = &r
	}
	return st
}

func (t *transfer) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

func (t *transfer) setResume(info ResumeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Resume = &info
	t.state.BytesTransferred = info.Offset
}

func (t *transfer) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = s
	t.state.UpdatedAt = time.Now()
}

// pause requests that the transfer loop park at the next chunk boundary.
// No effect unless the transfer is currently downloading.
func (t *transfer) pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status != StatusDownloading {
		return false
	}
	t.state.Status = StatusPaused
	t.state.UpdatedAt = time.Now()
	t.resumeCh = make(chan struct{})
	return true
}

// resume wakes a paused transfer without discarding partial progress.
func (t *transfer) resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status != StatusPaused || t.resumeCh == nil {
		return false
	}
	t.state.Status = StatusDownloading
	t.state.UpdatedAt = time.Now()
	close(t.resumeCh)
	t.resumeCh = nil
	return true
}

// cancelTransfer marks the transfer cancelled and stops the loop. The
// partial file stays on disk for a future resume.
func (t *transfer) cancelTransfer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status.Terminal() {
		return false
	}
	t.state.Status = StatusCancelled
	t.state.UpdatedAt = time.Now()
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// waitIfPaused parks until the transfer is resumed or the context ends.
// This is called at chunk boundaries only, so no chunk is dropped.
func (t *transfer) waitIfPaused(ctx context.Context) error {
	t.mu.Lock()
	ch := t.resumeCh
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// updateProgress records n freshly written bytes and recomputes the
// moving-average speed and ETA. Returns the updated speed.
func (t *transfer) updateProgress(n int64, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.state.UpdatedAt).Seconds()
	t.state.BytesTransferred += n
	if elapsed > 0 {
		inst := float64(n) / elapsed
		if t.state.Speed == 0 {
			t.state.Speed = inst
		} else {
			t.state.Speed = speedEMAAlpha*inst + (1-speedEMAAlpha)*t.state.Speed
		}
	}
	if t.state.Speed > 0 && t.state.TotalBytes > t.state.BytesTransferred {
		remaining := float64(t.state.TotalBytes - t.state.BytesTransferred)
		t.state.ETA = time.Duration(remaining / t.state.Speed * float64(time.Second))
	} else {
		t.state.ETA = 0
	}
	if t.state.Resume != nil {
		t.state.Resume.Offset = t.state.BytesTransferred
	}
	t.state.UpdatedAt = now
	return t.state.Speed
}
