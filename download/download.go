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

// Package download implements the download orchestrator: resumable range
// transfers with streaming backpressure, adaptive bandwidth throttling,
// memory monitoring and parallel batch scheduling.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/model"
	"github.com/astkit/modelkit/recovery"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const unlimited int64 = 0

var (
	ErrTransferInFlight = errors.New("a transfer for this artifact is already in flight")
	ErrTransferNotFound = errors.New("no such transfer")
	ErrCancelled        = errors.New("transfer cancelled")
)

// DrainWaiter is optionally implemented by a sink that can signal it
// cannot accept more data immediately. The transfer loop suspends until
// WaitDrain returns before reading the next chunk.
type DrainWaiter interface {
	WaitDrain(ctx context.Context) error
}

// SemaphoreWithNil is a weighted semaphore that treats a non-positive
// limit as unbounded.
type SemaphoreWithNil struct {
	smp *semaphore.Weighted
}

func NewSemaphoreWithNil(n int64) *SemaphoreWithNil {
	s := &SemaphoreWithNil{}
	if n > unlimited {
		s.smp = semaphore.NewWeighted(n)
	}
	return s
}

func (s *SemaphoreWithNil) Acquire(ctx context.Context, n int64) error {
	if s.smp != nil {
		return s.smp.Acquire(ctx, n)
	}
	return nil
}

func (s *SemaphoreWithNil) Release(n int64) {
	if s.smp != nil {
		s.smp.Release(n)
	}
}

// Downloader is the download orchestrator. It is safe for concurrent
// use; each artifact's partial file is owned exclusively by its single
// in-flight transfer.
type Downloader struct {
	client *http.Client

	// limiter enforces the bandwidth cap; nil when unthrottled.
	limiter *rate.Limiter

	mu          sync.Mutex
	transfers   map[string]*transfer // by transfer ID
	inFlight    map[string]string    // artifact key -> transfer ID
	sem         *SemaphoreWithNil
	concurrency int64

	bufferSize   atomic.Int64
	memThreshold atomic.Uint64
	speeds       *speedWindow

	// wrapSink, when set, wraps the partial-file writer. Used by tests
	// to exercise sink backpressure.
	wrapSink func(io.Writer) io.Writer
}

// NewDownloader constructs a Downloader using the given HTTP client.
// Pass a client without a whole-request timeout (see
// internalhttp.NewStreamingClient); transfer lifetime is bounded by the
// caller's context.
func NewDownloader(cfg config.DownloadConfig, client *http.Client) *Downloader {
	d := &Downloader{
		client:      client,
		transfers:   make(map[string]*transfer),
		inFlight:    make(map[string]string),
		sem:         NewSemaphoreWithNil(cfg.MaxConcurrency),
		concurrency: cfg.MaxConcurrency,
		speeds:      newSpeedWindow(speedWindowSize),
	}
	d.bufferSize.Store(cfg.BufferSizeBytes)
	d.memThreshold.Store(cfg.MemoryThresholdBytes)
	if cfg.MaxBandwidthBytesPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBandwidthBytesPerSec), burstFor(cfg.MaxBandwidthBytesPerSec, cfg.BufferSizeBytes))
	}
	return d
}

// burstFor sizes the limiter burst so a full buffer is always
// reservable.
func burstFor(bandwidth, buffer int64) int {
	if buffer > bandwidth {
		return int(buffer)
	}
	return int(bandwidth)
}

// Acquire fetches the artifact into destDir, resuming any partial
// transfer found on disk, and returns the final file path. The partial
// file is left intact on failure for future resumption.
func (d *Downloader) Acquire(ctx context.Context, desc model.Descriptor, destDir string) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", &recovery.ConfigurationError{Field: "descriptor", Err: err}
	}
	// Hold the semaphore instance that granted the slot; a concurrent
	// OptimizeConfiguration may swap in a resized one.
	sem := d.currentSem()
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)

	t, err := d.register(desc)
	if err != nil {
		return "", err
	}
	defer d.unregister(t)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.setCancel(cancel)

	path, err := d.transferArtifact(ctx, t, desc, destDir)
	if err != nil {
		if t.snapshot().Status == StatusCancelled {
			return "", fmt.Errorf("%w: %s", ErrCancelled, desc.ID())
		}
		t.setStatus(StatusFailed)
		return "", err
	}
	t.setStatus(StatusCompleted)
	return path, nil
}

// AcquireAll fetches the descriptors in batches no larger than the
// configured maximum concurrency; all members of a batch start
// concurrently and are awaited together. If a batch fails, its members
// are re-acquired individually and sequentially, surfacing the first
// unrecoverable error. Returned paths are in descriptor order.
func (d *Downloader) AcquireAll(ctx context.Context, descs []model.Descriptor, destDir string) ([]string, error) {
	paths := make([]string, len(descs))
	batchSize := int(d.currentConcurrency())
	if batchSize <= 0 {
		batchSize = len(descs)
	}

	for start := 0; start < len(descs); start += batchSize {
		end := min(start+batchSize, len(descs))
		batch := descs[start:end]

		eg, egCtx := errgroup.WithContext(ctx)
		for i := range batch {
			i := i
			eg.Go(func() error {
				p, err := d.Acquire(egCtx, batch[i], destDir)
				if err != nil {
					return err
				}
				paths[start+i] = p
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			log.G(ctx).WithError(err).Warn("batch acquisition failed, falling back to sequential transfers")
			for i := range batch {
				if paths[start+i] != "" {
					continue
				}
				p, serr := d.Acquire(ctx, batch[i], destDir)
				if serr != nil {
					return nil, serr
				}
				paths[start+i] = p
			}
		}
	}
	return paths, nil
}

// Pause parks the identified transfer at the next chunk boundary without
// discarding partial progress.
func (d *Downloader) Pause(id string) error {
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !t.pause() {
		return fmt.Errorf("transfer %s is not downloading", id)
	}
	return nil
}

// Resume wakes a paused transfer.
func (d *Downloader) Resume(id string) error {
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !t.resume() {
		return fmt.Errorf("transfer %s is not paused", id)
	}
	return nil
}

// Cancel stops the identified transfer, leaving its partial file on disk
// for a future resume.
func (d *Downloader) Cancel(id string) error {
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !t.cancelTransfer() {
		return fmt.Errorf("transfer %s already finished", id)
	}
	return nil
}

// ActiveTransfers returns snapshots of all in-flight transfers. This is
// the pollable progress surface; there are no progress callbacks.
func (d *Downloader) ActiveTransfers() []TransferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TransferState, 0, len(d.transfers))
	for _, t := range d.transfers {
		out = append(out, t.snapshot())
	}
	return out
}

func (d *Downloader) currentSem() *SemaphoreWithNil {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sem
}

func (d *Downloader) currentConcurrency() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.concurrency
}

func (d *Downloader) register(desc model.Descriptor) (*transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := desc.ID()
	if _, busy := d.inFlight[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrTransferInFlight, key)
	}
	t := newTransfer(uuid.NewString(), key, desc.Size)
	d.transfers[t.state.ID] = t
	d.inFlight[key] = t.state.ID
	return t, nil
}

// unregister removes the transfer on terminal status.
func (d *Downloader) unregister(t *transfer) {
	st := t.snapshot()
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.transfers, st.ID)
	delete(d.inFlight, st.Key)
}

func (d *Downloader) lookup(id string) (*transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return t, nil
}

// transferArtifact runs one resumable transfer into destDir.
func (d *Downloader) transferArtifact(ctx context.Context, t *transfer, desc model.Descriptor, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", &recovery.FilesystemError{Op: "mkdir", Path: destDir, Err: err}
	}
	finalPath := filepath.Join(destDir, desc.FileName())
	partialPath := filepath.Join(destDir, desc.PartialFileName())

	offset := int64(0)
	validator := ""
	if fi, err := os.Stat(partialPath); err == nil {
		offset = fi.Size()
		validator = readValidator(partialPath)
	}
	t.setResume(ResumeInfo{Offset: offset, PartialPath: partialPath, Validator: validator})

	req := newRangeRequest(desc.URL, offset, validator)
	httpReq, err := req.toHTTP(ctx)
	if err != nil {
		return "", &recovery.ConfigurationError{Field: "url", Err: err}
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", &recovery.NetworkError{URL: desc.URL, Err: err}
	}
	defer resp.Body.Close()

	var flags int
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case http.StatusOK:
		// The source ignored the range request (or none was sent);
		// the transfer restarts from zero.
		if offset > 0 {
			log.G(ctx).WithField("model", desc.ID()).Info("source returned full content, discarding partial progress")
			offset = 0
			t.setResume(ResumeInfo{Offset: 0, PartialPath: partialPath})
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return "", &recovery.NetworkError{URL: desc.URL, StatusCode: resp.StatusCode}
	}

	if v := responseValidator(resp); v != "" {
		t.setResume(ResumeInfo{Offset: offset, PartialPath: partialPath, Validator: v})
		writeValidator(partialPath, v)
	}

	f, err := os.OpenFile(partialPath, flags, 0600)
	if err != nil {
		return "", &recovery.FilesystemError{Op: "open", Path: partialPath, Err: err}
	}

	t.setStatus(StatusDownloading)
	err = d.streamBody(ctx, t, resp.Body, f, desc)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &recovery.FilesystemError{Op: "close", Path: partialPath, Err: cerr}
	}
	if err != nil {
		// The partial file stays for future resumption.
		return "", err
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		return "", &recovery.FilesystemError{Op: "rename", Path: partialPath, Err: err}
	}
	os.Remove(validatorPath(partialPath))
	log.G(ctx).WithFields(log.Fields{
		"model": desc.ID(),
		"path":  finalPath,
		"bytes": t.snapshot().BytesTransferred,
	}).Info("artifact downloaded")
	return finalPath, nil
}

// streamBody is the per-artifact transfer loop. Chunks are throttled,
// written to the sink and reflected in progress; the sink-drain wait is
// the single suspension point and is release-safe.
func (d *Downloader) streamBody(ctx context.Context, t *transfer, body io.Reader, file io.Writer, desc model.Descriptor) error {
	sink := file
	if d.wrapSink != nil {
		sink = d.wrapSink(file)
	}
	drain, _ := sink.(DrainWaiter)

	buf := make([]byte, d.bufferSize.Load())
	for {
		if err := t.waitIfPaused(ctx); err != nil {
			return &recovery.NetworkError{URL: desc.URL, Err: err}
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := d.throttle(ctx, n); err != nil {
				return &recovery.NetworkError{URL: desc.URL, Err: err}
			}
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return &recovery.FilesystemError{Op: "write", Path: desc.PartialFileName(), Err: werr}
			}
			speed := t.updateProgress(int64(n), timeNow())
			d.speeds.record(speed)
			if drain != nil {
				if err := drain.WaitDrain(ctx); err != nil {
					return &recovery.NetworkError{URL: desc.URL, Err: err}
				}
			}
			if err := d.memoryPause(ctx); err != nil {
				return &recovery.NetworkError{URL: desc.URL, Err: err}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return &recovery.NetworkError{URL: desc.URL, Err: ctx.Err()}
			}
			return &recovery.NetworkError{URL: desc.URL, Err: rerr}
		}
	}
}

// responseValidator extracts the resume validator for If-Range.
func responseValidator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}

// The resume validator survives process restarts in a sidecar next to
// the partial file, so a cross-process resume still detects a changed
// remote object.

func validatorPath(partialPath string) string {
	return partialPath + ".etag"
}

func readValidator(partialPath string) string {
	data, err := os.ReadFile(validatorPath(partialPath))
	if err != nil {
		return ""
	}
	return string(data)
}

func writeValidator(partialPath, validator string) {
	if err := os.WriteFile(validatorPath(partialPath), []byte(validator), 0600); err != nil {
		log.L.WithError(err).WithField("path", partialPath).Debug("failed to persist resume validator")
	}
}
