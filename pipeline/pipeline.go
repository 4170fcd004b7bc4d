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

// Package pipeline sequences the model acquisition pipeline: cache check,
// download, verification and storage, with error recovery wrapping every
// stage. It is the contract surface consumed by external collaborators.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/astkit/modelkit/cache"
	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/download"
	internalhttp "github.com/astkit/modelkit/internal/http"
	"github.com/astkit/modelkit/metrics"
	"github.com/astkit/modelkit/model"
	"github.com/astkit/modelkit/recovery"
	"github.com/astkit/modelkit/verify"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

// maxRecoveryDepth bounds recursive fallback acquisition.
const maxRecoveryDepth = 2

// Error couples an original failure with its classification so a caller
// can decide programmatically whether to retry, substitute or stop.
type Error struct {
	Record recovery.Record
	Advice string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (category %s, severity %s): %s", e.Record.Message, e.Record.Category, e.Record.Severity, e.Advice)
}

func (e *Error) Unwrap() error { return e.Err }

// Pipeline wires the download orchestrator, integrity verifier, cache
// manager and recovery coordinator together. Components are constructed
// explicitly; there is no shared global instance.
type Pipeline struct {
	cfg        *config.Config
	downloader *download.Downloader
	verifier   *verify.Verifier
	cache      *cache.Manager
	recovery   *recovery.Coordinator
}

// New constructs a Pipeline from configuration.
func New(cfg *config.Config) (*Pipeline, error) {
	return NewWithClients(cfg,
		internalhttp.NewStreamingClient(cfg.RetryableHTTPClientConfig),
		internalhttp.NewRetryableClient(cfg.RetryableHTTPClientConfig))
}

// NewWithClients constructs a Pipeline with explicit HTTP clients:
// streaming carries artifact transfers and must not have a whole-request
// timeout, probe serves short connectivity probes.
func NewWithClients(cfg *config.Config, streaming, probe *http.Client) (*Pipeline, error) {
	cacheMgr, err := cache.NewManager(cfg.CacheConfig)
	if err != nil {
		return nil, err
	}
	verifier, err := verify.NewVerifier(cfg.QuarantineConfig)
	if err != nil {
		cacheMgr.Close()
		return nil, err
	}
	coord := recovery.NewCoordinator(cfg.RecoveryConfig, probe)
	coord.SetLocalChecker(cacheMgr)

	if !cfg.NoPrometheus {
		metrics.Register()
	}

	return &Pipeline{
		cfg:        cfg,
		downloader: download.NewDownloader(cfg.DownloadConfig, streaming),
		verifier:   verifier,
		cache:      cacheMgr,
		recovery:   coord,
	}, nil
}

// Close releases the cache index and directory lock.
func (p *Pipeline) Close() error {
	return p.cache.Close()
}

// Acquire returns a local path for the descriptor, downloading and
// verifying it on a cache miss. Concurrent acquisitions of the same
// descriptor are coalesced into a single transfer; late callers share
// the first transfer's result.
func (p *Pipeline) Acquire(ctx context.Context, desc model.Descriptor) (string, error) {
	start := time.Now()
	defer metrics.MeasureLatencyInMilliseconds(metrics.OperationAcquire, desc.ID(), start)
	metrics.IncOperationCount(metrics.OperationAcquire, desc.ID())

	return p.cache.Coalesce(desc.ID(), func() (string, error) {
		return p.acquire(ctx, desc, 0)
	})
}

// AcquireAll acquires the descriptors, bounded by the configured
// download concurrency, and returns paths in descriptor order.
func (p *Pipeline) AcquireAll(ctx context.Context, descs []model.Descriptor) ([]string, error) {
	paths := make([]string, len(descs))
	eg, egCtx := errgroup.WithContext(ctx)
	if limit := int(p.cfg.MaxConcurrency); limit > 0 {
		eg.SetLimit(limit)
	}
	for i := range descs {
		i := i
		eg.Go(func() error {
			path, err := p.Acquire(egCtx, descs[i])
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (p *Pipeline) acquire(ctx context.Context, desc model.Descriptor, depth int) (string, error) {
	if path, ok := p.cachedPath(ctx, desc); ok {
		return path, nil
	}
	metrics.IncCacheMiss()

	if info := p.recovery.ValidateDiskSpace(p.cache.Dir(), desc.Size); !info.Sufficient {
		err := &recovery.DiskSpaceError{Path: p.cache.Dir(), Required: desc.Size, Available: info.AvailableBytes}
		return p.handleFailure(ctx, desc, err, depth)
	}

	path, err := p.downloadVerifyStore(ctx, desc)
	if err != nil {
		return p.handleFailure(ctx, desc, err, depth)
	}
	return path, nil
}

// cachedPath returns a verified cached file for the descriptor, if any.
func (p *Pipeline) cachedPath(ctx context.Context, desc model.Descriptor) (string, bool) {
	entry, hit, err := p.cache.CheckCache(desc)
	if err != nil {
		log.G(ctx).WithError(err).WithField("model", desc.ID()).Warn("cache lookup failed, treating as miss")
		return "", false
	}
	if !hit {
		return "", false
	}
	if p.cfg.VerifyOnHit {
		res, verr := p.verifier.Verify(ctx, entry.Path, desc, verify.Options{})
		if verr != nil || !res.Valid {
			log.G(ctx).WithField("model", desc.ID()).Warn("cached file failed re-verification, discarding entry")
			if res != nil && res.QuarantinePath != "" {
				metrics.IncQuarantine()
			}
			if rerr := p.cache.RemoveModel(desc.Name, desc.Version); rerr != nil {
				log.G(ctx).WithError(rerr).WithField("model", desc.ID()).Warn("failed to drop invalid cache entry")
			}
			return "", false
		}
	}
	metrics.IncCacheHit()
	return entry.Path, true
}

// downloadVerifyStore runs the strictly sequential miss path for a
// single descriptor: download, verify, store.
func (p *Pipeline) downloadVerifyStore(ctx context.Context, desc model.Descriptor) (string, error) {
	dlStart := time.Now()
	path, err := p.downloader.Acquire(ctx, desc, p.cache.Dir())
	if err != nil {
		return "", err
	}
	metrics.MeasureLatencyInMilliseconds(metrics.OperationDownload, desc.ID(), dlStart)
	metrics.AddBytesFetched(desc.ID(), desc.Size)

	vStart := time.Now()
	res, err := p.verifier.Verify(ctx, path, desc, verify.Options{})
	if err != nil {
		return "", &recovery.FilesystemError{Op: "verify", Path: path, Err: err}
	}
	metrics.MeasureLatencyInMilliseconds(metrics.OperationVerify, desc.ID(), vStart)
	if !res.Valid {
		if res.QuarantinePath != "" {
			metrics.IncQuarantine()
		}
		return "", &recovery.ValidationError{Path: path, Reasons: res.Errors}
	}

	if err := p.cache.StoreModel(desc, path); err != nil {
		return "", &recovery.FilesystemError{Op: "store", Path: path, Err: err}
	}
	metrics.IncOperationCount(metrics.OperationStore, desc.ID())
	return path, nil
}

// handleFailure classifies err and executes the selected recovery
// strategy: retry re-invokes the miss path and reports its actual
// outcome, fallback acquires the selected alternative, manual and abort
// surface a classified Error.
func (p *Pipeline) handleFailure(ctx context.Context, desc model.Descriptor, err error, depth int) (string, error) {
	rec := p.recovery.Categorize(err, "acquire "+desc.ID())
	if depth >= maxRecoveryDepth {
		return "", &Error{Record: rec, Advice: "recovery depth exhausted", Err: err}
	}

	var retryPath string
	res := p.recovery.AttemptRecovery(ctx, rec, recovery.RecoveryContext{
		Name: desc.Name,
		Operation: func(ctx context.Context) error {
			path, oerr := p.downloadVerifyStore(ctx, desc)
			if oerr == nil {
				retryPath = path
			}
			return oerr
		},
	})
	switch {
	case res.Succeeded && res.Strategy == recovery.StrategyRetry:
		return retryPath, nil
	case res.Succeeded && res.Fallback != nil:
		log.G(ctx).WithFields(log.Fields{
			"primary":  desc.ID(),
			"fallback": res.Fallback.ID(),
		}).Info("acquiring fallback artifact")
		return p.acquire(ctx, *res.Fallback, depth+1)
	}
	return "", &Error{Record: rec, Advice: res.Message, Err: err}
}

// CheckCache reports whether the descriptor is cached and, on a hit, the
// local path.
func (p *Pipeline) CheckCache(desc model.Descriptor) (string, bool, error) {
	entry, hit, err := p.cache.CheckCache(desc)
	if err != nil || !hit {
		return "", false, err
	}
	return entry.Path, true, nil
}

// Stats returns cache statistics.
func (p *Pipeline) Stats() cache.Stats {
	return p.cache.Stats()
}

// ErrorStatistics summarizes the recovery coordinator's bounded error
// history.
func (p *Pipeline) ErrorStatistics() recovery.Statistics {
	return p.recovery.Statistics()
}

// RegisterFallback registers alternatives for the named primary artifact.
func (p *Pipeline) RegisterFallback(name string, reg recovery.Registration) {
	p.recovery.RegisterFallback(name, reg)
}

// ActiveTransfers is the pollable progress surface for in-flight
// downloads.
func (p *Pipeline) ActiveTransfers() []download.TransferState {
	return p.downloader.ActiveTransfers()
}

// Downloader exposes transfer control (pause, resume, cancel) and
// configuration re-tuning.
func (p *Pipeline) Downloader() *download.Downloader { return p.downloader }

// Verifier exposes quarantine management.
func (p *Pipeline) Verifier() *verify.Verifier { return p.verifier }

// Cache exposes cache management (removal, eviction, entries).
func (p *Pipeline) Cache() *cache.Manager { return p.cache }
