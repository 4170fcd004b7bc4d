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

// Package verify validates downloaded model artifacts against their
// descriptors and quarantines files that fail validation. Verification
// never mutates an artifact; it only inspects and, on failure, relocates
// it.
package verify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/model"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
)

// Options skips individual verification checks, and the quarantine of a
// file that fails one.
type Options struct {
	SkipChecksum bool
	SkipSize     bool
	SkipHeader   bool

	// SkipQuarantine leaves an invalid file at its original path. For
	// callers that only want inspection; an invalid file is otherwise
	// quarantined before Verify returns.
	SkipQuarantine bool
}

// Result reports the outcome of verifying a file.
type Result struct {
	Valid bool
	// Errors holds one message per failing check, in check order.
	Errors []string
	// Reason is the quarantine reason for the first failing check, in
	// priority order checksum > size > format.
	Reason         Reason
	ActualChecksum digest.Digest
	ActualSize     int64
	// QuarantinePath is where the file was moved when it failed a
	// check, unless quarantine was skipped or itself failed.
	QuarantinePath string
}

// Verifier validates artifacts and manages the quarantine store.
type Verifier struct {
	q         *quarantineStore
	retention time.Duration
}

// NewVerifier constructs a Verifier whose quarantine store lives in the
// configured directory and whose cleanup honors the configured
// retention.
func NewVerifier(cfg config.QuarantineConfig) (*Verifier, error) {
	q, err := newQuarantineStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		q:         q,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, nil
}

// Verify checks path against the descriptor: checksum recomputation,
// byte-size comparison and container-format header check, unless
// individually skipped. A file failing any check is moved into the
// quarantine directory with a recorded entry before Verify returns,
// unless Options.SkipQuarantine is set. A non-nil error reports an
// inspection failure (I/O), not a failed check; failed checks are
// reported in the Result.
func (v *Verifier) Verify(ctx context.Context, path string, desc model.Descriptor, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for verification: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	res := &Result{ActualSize: fi.Size()}

	if !opts.SkipChecksum {
		actual, err := digest.FromReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		res.ActualChecksum = actual
		if actual != desc.Checksum {
			res.Errors = append(res.Errors, fmt.Sprintf("Checksum mismatch: expected %s, got %s", desc.Checksum, actual))
			if res.Reason == "" {
				res.Reason = ReasonChecksumMismatch
			}
		}
	}

	if !opts.SkipSize {
		if fi.Size() != desc.Size {
			res.Errors = append(res.Errors, fmt.Sprintf("Size mismatch: expected %d bytes, got %d", desc.Size, fi.Size()))
			if res.Reason == "" {
				res.Reason = ReasonSizeMismatch
			}
		}
	}

	if !opts.SkipHeader {
		if err := v.checkHeader(f, fi.Size(), desc.Format); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Corrupted header: %v", err))
			if res.Reason == "" {
				res.Reason = ReasonCorruptedHeader
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	log.G(ctx).WithFields(log.Fields{
		"path":   path,
		"model":  desc.ID(),
		"valid":  res.Valid,
		"errors": len(res.Errors),
	}).Debug("verification finished")

	if !res.Valid && !opts.SkipQuarantine {
		qpath, qerr := v.QuarantineWith(Entry{
			OriginalPath:     path,
			Reason:           res.Reason,
			ExpectedChecksum: desc.Checksum,
			ActualChecksum:   res.ActualChecksum,
			ExpectedSize:     desc.Size,
			ActualSize:       res.ActualSize,
			Detail:           fmt.Sprintf("verification of %s: %v", desc.ID(), res.Errors),
		})
		if qerr != nil {
			log.G(ctx).WithError(qerr).WithField("path", path).Error("failed to quarantine invalid artifact")
		} else {
			res.QuarantinePath = qpath
		}
	}
	return res, nil
}

func (v *Verifier) checkHeader(f *os.File, size int64, format model.Format) error {
	if size < format.MinSize() {
		return fmt.Errorf("file size %d below minimum plausible size %d for format %q", size, format.MinSize(), format)
	}
	prefix := make([]byte, format.HeaderProbeLen())
	n, err := f.ReadAt(prefix, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read header: %w", err)
	}
	return format.CheckHeader(prefix[:n])
}
