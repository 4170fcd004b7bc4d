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

package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/rs/xid"
)

// Reason is why a file was quarantined.
type Reason string

const (
	ReasonChecksumMismatch Reason = "CHECKSUM_MISMATCH"
	ReasonSizeMismatch     Reason = "SIZE_MISMATCH"
	ReasonCorruptedHeader  Reason = "CORRUPTED_HEADER"
	ReasonUnknown          Reason = "UNKNOWN"
)

// Entry records a quarantined file. Entries persist in the sidecar index
// until explicit cleanup or restoration.
type Entry struct {
	Path             string        `json:"path"`
	OriginalPath     string        `json:"original_path"`
	Reason           Reason        `json:"reason"`
	Timestamp        time.Time     `json:"timestamp"`
	ExpectedChecksum digest.Digest `json:"expected_checksum,omitempty"`
	ActualChecksum   digest.Digest `json:"actual_checksum,omitempty"`
	ExpectedSize     int64         `json:"expected_size,omitempty"`
	ActualSize       int64         `json:"actual_size,omitempty"`
	Detail           string        `json:"detail,omitempty"`
}

var ErrEntryNotFound = errors.New("quarantine entry not found")

const indexFileName = "quarantine.json"

// quarantineStore owns the quarantine directory and its sidecar JSON
// index. All mutations happen under the mutex.
type quarantineStore struct {
	dir string

	mu      sync.Mutex
	entries []Entry
}

func newQuarantineStore(dir string) (*quarantineStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory %s: %w", dir, err)
	}
	q := &quarantineStore{dir: dir}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *quarantineStore) indexPath() string {
	return filepath.Join(q.dir, indexFileName)
}

func (q *quarantineStore) load() error {
	data, err := os.ReadFile(q.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read quarantine index: %w", err)
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		return fmt.Errorf("failed to parse quarantine index: %w", err)
	}
	return nil
}

// save writes the index atomically (write to temp, rename).
func (q *quarantineStore) save() error {
	data, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write quarantine index: %w", err)
	}
	return os.Rename(tmp, q.indexPath())
}

// Quarantine moves the file at path into the quarantine directory under
// a generated unique name and records an Entry for it. The entry's
// expected/actual fields are the caller's to fill via the returned
// pointer before the call returns; use QuarantineWith for that.
func (v *Verifier) Quarantine(path string, reason Reason, detail string) (string, error) {
	return v.QuarantineWith(Entry{OriginalPath: path, Reason: reason, Detail: detail})
}

// QuarantineWith is Quarantine with a fully populated entry (expected vs
// actual checksum and size). The entry's Path and Timestamp are set here.
func (v *Verifier) QuarantineWith(entry Entry) (string, error) {
	q := v.q
	if entry.Reason == "" {
		entry.Reason = ReasonUnknown
	}

	qname := fmt.Sprintf("%s-%s", xid.New().String(), filepath.Base(entry.OriginalPath))
	qpath := filepath.Join(q.dir, qname)
	if err := moveFile(entry.OriginalPath, qpath); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", entry.OriginalPath, err)
	}

	entry.Path = qpath
	entry.Timestamp = time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	if err := q.save(); err != nil {
		// Without a durable index record the file would be orphaned in
		// quarantine; move it back so the caller's path stays valid.
		q.entries = q.entries[:len(q.entries)-1]
		if rerr := moveFile(qpath, entry.OriginalPath); rerr != nil {
			log.L.WithError(rerr).WithField("path", qpath).Error("quarantined file orphaned after index write failure")
		}
		return "", err
	}
	log.L.WithFields(log.Fields{
		"path":   entry.OriginalPath,
		"reason": entry.Reason,
	}).Warn("artifact quarantined")
	return qpath, nil
}

// ListQuarantined returns a copy of all quarantine entries.
func (v *Verifier) ListQuarantined() ([]Entry, error) {
	q := v.q
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out, nil
}

// Restore copies the quarantined file at quarantinePath back to
// targetPath, then removes the quarantine record and file.
func (v *Verifier) Restore(quarantinePath, targetPath string) error {
	q := v.q
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.entries {
		if e.Path == quarantinePath {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, quarantinePath)
	}

	if err := copyFile(quarantinePath, targetPath); err != nil {
		return fmt.Errorf("failed to restore %s: %w", quarantinePath, err)
	}
	if err := os.Remove(quarantinePath); err != nil {
		return fmt.Errorf("failed to remove quarantined file: %w", err)
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return q.save()
}

// Cleanup removes quarantine entries (and their files) older than maxAge
// and returns the count removed. A non-positive maxAge falls back to the
// configured retention.
func (v *Verifier) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = v.retention
	}
	q := v.q
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var kept []Entry
	removed := 0
	for _, e := range q.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			log.L.WithError(err).WithField("path", e.Path).Warn("failed to remove expired quarantine file")
			kept = append(kept, e)
			continue
		}
		removed++
	}
	q.entries = kept
	if err := q.save(); err != nil {
		return removed, err
	}
	return removed, nil
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
