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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astkit/modelkit/config"
	"github.com/opencontainers/go-digest"
)

func TestQuarantineMovesFileAndRecordsEntry(t *testing.T) {
	qdir := t.TempDir()
	v, err := NewVerifier(config.QuarantineConfig{Dir: qdir})
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("corrupted model bytes")
	src := writeArtifact(t, "bad.onnx", content)

	qpath, err := v.Quarantine(src, ReasonChecksumMismatch, "test corruption")
	if err != nil {
		t.Fatalf("Quarantine() = %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("original file still present after quarantine: %v", err)
	}
	moved, err := os.ReadFile(qpath)
	if err != nil {
		t.Fatalf("quarantined file unreadable: %v", err)
	}
	if !bytes.Equal(moved, content) {
		t.Error("quarantined file content differs from original")
	}
	if filepath.Dir(qpath) != qdir {
		t.Errorf("quarantined file at %s, want it inside %s", qpath, qdir)
	}

	entries, err := v.ListQuarantined()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListQuarantined() returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Path != qpath || e.OriginalPath != src || e.Reason != ReasonChecksumMismatch {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("entry timestamp not set")
	}
}

func TestQuarantineWithPopulatedEntry(t *testing.T) {
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	src := writeArtifact(t, "bad.gguf", []byte("not gguf"))

	expected := digest.FromString("expected")
	actual := digest.FromString("actual")
	if _, err := v.QuarantineWith(Entry{
		OriginalPath:     src,
		Reason:           ReasonChecksumMismatch,
		ExpectedChecksum: expected,
		ActualChecksum:   actual,
		ExpectedSize:     1024,
		ActualSize:       8,
	}); err != nil {
		t.Fatal(err)
	}

	entries, _ := v.ListQuarantined()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ExpectedChecksum != expected || e.ActualChecksum != actual {
		t.Errorf("checksums not preserved: %+v", e)
	}
	if e.ExpectedSize != 1024 || e.ActualSize != 8 {
		t.Errorf("sizes not preserved: %+v", e)
	}
}

func TestQuarantineDefaultsUnknownReason(t *testing.T) {
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	src := writeArtifact(t, "odd.bin", []byte("x"))
	if _, err := v.QuarantineWith(Entry{OriginalPath: src}); err != nil {
		t.Fatal(err)
	}
	entries, _ := v.ListQuarantined()
	if entries[0].Reason != ReasonUnknown {
		t.Errorf("Reason = %q, want %q", entries[0].Reason, ReasonUnknown)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("bytes to bring back")
	src := writeArtifact(t, "m.bin", content)

	qpath, err := v.Quarantine(src, ReasonSizeMismatch, "")
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "restored.bin")
	if err := v.Restore(qpath, target); err != nil {
		t.Fatalf("Restore() = %v", err)
	}

	restored, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, content) {
		t.Error("restored file differs from the quarantined original")
	}
	if _, err := os.Stat(qpath); !os.IsNotExist(err) {
		t.Error("quarantined file still present after restore")
	}
	entries, _ := v.ListQuarantined()
	if len(entries) != 0 {
		t.Errorf("quarantine still holds %d entries after restore", len(entries))
	}
}

func TestRestoreUnknownEntry(t *testing.T) {
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	err = v.Restore(filepath.Join(t.TempDir(), "ghost"), filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatal("expected ErrEntryNotFound")
	}
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	qdir := t.TempDir()
	v, err := NewVerifier(config.QuarantineConfig{Dir: qdir})
	if err != nil {
		t.Fatal(err)
	}

	oldSrc := writeArtifact(t, "old.bin", []byte("old"))
	newSrc := writeArtifact(t, "new.bin", []byte("new"))
	if _, err := v.Quarantine(oldSrc, ReasonUnknown, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Quarantine(newSrc, ReasonUnknown, ""); err != nil {
		t.Fatal(err)
	}

	// Age the first entry past the cutoff.
	v.q.mu.Lock()
	v.q.entries[0].Timestamp = time.Now().Add(-48 * time.Hour)
	v.q.mu.Unlock()

	removed, err := v.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Cleanup() removed %d, want 1", removed)
	}
	entries, _ := v.ListQuarantined()
	if len(entries) != 1 {
		t.Fatalf("%d entries remain, want 1", len(entries))
	}
	if filepath.Base(entries[0].OriginalPath) != "new.bin" {
		t.Errorf("wrong entry survived: %+v", entries[0])
	}
}

// Cleanup with a non-positive age applies the configured retention.
func TestCleanupDefaultsToConfiguredRetention(t *testing.T) {
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir(), RetentionDays: 1})
	if err != nil {
		t.Fatal(err)
	}

	expiredSrc := writeArtifact(t, "expired.bin", []byte("expired"))
	freshSrc := writeArtifact(t, "fresh.bin", []byte("fresh"))
	if _, err := v.Quarantine(expiredSrc, ReasonUnknown, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Quarantine(freshSrc, ReasonUnknown, ""); err != nil {
		t.Fatal(err)
	}

	// Age the first entry past the one-day retention.
	v.q.mu.Lock()
	v.q.entries[0].Timestamp = time.Now().Add(-48 * time.Hour)
	v.q.mu.Unlock()

	removed, err := v.Cleanup(0)
	if err != nil {
		t.Fatalf("Cleanup() = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Cleanup() removed %d, want 1", removed)
	}
	entries, _ := v.ListQuarantined()
	if len(entries) != 1 || filepath.Base(entries[0].OriginalPath) != "fresh.bin" {
		t.Fatalf("surviving entries = %+v, want only fresh.bin", entries)
	}
}

// A failed index write must not leave the file stranded in quarantine
// with no record of it.
func TestQuarantineRestoresFileOnIndexWriteFailure(t *testing.T) {
	qdir := t.TempDir()
	v, err := NewVerifier(config.QuarantineConfig{Dir: qdir})
	if err != nil {
		t.Fatal(err)
	}
	// A directory where save stages the index makes the write fail.
	if err := os.Mkdir(filepath.Join(qdir, indexFileName+".tmp"), 0700); err != nil {
		t.Fatal(err)
	}

	content := []byte("bytes that must not vanish")
	src := writeArtifact(t, "m.bin", content)

	if _, err := v.Quarantine(src, ReasonChecksumMismatch, ""); err == nil {
		t.Fatal("expected Quarantine to fail when the index cannot be written")
	}
	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("original file not restored: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("restored file differs from the original")
	}
	entries, _ := v.ListQuarantined()
	if len(entries) != 0 {
		t.Errorf("%d entries recorded despite the failed index write", len(entries))
	}
}

// The index survives process restarts; a new Verifier over the same
// directory sees prior entries.
func TestQuarantineIndexPersists(t *testing.T) {
	qdir := t.TempDir()
	v, err := NewVerifier(config.QuarantineConfig{Dir: qdir})
	if err != nil {
		t.Fatal(err)
	}
	src := writeArtifact(t, "m.bin", []byte("payload"))
	if _, err := v.Quarantine(src, ReasonCorruptedHeader, ""); err != nil {
		t.Fatal(err)
	}

	v2, err := NewVerifier(config.QuarantineConfig{Dir: qdir})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := v2.ListQuarantined()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != ReasonCorruptedHeader {
		t.Fatalf("reloaded index = %+v, want the one quarantined entry", entries)
	}
}
