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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/model"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.QuarantineConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewVerifier() = %v", err)
	}
	return v
}

// onnxPayload returns bytes that pass the ONNX header check and meet its
// minimum size.
func onnxPayload(size int) []byte {
	payload := make([]byte, size)
	payload[0] = 0x08
	payload[1] = 0x07
	return payload
}

func writeArtifact(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func descFor(content []byte, format model.Format) model.Descriptor {
	return model.Descriptor{
		Name:     "minilm",
		Version:  "1.0.0",
		URL:      "https://models.example.com/minilm.onnx",
		Checksum: digest.FromBytes(content),
		Size:     int64(len(content)),
		Format:   format,
	}
}

func TestVerify(t *testing.T) {
	content := onnxPayload(512)

	testcases := []struct {
		name       string
		content    []byte
		desc       func() model.Descriptor
		opts       Options
		wantValid  bool
		wantReason Reason
		wantErrs   []string
	}{
		{
			name:      "valid artifact",
			content:   content,
			desc:      func() model.Descriptor { return descFor(content, model.FormatONNX) },
			wantValid: true,
		},
		{
			name:    "checksum mismatch",
			content: content,
			desc: func() model.Descriptor {
				d := descFor(content, model.FormatONNX)
				d.Checksum = digest.FromString("different bytes")
				return d
			},
			wantReason: ReasonChecksumMismatch,
			wantErrs:   []string{"Checksum mismatch"},
		},
		{
			name:    "size mismatch",
			content: content,
			desc: func() model.Descriptor {
				d := descFor(content, model.FormatONNX)
				d.Checksum = digest.FromBytes(content)
				d.Size = int64(len(content)) + 10
				return d
			},
			wantReason: ReasonSizeMismatch,
			wantErrs:   []string{"Size mismatch"},
		},
		{
			name:    "corrupted header",
			content: append([]byte{0xff}, content[1:]...),
			desc: func() model.Descriptor {
				bad := append([]byte{0xff}, content[1:]...)
				return descFor(bad, model.FormatONNX)
			},
			wantReason: ReasonCorruptedHeader,
			wantErrs:   []string{"Corrupted header"},
		},
		{
			name:    "below minimum plausible size",
			content: onnxPayload(16),
			desc: func() model.Descriptor {
				return descFor(onnxPayload(16), model.FormatONNX)
			},
			wantReason: ReasonCorruptedHeader,
			wantErrs:   []string{"Corrupted header"},
		},
		{
			name:    "checksum takes reason priority over size and header",
			content: []byte("garbage that is not onnx"),
			desc: func() model.Descriptor {
				d := descFor([]byte("other"), model.FormatONNX)
				d.Size = 999
				return d
			},
			wantReason: ReasonChecksumMismatch,
			wantErrs:   []string{"Checksum mismatch", "Size mismatch", "Corrupted header"},
		},
		{
			name:    "skip checksum",
			content: content,
			desc: func() model.Descriptor {
				d := descFor(content, model.FormatONNX)
				d.Checksum = digest.FromString("different bytes")
				return d
			},
			opts:      Options{SkipChecksum: true},
			wantValid: true,
		},
		{
			name:    "skip header",
			content: append([]byte{0xff}, content[1:]...),
			desc: func() model.Descriptor {
				bad := append([]byte{0xff}, content[1:]...)
				return descFor(bad, model.FormatONNX)
			},
			opts:      Options{SkipHeader: true},
			wantValid: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(t)
			path := writeArtifact(t, "artifact.onnx", tc.content)

			res, err := v.Verify(context.Background(), path, tc.desc(), tc.opts)
			if err != nil {
				t.Fatalf("Verify() = %v", err)
			}
			if res.Valid != tc.wantValid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", res.Valid, tc.wantValid, res.Errors)
			}
			if res.Reason != tc.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tc.wantReason)
			}
			if len(res.Errors) != len(tc.wantErrs) {
				t.Fatalf("Errors = %v, want %d entries with prefixes %v", res.Errors, len(tc.wantErrs), tc.wantErrs)
			}
			for i, prefix := range tc.wantErrs {
				if !strings.HasPrefix(res.Errors[i], prefix) {
					t.Errorf("Errors[%d] = %q, want prefix %q", i, res.Errors[i], prefix)
				}
			}
		})
	}
}

func TestVerifyReportsActuals(t *testing.T) {
	v := newTestVerifier(t)
	content := onnxPayload(300)
	path := writeArtifact(t, "m.onnx", content)

	desc := descFor(content, model.FormatONNX)
	desc.Checksum = digest.FromString("expected something else")

	res, err := v.Verify(context.Background(), path, desc, Options{})
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if res.ActualChecksum != digest.FromBytes(content) {
		t.Errorf("ActualChecksum = %s, want %s", res.ActualChecksum, digest.FromBytes(content))
	}
	if res.ActualSize != int64(len(content)) {
		t.Errorf("ActualSize = %d, want %d", res.ActualSize, len(content))
	}
}

// Verification of the same file must produce the same result every
// time. Quarantine is skipped so the file stays in place across runs.
func TestVerifyDeterministic(t *testing.T) {
	v := newTestVerifier(t)
	content := onnxPayload(400)
	path := writeArtifact(t, "m.onnx", content)
	desc := descFor(content, model.FormatONNX)
	desc.Checksum = digest.FromString("wrong")

	opts := Options{SkipQuarantine: true}
	first, err := v.Verify(context.Background(), path, desc, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		res, err := v.Verify(context.Background(), path, desc, opts)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, res); diff != "" {
			t.Fatalf("verification result changed between runs (-first +now):\n%s", diff)
		}
	}
}

// A file failing a check is quarantined by Verify itself: the invalid
// file leaves its original path and gains an index entry.
func TestVerifyQuarantinesInvalidFile(t *testing.T) {
	v := newTestVerifier(t)
	content := onnxPayload(512)
	path := writeArtifact(t, "m.onnx", content)

	desc := descFor(content, model.FormatONNX)
	desc.Checksum = digest.FromString("some other artifact")

	res, err := v.Verify(context.Background(), path, desc, Options{})
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if res.Valid {
		t.Fatal("Valid = true for a checksum mismatch")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid file still at original path: %v", err)
	}
	if res.QuarantinePath == "" {
		t.Fatal("QuarantinePath not set")
	}
	if filepath.Dir(res.QuarantinePath) != v.q.dir {
		t.Errorf("quarantined file at %s, want it inside %s", res.QuarantinePath, v.q.dir)
	}
	moved, err := os.ReadFile(res.QuarantinePath)
	if err != nil {
		t.Fatalf("quarantined file unreadable: %v", err)
	}
	if !bytes.Equal(moved, content) {
		t.Error("quarantined file content differs from the original")
	}

	entries, err := v.ListQuarantined()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d quarantine entries after failing verification, want 1", len(entries))
	}
	e := entries[0]
	if e.Reason != ReasonChecksumMismatch || e.OriginalPath != path {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.ExpectedChecksum != desc.Checksum || e.ActualChecksum != digest.FromBytes(content) {
		t.Errorf("checksums not recorded: %+v", e)
	}
	if e.ExpectedSize != desc.Size || e.ActualSize != int64(len(content)) {
		t.Errorf("sizes not recorded: %+v", e)
	}
}

func TestVerifySkipQuarantineLeavesFile(t *testing.T) {
	v := newTestVerifier(t)
	content := onnxPayload(512)
	path := writeArtifact(t, "m.onnx", content)

	desc := descFor(content, model.FormatONNX)
	desc.Checksum = digest.FromString("mismatch")

	res, err := v.Verify(context.Background(), path, desc, Options{SkipQuarantine: true})
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if res.Valid {
		t.Fatal("Valid = true for a checksum mismatch")
	}
	if res.QuarantinePath != "" {
		t.Errorf("QuarantinePath = %q with quarantine skipped", res.QuarantinePath)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file missing after inspection-only verification: %v", err)
	}
	if entries, _ := v.ListQuarantined(); len(entries) != 0 {
		t.Errorf("%d entries recorded with quarantine skipped", len(entries))
	}
}

func TestVerifyMissingFile(t *testing.T) {
	v := newTestVerifier(t)
	desc := descFor([]byte("x"), model.FormatBin)
	if _, err := v.Verify(context.Background(), filepath.Join(t.TempDir(), "nope"), desc, Options{}); err == nil {
		t.Fatal("expected an inspection error for a missing file")
	}
}

// Verification must never mutate the artifact it inspects.
func TestVerifyDoesNotMutate(t *testing.T) {
	v := newTestVerifier(t)
	content := onnxPayload(256)
	path := writeArtifact(t, "m.onnx", content)
	desc := descFor(content, model.FormatONNX)

	if _, err := v.Verify(context.Background(), path, desc, Options{}); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, after) {
		t.Fatal("artifact bytes changed during verification")
	}
}
