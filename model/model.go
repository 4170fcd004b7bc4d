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

// Package model defines the artifact descriptor supplied by a model
// registry and the container formats the pipeline understands.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	"github.com/opencontainers/go-digest"
)

var (
	ErrEmptyName           = errors.New("descriptor has no name")
	ErrEmptyVersion        = errors.New("descriptor has no version")
	ErrInsecureTransport   = errors.New("descriptor URL must use https")
	ErrInvalidChecksum     = errors.New("descriptor checksum is not a valid digest")
	ErrInvalidSize         = errors.New("descriptor size must be positive")
	ErrUnrecognizedFormat  = errors.New("unrecognized container format")
	ErrHeaderTooShort      = errors.New("file too short to contain a format header")
	ErrUnexpectedMagicByte = errors.New("file does not start with the format magic bytes")
)

// Format identifies the container format of a model artifact. The tag is
// used both as the final file extension and to select the magic-byte
// header check during verification.
type Format string

const (
	FormatONNX        Format = "onnx"
	FormatGGUF        Format = "gguf"
	FormatSafetensors Format = "safetensors"
	// FormatBin is an opaque binary payload with no recognized header.
	FormatBin Format = "bin"
)

// headerProbeLen is the number of leading bytes a format check may inspect.
const headerProbeLen = 16

var formatChecks = map[Format]struct {
	minSize int64
	check   func(prefix []byte) bool
}{
	// ONNX models are protobuf messages whose first field (ir_version,
	// field 1, varint) encodes as 0x08.
	FormatONNX: {minSize: 256, check: func(p []byte) bool {
		return len(p) > 0 && p[0] == 0x08
	}},
	FormatGGUF: {minSize: 1024, check: func(p []byte) bool {
		return bytes.HasPrefix(p, []byte("GGUF"))
	}},
	// Safetensors files start with an 8-byte little-endian header length
	// followed by a JSON header.
	FormatSafetensors: {minSize: 16, check: func(p []byte) bool {
		return len(p) > 8 && p[8] == '{'
	}},
	FormatBin: {minSize: 1, check: func(p []byte) bool { return len(p) > 0 }},
}

// Known reports whether f is a format the pipeline recognizes.
func (f Format) Known() bool {
	_, ok := formatChecks[f]
	return ok
}

// MinSize is the minimum plausible byte size for a file of this format.
func (f Format) MinSize() int64 {
	if fc, ok := formatChecks[f]; ok {
		return fc.minSize
	}
	return 1
}

// HeaderProbeLen is the number of leading file bytes needed by CheckHeader.
func (f Format) HeaderProbeLen() int { return headerProbeLen }

// CheckHeader validates the leading bytes of a file against the format's
// magic byte sequence.
func (f Format) CheckHeader(prefix []byte) error {
	fc, ok := formatChecks[f]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnrecognizedFormat, f)
	}
	if int64(len(prefix)) == 0 {
		return ErrHeaderTooShort
	}
	if !fc.check(prefix) {
		return fmt.Errorf("%w (format %q)", ErrUnexpectedMagicByte, f)
	}
	return nil
}

// Descriptor describes a versioned model artifact as supplied by the
// registry. It is an immutable value; the pipeline never mutates it.
type Descriptor struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	URL       string        `json:"url"`
	Checksum  digest.Digest `json:"checksum"`
	Size      int64         `json:"size"`
	Format    Format        `json:"format"`
	Dimension int           `json:"dimension,omitempty"`
}

// ID is the acquisition key for the descriptor, "<name>@<version>".
func (d Descriptor) ID() string {
	return d.Name + "@" + d.Version
}

// FileName is the final on-disk file name, "<name>-<version>.<format>".
func (d Descriptor) FileName() string {
	return fmt.Sprintf("%s-%s.%s", d.Name, d.Version, d.Format)
}

// PartialFileName is the on-disk name of the resumable partial file.
func (d Descriptor) PartialFileName() string {
	return d.FileName() + ".partial"
}

// Validate checks that the descriptor is complete and that its source
// uses an encrypted transport.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return ErrEmptyName
	}
	if d.Version == "" {
		return ErrEmptyVersion
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("descriptor URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w, got %q", ErrInsecureTransport, u.Scheme)
	}
	if err := d.Checksum.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChecksum, err)
	}
	if d.Size <= 0 {
		return ErrInvalidSize
	}
	if !d.Format.Known() {
		return fmt.Errorf("%w: %q", ErrUnrecognizedFormat, d.Format)
	}
	return nil
}
