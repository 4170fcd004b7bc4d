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

package recovery

import (
	"fmt"
	"strings"
)

// Category classifies a pipeline failure.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryDiskSpace     Category = "disk_space"
	CategoryFilesystem    Category = "filesystem"
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategorySecurity      Category = "security"
	CategoryUnknown       Category = "unknown"
)

// Severity grades a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is the recovery approach selected for a failure.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyManual   Strategy = "manual"
	StrategyAbort    Strategy = "abort"
)

// strategyFor is the fixed category-to-strategy mapping.
var strategyFor = map[Category]Strategy{
	CategoryNetwork:       StrategyRetry,
	CategoryDiskSpace:     StrategyManual,
	CategoryFilesystem:    StrategyRetry,
	CategoryValidation:    StrategyFallback,
	CategoryConfiguration: StrategyManual,
	CategorySecurity:      StrategyAbort,
	CategoryUnknown:       StrategyRetry,
}

// Stages raise the tagged error variants below so that categorization
// does not depend on message sniffing. Keyword heuristics remain only as
// a fallback for errors from uncontrolled external calls.

// NetworkError is a transport failure raised by the download
// orchestrator or the connectivity prober.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error for %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FilesystemError is a local file operation failure.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// ValidationError is raised by the integrity verifier when a downloaded
// file fails its checks.
type ValidationError struct {
	Path    string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Path, strings.Join(e.Reasons, "; "))
}

// DiskSpaceError indicates insufficient space for an operation.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %d bytes, %d available", e.Path, e.Required, e.Available)
}

// ConfigurationError indicates an invalid descriptor or configuration value.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SecurityError indicates a security-sensitive failure. It is never
// auto-retried or downgraded.
type SecurityError struct {
	Detail string
	Err    error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error: %s", e.Detail)
}

func (e *SecurityError) Unwrap() error { return e.Err }
