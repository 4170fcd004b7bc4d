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
	"github.com/containerd/log"
)

// conservativeAvailableBytes is assumed when filesystem statistics are
// unavailable, so callers still get a usable (degraded) answer.
const conservativeAvailableBytes = 1 << 30

// DiskSpaceInfo is the result of validating free space for a path.
type DiskSpaceInfo struct {
	Path           string `json:"path"`
	AvailableBytes int64  `json:"available_bytes"`
	TotalBytes     int64  `json:"total_bytes"`
	RequiredBytes  int64  `json:"required_bytes"`
	Sufficient     bool   `json:"sufficient"`
	// Degraded is set when filesystem statistics were unavailable and
	// a conservative estimate was used instead.
	Degraded bool `json:"degraded"`
}

// ValidateDiskSpace reads filesystem statistics for path and reports
// whether available space meets requiredBytes. If statistics are
// unavailable it falls back to a conservative estimate and logs a
// degraded-accuracy warning.
func (c *Coordinator) ValidateDiskSpace(path string, requiredBytes int64) DiskSpaceInfo {
	info := DiskSpaceInfo{Path: path, RequiredBytes: requiredBytes}
	avail, total, err := fsStat(path)
	if err != nil {
		log.L.WithError(err).WithField("path", path).Warn("filesystem statistics unavailable, using conservative disk space estimate")
		info.Degraded = true
		info.AvailableBytes = conservativeAvailableBytes
	} else {
		info.AvailableBytes = avail
		info.TotalBytes = total
	}
	info.Sufficient = info.AvailableBytes >= requiredBytes
	return info
}
