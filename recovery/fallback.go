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
	"context"

	"github.com/astkit/modelkit/model"
	"github.com/containerd/log"
)

// Criteria constrains fallback selection.
type Criteria struct {
	// MaxSize is a size ceiling in bytes. Zero means no ceiling.
	MaxSize int64

	// MinDimension is the minimum embedding dimension. Zero means no
	// minimum.
	MinDimension int

	// PreferredFormat, when set, restricts alternatives to that
	// container format.
	PreferredFormat model.Format

	// OfflineUsable requires the alternative to be usable without
	// network access, i.e. already present locally.
	OfflineUsable bool
}

// Registration maps a primary artifact to its ordered alternatives.
// Registered explicitly by the caller before acquisition.
type Registration struct {
	Alternatives []model.Descriptor
	Criteria     Criteria
}

// LocalChecker reports whether a descriptor is already available locally
// without network access. The cache manager satisfies this.
type LocalChecker interface {
	HasLocal(desc model.Descriptor) bool
}

// SetLocalChecker wires the local-availability check used for the
// OfflineUsable criterion and for offline connectivity states.
func (c *Coordinator) SetLocalChecker(lc LocalChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = lc
}

// RegisterFallback registers alternatives for the named primary
// artifact, replacing any prior registration.
func (c *Coordinator) RegisterFallback(name string, reg Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[name] = reg
}

// SelectFallback returns the first registered alternative for name that
// satisfies the registration criteria and the current connectivity and
// disk state, or nil if none qualify. Alternatives are considered in
// registration order (priority order).
func (c *Coordinator) SelectFallback(ctx context.Context, name string, rec Record) *model.Descriptor {
	c.mu.Lock()
	reg, ok := c.fallbacks[name]
	local := c.local
	c.mu.Unlock()
	if !ok {
		return nil
	}

	conn := c.ValidateConnectivity(ctx, nil)
	for i := range reg.Alternatives {
		alt := reg.Alternatives[i]
		if !c.satisfies(alt, reg.Criteria, conn, local) {
			continue
		}
		log.G(ctx).WithFields(log.Fields{
			"primary":  name,
			"fallback": alt.ID(),
			"code":     rec.Code,
		}).Info("selected fallback artifact")
		return &alt
	}
	return nil
}

func (c *Coordinator) satisfies(alt model.Descriptor, crit Criteria, conn ConnectivityInfo, local LocalChecker) bool {
	if crit.MaxSize > 0 && alt.Size > crit.MaxSize {
		return false
	}
	if crit.MinDimension > 0 && alt.Dimension < crit.MinDimension {
		return false
	}
	if crit.PreferredFormat != "" && alt.Format != crit.PreferredFormat {
		return false
	}
	needLocal := crit.OfflineUsable || conn.Status == StatusOffline
	if needLocal {
		if local == nil || !local.HasLocal(alt) {
			return false
		}
	}
	if !needLocal {
		// A remote alternative must fit on disk.
		if info := c.ValidateDiskSpace(c.cfg.DiskCheckDir, alt.Size); !info.Sufficient {
			return false
		}
	}
	return true
}
