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

package cache

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

// Eviction policies. Exactly one is active, chosen by configuration.
const (
	PolicyLRU = "lru"
	PolicyTTL = "ttl"
)

// Cleanup runs the configured eviction strategy.
func (m *Manager) Cleanup() error {
	switch m.cfg.EvictionPolicy {
	case PolicyLRU:
		return m.evictLRU()
	case PolicyTTL:
		return m.evictTTL()
	}
	return fmt.Errorf("unknown eviction policy %q", m.cfg.EvictionPolicy)
}

// evictLRU removes entries with the oldest access timestamps until total
// size is within the configured cap.
func (m *Manager) evictLRU() error {
	entries, err := m.Entries()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= m.cfg.MaxSizeBytes {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	for _, e := range entries {
		if total <= m.cfg.MaxSizeBytes {
			break
		}
		if err := m.dropEntry(e); err != nil {
			return err
		}
		total -= e.Size
	}
	return nil
}

// evictTTL removes entries older than the configured TTL.
func (m *Manager) evictTTL() error {
	entries, err := m.Entries()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-time.Duration(m.cfg.TTLHours) * time.Hour)
	for _, e := range entries {
		if e.StoredAt.After(cutoff) {
			continue
		}
		if err := m.dropEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dropEntry(e Entry) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyCache)
		if root == nil {
			return nil
		}
		if root.Bucket([]byte(e.Key)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(e.Key))
	})
	if err != nil {
		return err
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		log.L.WithError(err).WithField("path", e.Path).Warn("failed to remove evicted file")
	}
	log.L.WithFields(log.Fields{
		"model": e.Key,
		"size":  e.Size,
	}).Info("cache entry evicted")
	return nil
}

// totalSize sums the stored sizes of all entries.
func (m *Manager) totalSize() int64 {
	entries, err := m.Entries()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
