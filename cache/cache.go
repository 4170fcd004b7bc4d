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

// Package cache maps artifact descriptors to verified local files. The
// index is a bolt database in the cache directory; the Manager is the
// single writer of cache metadata and the source of truth for in-flight
// acquisitions.
//
// Index schema:
//
//   - modelkit_cache
//     - <name>@<version>: bucket per cached model
//       - path: <string>        : absolute path of the cached file
//       - size: <int64>         : stored size in bytes
//       - checksum: <string>    : verified digest
//       - format: <string>      : container format tag
//       - stored_at: <int64>    : unix nanoseconds
//       - last_access: <int64>  : unix nanoseconds
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/model"
	"github.com/containerd/log"
	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"
)

const (
	indexDbName  = "cache.db"
	lockFileName = "cache.lock"
)

var (
	bucketKeyCache      = []byte("modelkit_cache")
	bucketKeyPath       = []byte("path")
	bucketKeySize       = []byte("size")
	bucketKeyChecksum   = []byte("checksum")
	bucketKeyFormat     = []byte("format")
	bucketKeyStoredAt   = []byte("stored_at")
	bucketKeyLastAccess = []byte("last_access")

	ErrModelNotCached = errors.New("model not cached")
	ErrCacheLocked    = errors.New("cache directory is locked by another process")
)

// Entry is the metadata recorded for a cached model.
type Entry struct {
	Key        string        `json:"key"`
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Checksum   digest.Digest `json:"checksum"`
	Format     model.Format  `json:"format"`
	StoredAt   time.Time     `json:"stored_at"`
	LastAccess time.Time     `json:"last_access"`
}

// Stats summarizes cache contents and effectiveness.
type Stats struct {
	TotalModels int     `json:"total_models"`
	TotalSize   int64   `json:"total_size"`
	HitRate     float64 `json:"hit_rate"`
}

// Manager owns the cache directory, its bolt index and the in-flight
// acquisition tracking. Safe for concurrent use.
type Manager struct {
	dir string
	cfg config.CacheConfig
	db  *bolt.DB

	// dirLock guards the cache directory against concurrent processes.
	dirLock *flock.Flock

	// group coalesces concurrent acquisitions of the same descriptor.
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewManager opens (creating if needed) the cache directory and its
// index, taking an exclusive cross-process lock on the directory.
func NewManager(cfg config.CacheConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Dir, err)
	}

	dirLock := flock.New(filepath.Join(cfg.Dir, lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrCacheLocked, cfg.Dir)
	}

	db, err := bolt.Open(filepath.Join(cfg.Dir, indexDbName), 0600, nil)
	if err != nil {
		dirLock.Unlock()
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	return &Manager{dir: cfg.Dir, cfg: cfg, db: db, dirLock: dirLock}, nil
}

// Close releases the index and the directory lock.
func (m *Manager) Close() error {
	err := m.db.Close()
	if lerr := m.dirLock.Unlock(); err == nil {
		err = lerr
	}
	return err
}

// Dir is the cache directory; the downloader writes partial and final
// files there.
func (m *Manager) Dir() string { return m.dir }

// CheckCache looks up the descriptor. A hit requires an exact match of
// name, version and checksum, and updates the entry's last-access
// timestamp.
func (m *Manager) CheckCache(desc model.Descriptor) (*Entry, bool, error) {
	var entry *Entry
	err := m.db.Update(func(tx *bolt.Tx) error {
		bkt, err := modelBucket(tx, desc.ID())
		if err != nil {
			return err
		}
		e, err := loadEntry(bkt, desc.ID())
		if err != nil {
			return err
		}
		if e.Checksum != desc.Checksum {
			return fmt.Errorf("%w: checksum changed for %s", ErrModelNotCached, desc.ID())
		}
		if _, err := os.Stat(e.Path); err != nil {
			return fmt.Errorf("%w: file missing for %s", ErrModelNotCached, desc.ID())
		}
		e.LastAccess = time.Now()
		if err := bkt.Put(bucketKeyLastAccess, encodeInt64(e.LastAccess.UnixNano())); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrModelNotCached) {
			m.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, err
	}
	m.hits.Add(1)
	return entry, true, nil
}

// HasLocal reports whether the descriptor is usable without network
// access. Satisfies the recovery coordinator's local checker.
func (m *Manager) HasLocal(desc model.Descriptor) bool {
	has := false
	m.db.View(func(tx *bolt.Tx) error {
		bkt, err := modelBucket(tx, desc.ID())
		if err != nil {
			return nil
		}
		e, err := loadEntry(bkt, desc.ID())
		if err != nil {
			return nil
		}
		if e.Checksum == desc.Checksum {
			if _, err := os.Stat(e.Path); err == nil {
				has = true
			}
		}
		return nil
	})
	return has
}

// StoreModel records a verified file for the descriptor. Callers must
// verify the file first; the cache never exposes an entry that did not
// pass verification. Storing over capacity triggers eviction before
// returning.
func (m *Manager) StoreModel(desc model.Descriptor, filePath string) error {
	fi, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot store %s: %w", filePath, err)
	}
	now := time.Now()
	entry := Entry{
		Key:        desc.ID(),
		Path:       filePath,
		Size:       fi.Size(),
		Checksum:   desc.Checksum,
		Format:     desc.Format,
		StoredAt:   now,
		LastAccess: now,
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketKeyCache)
		if err != nil {
			return err
		}
		// Replace any prior entry for this key.
		if root.Bucket([]byte(entry.Key)) != nil {
			if err := root.DeleteBucket([]byte(entry.Key)); err != nil {
				return err
			}
		}
		bkt, err := root.CreateBucket([]byte(entry.Key))
		if err != nil {
			return err
		}
		return writeEntry(bkt, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", entry.Key, err)
	}
	log.L.WithFields(log.Fields{
		"model": entry.Key,
		"size":  entry.Size,
	}).Debug("model stored in cache")

	if m.cfg.EvictionPolicy == PolicyLRU && m.totalSize() > m.cfg.MaxSizeBytes {
		return m.evictLRU()
	}
	return nil
}

// RemoveModel invalidates the named model. An empty version removes all
// cached versions of the name. The cached files are deleted.
func (m *Manager) RemoveModel(name, version string) error {
	var victims []Entry
	err := m.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyCache)
		if root == nil {
			return nil
		}
		var keys [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			key := string(k)
			if version != "" && key != name+"@"+version {
				return nil
			}
			if version == "" && !strings.HasPrefix(key, name+"@") {
				return nil
			}
			e, err := loadEntry(root.Bucket(k), key)
			if err != nil {
				return err
			}
			victims = append(victims, *e)
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := root.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotCached, name)
	}
	for _, v := range victims {
		if err := os.Remove(v.Path); err != nil && !os.IsNotExist(err) {
			log.L.WithError(err).WithField("path", v.Path).Warn("failed to remove cached file")
		}
	}
	return nil
}

// Stats reports totals and the hit rate observed since construction.
func (m *Manager) Stats() Stats {
	st := Stats{}
	m.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyCache)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(k []byte) error {
			e, err := loadEntry(root.Bucket(k), string(k))
			if err != nil {
				return err
			}
			st.TotalModels++
			st.TotalSize += e.Size
			return nil
		})
	})
	hits, misses := m.hits.Load(), m.misses.Load()
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// Entries returns all cache entries, unordered.
func (m *Manager) Entries() ([]Entry, error) {
	var entries []Entry
	err := m.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyCache)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(k []byte) error {
			e, err := loadEntry(root.Bucket(k), string(k))
			if err != nil {
				return err
			}
			entries = append(entries, *e)
			return nil
		})
	})
	return entries, err
}

// Coalesce runs fn once for concurrent callers sharing the same
// acquisition key; late callers wait for and share the first caller's
// result.
func (m *Manager) Coalesce(key string, fn func() (string, error)) (string, error) {
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func modelBucket(tx *bolt.Tx, key string) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketKeyCache)
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotCached, key)
	}
	bkt := root.Bucket([]byte(key))
	if bkt == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotCached, key)
	}
	return bkt, nil
}

func loadEntry(bkt *bolt.Bucket, key string) (*Entry, error) {
	if bkt == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotCached, key)
	}
	e := &Entry{
		Key:      key,
		Path:     string(bkt.Get(bucketKeyPath)),
		Checksum: digest.Digest(bkt.Get(bucketKeyChecksum)),
		Format:   model.Format(bkt.Get(bucketKeyFormat)),
	}
	size, err := decodeInt64(bkt.Get(bucketKeySize))
	if err != nil {
		return nil, fmt.Errorf("corrupt size for %s: %w", key, err)
	}
	e.Size = size
	storedAt, err := decodeInt64(bkt.Get(bucketKeyStoredAt))
	if err != nil {
		return nil, fmt.Errorf("corrupt stored_at for %s: %w", key, err)
	}
	e.StoredAt = time.Unix(0, storedAt)
	lastAccess, err := decodeInt64(bkt.Get(bucketKeyLastAccess))
	if err != nil {
		return nil, fmt.Errorf("corrupt last_access for %s: %w", key, err)
	}
	e.LastAccess = time.Unix(0, lastAccess)
	return e, nil
}

func writeEntry(bkt *bolt.Bucket, e Entry) error {
	puts := []struct {
		key []byte
		val []byte
	}{
		{bucketKeyPath, []byte(e.Path)},
		{bucketKeySize, encodeInt64(e.Size)},
		{bucketKeyChecksum, []byte(e.Checksum)},
		{bucketKeyFormat, []byte(e.Format)},
		{bucketKeyStoredAt, encodeInt64(e.StoredAt.UnixNano())},
		{bucketKeyLastAccess, encodeInt64(e.LastAccess.UnixNano())},
	}
	for _, p := range puts {
		if err := bkt.Put(p.key, p.val); err != nil {
			return err
		}
	}
	return nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
