// Package history records, for every produced file, the command line which
// last produced it. A command-line change invalidates the file even when all
// timestamps are current.
package history

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// storeVersion is bumped whenever the on-disk layout changes; mismatched
// stores are discarded, not migrated.
const storeVersion = 1

var (
	bucketMeta       = []byte("meta")
	bucketAttributes = []byte("attributes")
	keyVersion       = []byte("version")
)

// A Store is the action history for one mount point (the engine root or one
// project root).
type Store struct {
	path string

	mu       sync.Mutex
	entries  map[string]string
	modified bool
}

// Open reads the history database at path, creating it if necessary. A
// corrupt or version-mismatched database is discarded and the history starts
// empty; losing history is safe, it only causes rebuilds.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]string)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{ReadOnly: true})
	if err != nil {
		logrus.WithField("path", path).WithError(err).Info("action history unreadable, starting empty")
		return s, nil
	}
	defer db.Close()
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil // freshly created file
		}
		if v := meta.Get(keyVersion); len(v) != 4 || binary.LittleEndian.Uint32(v) != storeVersion {
			logrus.WithField("path", path).Info("action history version mismatch, starting empty")
			return nil
		}
		attrs := tx.Bucket(bucketAttributes)
		if attrs == nil {
			return nil
		}
		return attrs.ForEach(func(k, v []byte) error {
			s.entries[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		logrus.WithField("path", path).WithError(err).Info("action history corrupt, starting empty")
		s.entries = make(map[string]string)
	}
	return s, nil
}

// UpdateProducingAttributes atomically swaps the recorded producing
// attributes for file and reports whether the record changed (differed or was
// absent). Probes on distinct files may run concurrently.
func (s *Store) UpdateProducingAttributes(file, attributes string) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[file]
	if ok && prev == attributes {
		return false
	}
	s.entries[file] = attributes
	s.modified = true
	return true
}

// Save flushes the history back to disk if any probe modified it. Call at
// the end of the build.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modified {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	db, err := bolt.Open(s.path, 0644, nil)
	if err != nil {
		return xerrors.Errorf("action history %s: %w", s.path, err)
	}
	defer db.Close()
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketAttributes} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], storeVersion)
		if err := meta.Put(keyVersion, v[:]); err != nil {
			return err
		}
		attrs, err := tx.CreateBucket(bucketAttributes)
		if err != nil {
			return err
		}
		for k, val := range s.entries {
			if err := attrs.Put([]byte(k), []byte(val)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("action history %s: %w", s.path, err)
	}
	s.modified = false
	return nil
}

// A Registry routes files to the history store of the mount point containing
// them, mirroring the dependency cache partitioning.
type Registry struct {
	mu     sync.Mutex
	roots  []string
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// AddRoot opens (or creates) the history store for the mount point at root,
// persisted at dbPath.
func (r *Registry) AddRoot(root, dbPath string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	s, err := Open(dbPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append(r.roots, abs)
	r.stores[abs] = s
	return nil
}

// ForFile returns the store for the first registered root containing path,
// or nil if none does.
func (r *Registry) ForFile(path string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, root := range r.roots {
		if rel, err := filepath.Rel(root, path); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel) {
			return r.stores[root]
		}
	}
	return nil
}

// Save flushes every registered store.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stores {
		if err := s.Save(); err != nil {
			return err
		}
	}
	return nil
}
