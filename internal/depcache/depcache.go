// Package depcache caches the header and module dependency lists which
// compilers emit next to their outputs (.d, flat-list .txt and source
// dependency .json files). Parsed entries are memoized per base directory
// partition and persisted across builds.
package depcache

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/fileitem"
)

// A ModuleImport names an imported C++ module together with the path of its
// binary module interface.
type ModuleImport struct {
	Name string
	BMI  string
}

// Info is the parsed content of one dependency file.
type Info struct {
	// ModTime is the last-write time of the dependency file when it was
	// parsed. Entries whose recorded time is older than the file on disk are
	// reparsed.
	ModTime time.Time

	// ProducedModule is the module interface the translation unit provides,
	// if any.
	ProducedModule string

	// ImportedModules lists imported modules, if the dependency file carries
	// module information.
	ImportedModules []ModuleImport

	// Files lists every included file.
	Files []*fileitem.Item
}

type partition struct {
	base      string
	cachePath string

	mu       sync.RWMutex
	entries  map[string]*Info
	modified bool
}

// A Cache routes dependency file lookups to partitions anchored at base
// directories.
type Cache struct {
	files *fileitem.Cache

	// registryMu guards the partition list, not the entries within.
	registryMu sync.Mutex
	partitions []*partition
}

func NewCache(files *fileitem.Cache) *Cache {
	return &Cache{files: files}
}

// AddPartition registers a partition anchored at base, persisted at
// cachePath. An unreadable or version-mismatched archive is logged by the
// loader and the partition starts empty.
func (c *Cache) AddPartition(base, cachePath string) error {
	abs, err := filepath.Abs(base)
	if err != nil {
		return err
	}
	p := &partition{
		base:      abs,
		cachePath: cachePath,
		entries:   make(map[string]*Info),
	}
	p.load(c.files)
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	c.partitions = append(c.partitions, p)
	return nil
}

// Save writes every modified partition back to disk. Call at the end of the
// build.
func (c *Cache) Save() error {
	c.registryMu.Lock()
	partitions := append([]*partition(nil), c.partitions...)
	c.registryMu.Unlock()
	for _, p := range partitions {
		if err := p.save(); err != nil {
			return xerrors.Errorf("dependency cache %s: %w", p.cachePath, err)
		}
	}
	return nil
}

func (c *Cache) partitionFor(path string) *partition {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for _, p := range c.partitions {
		if isAncestor(p.base, path) {
			return p
		}
	}
	return nil
}

func isAncestor(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// DependencyInfo returns the parsed content of file, reparsing if the cached
// entry is stale. It returns (nil, nil) if the file does not exist, and an
// error for malformed content: the engine treats those as fatal.
func (c *Cache) DependencyInfo(file *fileitem.Item) (*Info, error) {
	p := c.partitionFor(file.Path())
	if p == nil {
		return nil, xerrors.Errorf("no dependency cache partition covers %s", file.Path())
	}
	if !file.Exists() {
		return nil, nil
	}
	mtime := file.ModTime()

	p.mu.RLock()
	entry, ok := p.entries[file.Path()]
	p.mu.RUnlock()
	if ok && !entry.ModTime.Before(mtime) {
		return entry, nil
	}

	// Concurrent probes of the same file may parse redundantly; the data is
	// idempotent, the last write wins.
	info, err := parseFile(c.files, file)
	if err != nil {
		return nil, err
	}
	info.ModTime = mtime
	p.mu.Lock()
	p.entries[file.Path()] = info
	p.modified = true
	p.mu.Unlock()
	return info, nil
}

// ProducedModule returns the module name file's translation unit provides,
// or "" if none (or if file does not exist).
func (c *Cache) ProducedModule(file *fileitem.Item) (string, error) {
	info, err := c.DependencyInfo(file)
	if err != nil || info == nil {
		return "", err
	}
	return info.ProducedModule, nil
}

// ImportedModules returns the modules imported by file's translation unit.
// A nil slice with nil error means the file does not exist.
func (c *Cache) ImportedModules(file *fileitem.Item) ([]ModuleImport, error) {
	info, err := c.DependencyInfo(file)
	if err != nil || info == nil {
		return nil, err
	}
	return info.ImportedModules, nil
}

// Dependencies returns the included files listed in file, or (nil, nil) if
// file does not exist.
func (c *Cache) Dependencies(file *fileitem.Item) ([]*fileitem.Item, error) {
	info, err := c.DependencyInfo(file)
	if err != nil || info == nil {
		return nil, err
	}
	return info.Files, nil
}

func parseFile(files *fileitem.Cache, file *fileitem.Item) (*Info, error) {
	switch {
	case strings.HasSuffix(file.Path(), ".d"):
		return parseMakefileDeps(files, file)
	case strings.HasSuffix(file.Path(), ".txt"):
		return parseTextDeps(files, file)
	case strings.HasSuffix(file.Path(), ".json"):
		return parseJSONDeps(files, file)
	default:
		return nil, xerrors.Errorf("unrecognized dependency list format: %s", file.Path())
	}
}
