package depcache

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"

	"github.com/st0ke/stoke/internal/fileitem"
)

// archiveVersion is bumped whenever the on-disk layout changes; mismatched
// archives are discarded, not migrated.
const archiveVersion = 3

type archiveEntry struct {
	Path            string
	ModTime         time.Time
	ProducedModule  string
	ImportedModules []ModuleImport
	Files           []string
}

type archive struct {
	Version int
	Entries []archiveEntry
}

// load reads the persisted archive for p. The cache is authoritative only
// when version-stamped: read errors and version mismatches leave the
// partition empty and are logged, never fatal.
func (p *partition) load(files *fileitem.Cache) {
	b, err := os.ReadFile(p.cachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithField("path", p.cachePath).WithError(err).Info("dependency cache unreadable, starting empty")
		}
		return
	}
	var ar archive
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ar); err != nil {
		logrus.WithField("path", p.cachePath).WithError(err).Info("dependency cache corrupt, starting empty")
		return
	}
	if ar.Version != archiveVersion {
		logrus.WithFields(logrus.Fields{
			"path": p.cachePath,
			"got":  ar.Version,
			"want": archiveVersion,
		}).Info("dependency cache version mismatch, starting empty")
		return
	}
	for _, e := range ar.Entries {
		info := &Info{
			ModTime:         e.ModTime,
			ProducedModule:  e.ProducedModule,
			ImportedModules: e.ImportedModules,
		}
		for _, f := range e.Files {
			info.Files = append(info.Files, files.Get(f))
		}
		p.entries[e.Path] = info
	}
}

// save writes the archive if the partition was modified since load.
func (p *partition) save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.modified {
		return nil
	}
	ar := archive{Version: archiveVersion}
	for path, info := range p.entries {
		e := archiveEntry{
			Path:            path,
			ModTime:         info.ModTime,
			ProducedModule:  info.ProducedModule,
			ImportedModules: info.ImportedModules,
		}
		for _, f := range info.Files {
			e.Files = append(e.Files, f.Path())
		}
		ar.Entries = append(ar.Entries, e)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ar); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.cachePath), 0755); err != nil {
		return err
	}
	if err := renameio.WriteFile(p.cachePath, buf.Bytes(), 0644); err != nil {
		return err
	}
	p.modified = false
	return nil
}
