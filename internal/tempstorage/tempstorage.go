// Package tempstorage hands tagged file sets between pipeline nodes. Each
// node output is archived as one block (a tar.gz plus a JSON manifest of
// relative path, size and content hash per file); tag file lists reference
// the blocks their files came from so downstream nodes pull only what they
// need. With a shared directory configured, blocks are mirrored so
// cooperating drivers on other machines can retrieve them.
package tempstorage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// A BlockID names an archived bundle of files: the node which produced it
// and the output name within that node.
type BlockID struct {
	Node   string `json:"node"`
	Output string `json:"output"`
}

// A ManifestFile describes one archived file.
type ManifestFile struct {
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
}

// A Manifest lists the content of one block.
type Manifest struct {
	Files []ManifestFile `json:"files"`
}

// A FileList is the resolved content of one tag: the files plus the blocks
// they came from.
type FileList struct {
	Files  []ManifestFile `json:"files"`
	Blocks []BlockID      `json:"blocks"`
}

// Store is the temp storage of one driver.
type Store struct {
	// RootDir anchors the relative paths inside manifests.
	RootDir string

	// LocalDir holds this machine's blocks, manifests, file lists and
	// completion markers.
	LocalDir string

	// SharedDir, if set, is the cross-machine mirror. Blocks are fetched
	// from it on retrieve; they are pushed to it only with WriteToShared.
	SharedDir     string
	WriteToShared bool

	// Duplicable lists base names which may appear in more than one block
	// (e.g. a runtime library every target stages next to its binary).
	Duplicable []string

	// archived tracks which block archived each file during this run, for
	// the duplicate-product check.
	archived map[string]BlockID
}

func (s *Store) nodeDir(base, node string) string {
	return filepath.Join(base, sanitize(node))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '#':
			return '+'
		}
		return r
	}, name)
}

func (s *Store) blockPath(base string, id BlockID) string {
	return filepath.Join(s.nodeDir(base, id.Node), sanitize(id.Output)+".tar.gz")
}

func (s *Store) manifestPath(base string, id BlockID) string {
	return filepath.Join(s.nodeDir(base, id.Node), sanitize(id.Output)+".manifest.json")
}

func (s *Store) fileListPath(base, node, tag string) string {
	return filepath.Join(s.nodeDir(base, node), sanitize(tag)+".filelist.json")
}

func (s *Store) completeMarkerPath(node string) string {
	return filepath.Join(s.nodeDir(s.LocalDir, node), "complete.marker")
}

func (s *Store) isDuplicable(relPath string) bool {
	base := filepath.Base(relPath)
	for _, d := range s.Duplicable {
		if d == base {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DescribeFile stats and hashes one file relative to the store root.
func (s *Store) DescribeFile(path string) (ManifestFile, error) {
	rel, err := filepath.Rel(s.RootDir, path)
	if err != nil {
		return ManifestFile{}, xerrors.Errorf("%s is outside the workspace root %s: %v", path, s.RootDir, err)
	}
	hash, size, err := hashFile(path)
	if err != nil {
		return ManifestFile{}, err
	}
	return ManifestFile{RelativePath: filepath.ToSlash(rel), Size: size, Hash: hash}, nil
}

// Archive bundles files (absolute paths under RootDir) into the block
// (node, output) and returns its manifest. Files already archived by another
// block are rejected unless they are declared duplicable build products.
func (s *Store) Archive(node, output string, files []string) (*Manifest, error) {
	id := BlockID{Node: node, Output: output}
	manifest := &Manifest{}
	if s.archived == nil {
		s.archived = make(map[string]BlockID)
	}
	for _, path := range files {
		mf, err := s.DescribeFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := s.archived[mf.RelativePath]; ok && prev != id && !s.isDuplicable(mf.RelativePath) {
			return nil, xerrors.Errorf("%s already archived by block %s/%s; duplicate build products must be declared",
				mf.RelativePath, prev.Node, prev.Output)
		}
		s.archived[mf.RelativePath] = id
		manifest.Files = append(manifest.Files, mf)
	}

	blockPath := s.blockPath(s.LocalDir, id)
	if err := os.MkdirAll(filepath.Dir(blockPath), 0755); err != nil {
		return nil, err
	}
	if err := writeBlock(blockPath, s.RootDir, manifest); err != nil {
		return nil, xerrors.Errorf("archiving block %s/%s: %w", node, output, err)
	}
	if err := writeJSON(s.manifestPath(s.LocalDir, id), manifest); err != nil {
		return nil, err
	}

	if s.SharedDir != "" && s.WriteToShared {
		if err := os.MkdirAll(filepath.Dir(s.blockPath(s.SharedDir, id)), 0755); err != nil {
			return nil, err
		}
		if err := copyFile(blockPath, s.blockPath(s.SharedDir, id)); err != nil {
			return nil, xerrors.Errorf("mirroring block %s/%s: %w", node, output, err)
		}
		if err := writeJSON(s.manifestPath(s.SharedDir, id), manifest); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

// Retrieve returns the manifest of the block (node, output), staging the
// block from shared storage if it is not available locally. Staged files are
// extracted under RootDir.
func (s *Store) Retrieve(node, output string) (*Manifest, error) {
	id := BlockID{Node: node, Output: output}
	manifest := &Manifest{}
	if err := readJSON(s.manifestPath(s.LocalDir, id), manifest); err == nil {
		return manifest, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if s.SharedDir == "" {
		return nil, xerrors.Errorf("block %s/%s is not in local temp storage and no shared storage is configured", node, output)
	}
	if err := readJSON(s.manifestPath(s.SharedDir, id), manifest); err != nil {
		return nil, xerrors.Errorf("block %s/%s: %w", node, output, err)
	}
	logrus.WithFields(logrus.Fields{"node": node, "output": output}).Info("staging block from shared storage")
	sharedBlock := s.blockPath(s.SharedDir, id)
	localBlock := s.blockPath(s.LocalDir, id)
	if err := os.MkdirAll(filepath.Dir(localBlock), 0755); err != nil {
		return nil, err
	}
	if err := copyFile(sharedBlock, localBlock); err != nil {
		return nil, xerrors.Errorf("staging block %s/%s: %w", node, output, err)
	}
	if err := extractBlock(localBlock, s.RootDir); err != nil {
		return nil, xerrors.Errorf("extracting block %s/%s: %w", node, output, err)
	}
	if err := writeJSON(s.manifestPath(s.LocalDir, id), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// WriteFileList records which files (and source blocks) make up the tag on
// node.
func (s *Store) WriteFileList(node, tag string, files []ManifestFile, blocks []BlockID) error {
	fl := &FileList{Files: files, Blocks: blocks}
	if fl.Files == nil {
		fl.Files = []ManifestFile{}
	}
	if fl.Blocks == nil {
		fl.Blocks = []BlockID{}
	}
	if err := writeJSON(s.fileListPath(s.LocalDir, node, tag), fl); err != nil {
		return err
	}
	if s.SharedDir != "" && s.WriteToShared {
		return writeJSON(s.fileListPath(s.SharedDir, node, tag), fl)
	}
	return nil
}

// ReadFileList resolves the tag on node, falling back to shared storage.
func (s *Store) ReadFileList(node, tag string) (*FileList, error) {
	fl := &FileList{}
	err := readJSON(s.fileListPath(s.LocalDir, node, tag), fl)
	if os.IsNotExist(err) && s.SharedDir != "" {
		err = readJSON(s.fileListPath(s.SharedDir, node, tag), fl)
	}
	if err != nil {
		return nil, xerrors.Errorf("tag %s of node %s: %w", tag, node, err)
	}
	return fl, nil
}

// IsComplete reports whether node finished in an earlier run.
func (s *Store) IsComplete(node string) bool {
	_, err := os.Stat(s.completeMarkerPath(node))
	return err == nil
}

// MarkComplete records that node finished.
func (s *Store) MarkComplete(node string) error {
	path := s.completeMarkerPath(node)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte("complete\n"), 0644)
}

// CleanLocal removes all local temp storage.
func (s *Store) CleanLocal() error {
	return os.RemoveAll(s.LocalDir)
}

// CleanLocalNode removes the local temp storage of one node, forcing it to
// re-run.
func (s *Store) CleanLocalNode(node string) error {
	return os.RemoveAll(s.nodeDir(s.LocalDir, node))
}

// CheckLocalIntegrity verifies lazily that the files recorded for a
// completed node still match their manifests. On drift the node is
// invalidated (its completion marker removed) so a resume re-runs it.
func (s *Store) CheckLocalIntegrity(node string, tagNames []string) (bool, error) {
	if !s.IsComplete(node) {
		return false, nil
	}
	for _, tag := range tagNames {
		fl, err := s.ReadFileList(node, tag)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return s.invalidate(node, tag, "file list missing")
			}
			return false, err
		}
		for _, mf := range fl.Files {
			path := filepath.Join(s.RootDir, filepath.FromSlash(mf.RelativePath))
			hash, size, err := hashFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return s.invalidate(node, mf.RelativePath, "file missing")
				}
				return false, err
			}
			if size != mf.Size || hash != mf.Hash {
				return s.invalidate(node, mf.RelativePath, "content drifted")
			}
		}
	}
	return true, nil
}

func (s *Store) invalidate(node, what, why string) (bool, error) {
	logrus.WithFields(logrus.Fields{"node": node, "file": what}).Warnf("temp storage integrity: %s", why)
	if err := os.Remove(s.completeMarkerPath(node)); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(b, '\n'), 0644)
}

func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
