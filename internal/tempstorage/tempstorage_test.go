package tempstorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "workspace")
	require.NoError(t, os.MkdirAll(root, 0755))
	return &Store{
		RootDir:  root,
		LocalDir: filepath.Join(base, "local"),
	}
}

func (s *Store) writeWorkspaceFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(s.RootDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestArchiveRetrieve(t *testing.T) {
	s := newStore(t)
	a := s.writeWorkspaceFile(t, "out/foo.bin", "foo contents")
	b := s.writeWorkspaceFile(t, "out/sub/bar.bin", "bar contents")

	manifest, err := s.Archive("Compile", "default", []string{a, b})
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	require.Equal(t, "out/foo.bin", manifest.Files[0].RelativePath)
	require.Equal(t, int64(len("foo contents")), manifest.Files[0].Size)
	require.NotEmpty(t, manifest.Files[0].Hash)

	got, err := s.Retrieve("Compile", "default")
	require.NoError(t, err)
	require.Equal(t, manifest, got)
}

func TestSharedRoundTrip(t *testing.T) {
	producer := newStore(t)
	shared := filepath.Join(t.TempDir(), "shared")
	producer.SharedDir = shared
	producer.WriteToShared = true
	path := producer.writeWorkspaceFile(t, "out/foo.bin", "payload")
	_, err := producer.Archive("Compile", "default", []string{path})
	require.NoError(t, err)
	require.NoError(t, producer.WriteFileList("Compile", "#artifacts",
		[]ManifestFile{mustDescribe(t, producer, path)},
		[]BlockID{{Node: "Compile", Output: "default"}}))

	sharedEntries := func() []string {
		var paths []string
		require.NoError(t, filepath.Walk(shared, func(path string, _ os.FileInfo, err error) error {
			paths = append(paths, path)
			return err
		}))
		return paths
	}
	before := sharedEntries()

	// A second driver with read-only shared storage stages the block.
	consumer := newStore(t)
	consumer.SharedDir = shared

	fl, err := consumer.ReadFileList("Compile", "#artifacts")
	require.NoError(t, err)
	require.Len(t, fl.Blocks, 1)

	_, err = consumer.Retrieve("Compile", "default")
	require.NoError(t, err)
	staged, err := os.ReadFile(filepath.Join(consumer.RootDir, "out", "foo.bin"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(staged))

	// Read-only mode must not have pushed anything back.
	require.Equal(t, before, sharedEntries())
}

func mustDescribe(t *testing.T, s *Store, path string) ManifestFile {
	t.Helper()
	mf, err := s.DescribeFile(path)
	require.NoError(t, err)
	return mf
}

func TestDuplicateProductRejected(t *testing.T) {
	s := newStore(t)
	path := s.writeWorkspaceFile(t, "out/shared.dll", "dll")
	_, err := s.Archive("NodeA", "default", []string{path})
	require.NoError(t, err)
	_, err = s.Archive("NodeB", "default", []string{path})
	require.Error(t, err, "undeclared duplicate build product must be rejected")

	s.Duplicable = []string{"shared.dll"}
	_, err = s.Archive("NodeC", "default", []string{path})
	require.NoError(t, err, "declared duplicable product must be allowed")
}

func TestFileListRoundTrip(t *testing.T) {
	s := newStore(t)
	path := s.writeWorkspaceFile(t, "out/foo.bin", "x")
	mf := mustDescribe(t, s, path)
	require.NoError(t, s.WriteFileList("Node", "#artifacts", []ManifestFile{mf},
		[]BlockID{{Node: "Node", Output: "default"}}))
	fl, err := s.ReadFileList("Node", "#artifacts")
	require.NoError(t, err)
	require.Equal(t, []ManifestFile{mf}, fl.Files)
	require.Equal(t, []BlockID{{Node: "Node", Output: "default"}}, fl.Blocks)
}

func TestCompletionAndClean(t *testing.T) {
	s := newStore(t)
	require.False(t, s.IsComplete("Node"))
	require.NoError(t, s.MarkComplete("Node"))
	require.True(t, s.IsComplete("Node"))

	require.NoError(t, s.CleanLocalNode("Node"))
	require.False(t, s.IsComplete("Node"))

	require.NoError(t, s.MarkComplete("Other"))
	require.NoError(t, s.CleanLocal())
	require.False(t, s.IsComplete("Other"))
}

func TestCheckLocalIntegrity(t *testing.T) {
	s := newStore(t)
	path := s.writeWorkspaceFile(t, "out/foo.bin", "original")
	_, err := s.Archive("Node", "default", []string{path})
	require.NoError(t, err)
	require.NoError(t, s.WriteFileList("Node", "#artifacts",
		[]ManifestFile{mustDescribe(t, s, path)}, []BlockID{{Node: "Node", Output: "default"}}))
	require.NoError(t, s.MarkComplete("Node"))

	ok, err := s.CheckLocalIntegrity("Node", []string{"#artifacts"})
	require.NoError(t, err)
	require.True(t, ok)

	// Damaging the file must invalidate the node.
	require.NoError(t, os.WriteFile(path, []byte("clobbered"), 0644))
	ok, err = s.CheckLocalIntegrity("Node", []string{"#artifacts"})
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.IsComplete("Node"), "drifted node must lose its completion marker")
}
