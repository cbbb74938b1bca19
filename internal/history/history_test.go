package history

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateProducingAttributes(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	require.True(t, s.UpdateProducingAttributes("/out/a.o", "cc -o a.o a.c (ver 1)"),
		"first probe must report a change")
	require.False(t, s.UpdateProducingAttributes("/out/a.o", "cc -o a.o a.c (ver 1)"),
		"identical probe must not report a change")
	require.True(t, s.UpdateProducingAttributes("/out/a.o", "cc -O3 -o a.o a.c (ver 1)"),
		"differing command line must report a change")
	require.True(t, s.UpdateProducingAttributes("/out/a.o", "cc -O3 -o a.o a.c (ver 2)"),
		"version bump must report a change even with an identical command line")
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	s.UpdateProducingAttributes("/out/a.o", "cc -o a.o a.c (ver 1)")
	require.NoError(t, s.Save())

	s2, err := Open(path)
	require.NoError(t, err)
	require.False(t, s2.UpdateProducingAttributes("/out/a.o", "cc -o a.o a.c (ver 1)"),
		"reloaded history must already contain the record")
}

func TestConcurrentProbes(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.UpdateProducingAttributes("/out/shared.o", "cc (ver 1)")
			}
		}(i)
	}
	wg.Wait()
	// After the races settle, the record must be stable.
	require.False(t, s.UpdateProducingAttributes("/out/shared.o", "cc (ver 1)"))
}

func TestRegistryRouting(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	require.NoError(t, r.AddRoot(filepath.Join(dir, "Engine"), filepath.Join(dir, "engine.db")))
	require.NoError(t, r.AddRoot(filepath.Join(dir, "Game"), filepath.Join(dir, "game.db")))

	engine := r.ForFile(filepath.Join(dir, "Engine", "Binaries", "x.o"))
	game := r.ForFile(filepath.Join(dir, "Game", "Binaries", "y.o"))
	require.NotNil(t, engine)
	require.NotNil(t, game)
	require.NotSame(t, engine, game)
	require.Nil(t, r.ForFile(filepath.Join(dir, "Elsewhere", "z.o")))
}
