package fileitem

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestInterning(t *testing.T) {
	c := NewCache()
	a := c.Get("/tmp/stoke-test/a.o")
	b := c.Get("/tmp/stoke-test/b/../a.o")
	if a != b {
		t.Fatalf("expected one Item per path, got two for %q and %q", a.Path(), b.Path())
	}
}

func TestStatCaching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	it := c.Get(path)
	if !it.Exists() {
		t.Fatalf("%s: Exists() = false, want true", path)
	}
	if got, want := it.Length(), int64(5); got != want {
		t.Fatalf("Length() = %d, want %d", got, want)
	}

	// The cached view must survive deletion until Reset.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !it.Exists() {
		t.Fatalf("Exists() = false before Reset, want cached true")
	}
	it.Reset()
	if it.Exists() {
		t.Fatalf("Exists() = true after Reset, want false")
	}
	if !it.ModTime().Equal(time.Time{}) {
		t.Fatalf("ModTime() = %v after Reset of missing file, want zero", it.ModTime())
	}
}

func TestConcurrentGet(t *testing.T) {
	c := NewCache()
	const n = 32
	items := make([]*Item, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items[i] = c.Get("/tmp/stoke-test/shared.h")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if items[i] != items[0] {
			t.Fatalf("goroutine %d observed a distinct Item", i)
		}
	}
}
