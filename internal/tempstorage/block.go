package tempstorage

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// writeBlock archives the manifest's files (read relative to root) into a
// tar.gz at path. pgzip parallelizes the compression; block writes sit on
// the critical path between nodes.
func writeBlock(path, root string, manifest *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := pgzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for _, mf := range manifest.Files {
		abs := filepath.Join(root, filepath.FromSlash(mf.RelativePath))
		fi, err := os.Stat(abs)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = mf.RelativePath
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(abs)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, in); err != nil {
			in.Close()
			return err
		}
		in.Close()
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// extractBlock unpacks a block archive under root, creating directories as
// needed. Entries escaping root are rejected.
func extractBlock(path, root string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if rel, err := filepath.Rel(root, dest); err != nil || rel == ".." || filepath.IsAbs(rel) ||
			strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return xerrors.Errorf("archive entry %q escapes the workspace root", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
