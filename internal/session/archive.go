package session

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type archiveStats struct {
	files int
	bytes int64
	err   error
}

// writeArchive writes root's contents as a gzip tar with paths relative
// to root. Only regular files, directories, and symlinks are included.
func writeArchive(w io.Writer, root string) (archiveStats, error) {
	var stats archiveStats
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode().IsRegular(), info.IsDir():
		case info.Mode()&os.ModeSymlink != 0:
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		default:
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		stats.files++
		stats.bytes += n
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := tw.Close(); err != nil {
		return stats, err
	}
	return stats, gz.Close()
}

var errUnsafeEntry = errors.New("archive entry escapes the destination")

// readArchive unpacks a gzip tar into dir, rejecting entries and link
// targets that would land outside it.
func readArchive(r io.Reader, dir string) (archiveStats, error) {
	var stats archiveStats
	gz, err := gzip.NewReader(r)
	if err != nil {
		return stats, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		name, ok := within(dir, hdr.Name)
		if !ok {
			return stats, fmt.Errorf("%w: %s", errUnsafeEntry, hdr.Name)
		}
		if name == dir {
			continue
		}

		mode := os.FileMode(hdr.Mode) & os.ModePerm
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(name, mode|0o700); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
				return stats, err
			}
			f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
			if err != nil {
				return stats, err
			}
			n, err := io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return stats, err
			}
			stats.files++
			stats.bytes += n
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return stats, fmt.Errorf("%w: %s -> %s", errUnsafeEntry, hdr.Name, hdr.Linkname)
			}
			if _, ok := within(dir, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); !ok {
				return stats, fmt.Errorf("%w: %s -> %s", errUnsafeEntry, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
				return stats, err
			}
			if err := os.Symlink(hdr.Linkname, name); err != nil {
				return stats, err
			}
		}
	}
}

func within(dir, name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(dir, clean), true
}

// place moves staged content to dest, merging into an existing directory.
func place(staging, dest string) error {
	if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
		if err := os.Chmod(staging, 0o755); err != nil {
			return err
		}
		return os.Rename(staging, dest)
	}
	return filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(staging, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return os.Rename(p, target)
	})
}
