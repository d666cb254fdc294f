package agent

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyFS is a backport of os.CopyFS (added in Go 1.23) so the package builds
// with a go1.21 toolchain. It mirrors the stdlib implementation: directories
// are created with 0777 (before umask), regular files are copied with
// O_CREATE|O_EXCL preserving permission bits, and non-regular files yield a
// *fs.PathError with os.ErrInvalid.
func copyFS(dir string, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !fs.ValidPath(path) {
			return &fs.PathError{Op: "CopyFS", Path: path, Err: os.ErrInvalid}
		}
		newPath := filepath.Join(dir, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(newPath, 0o777)
		}

		if !d.Type().IsRegular() {
			return &fs.PathError{Op: "CopyFS", Path: path, Err: os.ErrInvalid}
		}

		r, err := fsys.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()
		info, err := r.Stat()
		if err != nil {
			return err
		}
		w, err := os.OpenFile(newPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666|info.Mode()&0o777)
		if err != nil {
			return err
		}

		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return &fs.PathError{Op: "Copy", Path: newPath, Err: err}
		}
		return w.Close()
	})
}
