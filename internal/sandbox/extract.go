package sandbox

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// extract unpacks a validated archive into fsys. fsys is expected to be a
// BasePathFs rooted at the job directory, which refuses paths outside it
// even if validation were bypassed. budget caps the bytes written.
func extract(fsys afero.Fs, content []byte, budget int64) error {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return invalid("artifact is not a valid zip archive")
	}
	var written int64
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return err
		}
		name := path.Clean("/" + strings.ReplaceAll(f.Name, `\`, "/"))
		if f.FileInfo().IsDir() {
			if err := fsys.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", name, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return invalid("archive entry %q is not a regular file", f.Name)
		}
		if err := fsys.MkdirAll(path.Dir(name), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", path.Dir(name), err)
		}
		n, err := extractFile(fsys, f, name, budget-written)
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(fsys afero.Fs, f *zip.File, name string, remaining int64) (int64, error) {
	perm := f.Mode().Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	rc, err := f.Open()
	if err != nil {
		return 0, invalid("cannot read archive entry %q", f.Name)
	}
	defer rc.Close()
	out, err := fsys.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm|0o600)
	if errors.Is(err, fs.ErrExist) {
		return 0, invalid("archive entry %q appears more than once", f.Name)
	}
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	// Declared sizes can lie; stop one byte past the remaining budget.
	n, copyErr := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if n > remaining {
		return n, invalid("archive expands beyond the extraction limit")
	}
	if copyErr != nil {
		return n, invalid("archive entry %q is corrupt", f.Name)
	}
	return n, closeErr
}
