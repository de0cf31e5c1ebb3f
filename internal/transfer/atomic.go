package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrBodyRead marks a failure reading the incoming stream, as opposed to a
// local disk failure.
var ErrBodyRead = errors.New("reading request body")

type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// WriteAtomic streams r into a unique "<base>.*.part" file next to dest,
// syncs it and renames it onto dest. On any error the part file is removed
// and dest is left untouched.
func WriteAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	src := &trackedReader{r: r}
	n, err := io.Copy(tmp, src)
	if err != nil {
		if src.err != nil {
			return n, fmt.Errorf("%w: %w", ErrBodyRead, src.err)
		}
		return n, fmt.Errorf("writing temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return n, fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, fmt.Errorf("renaming to target: %w", err)
	}
	committed = true
	return n, nil
}
