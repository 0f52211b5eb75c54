package antivirus

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Quarantine relocates infected files out of the serving path. Files are
// keyed by content hash, so two uploads of the same bytes share one
// quarantine entry.
type Quarantine struct {
	Dir string
}

func NewQuarantine(dir string) *Quarantine {
	return &Quarantine{Dir: dir}
}

// Path returns where the file for a given content hash would be held
func (q *Quarantine) Path(sha256 string) string {
	return filepath.Join(q.Dir, sha256+".quarantine")
}

// Place moves the file at path into quarantine, creating the directory on
// demand. Returns the quarantine path.
func (q *Quarantine) Place(path, sha256 string) (string, error) {
	if err := os.MkdirAll(q.Dir, 0o750); err != nil {
		return "", fmt.Errorf("creating quarantine dir: %w", err)
	}

	dst := q.Path(sha256)
	if err := os.Rename(path, dst); err != nil {
		// Rename fails across filesystems; fall back to copy + remove
		if copyErr := copyFile(path, dst); copyErr != nil {
			return "", fmt.Errorf("quarantining %s: %w", path, err)
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return "", fmt.Errorf("removing original after quarantine copy: %w", rmErr)
		}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
